package app

import (
	"context"

	"github.com/cockroachdb/errors"

	"pewsched/internal/config"
	"pewsched/internal/eventbus"
	"pewsched/internal/observability/metrics"
	"pewsched/internal/observability/ops"
	"pewsched/internal/sink"
	"pewsched/internal/storage"
	"pewsched/internal/task/outcome"
	"pewsched/internal/task/registry"
	"pewsched/internal/task/scheduler"
	logx "pewsched/pkg/logx"
)

// LoadSettings reads, decodes and validates the config file. Only
// process-wide problems fail it; rejected tasks are in Settings.Rejected.
func LoadSettings(cfgPath string) (*config.Manager, config.Settings, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, config.Settings{}, err
	}
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, config.Settings{}, errors.WithHint(
			errors.Wrapf(err, "invalid config %s", cfgPath),
			"run `pewsched check` to list every problem")
	}
	return cfgm, settings, nil
}

// Inspect builds a scheduler with every valid task registered but no loop,
// sinks or storage. Used by the list command.
func Inspect(cfgPath string) (*scheduler.Service, config.Settings, error) {
	_, settings, err := LoadSettings(cfgPath)
	if err != nil {
		return nil, config.Settings{}, err
	}
	sched := scheduler.New(settings.Scheduler, registry.New())
	if err := sched.RegisterAll(settings.Tasks); err != nil {
		return nil, settings, err
	}
	return sched, settings, nil
}

func opsConfig(s config.OpsSettings) ops.Config {
	return ops.Config{
		Enabled:       s.Enabled,
		Addr:          s.Addr,
		Token:         s.Token,
		AllowInsecure: s.AllowInsecure,
		Pprof:         s.Pprof,
		ReadTimeout:   s.ReadTimeout,
		WriteTimeout:  s.WriteTimeout,
		IdleTimeout:   s.IdleTimeout,
	}
}

// sinks holds the event consumers that need a drain loop.
type sinks struct {
	store *sink.Store
	amqp  *sink.AMQP
}

func buildSinks(s config.Settings, bus eventbus.Bus, st storage.Store, m *metrics.Metrics, log logx.Logger) (outcome.Sink, sinks) {
	var out sinks
	list := []outcome.Sink{m, sink.NewBus(bus)}
	if st != nil {
		out.store = sink.NewStore(st, 0, log)
		list = append(list, out.store)
	}
	if s.AMQP.Enabled {
		out.amqp = sink.NewAMQP(sink.AMQPConfig{
			URL:      s.AMQP.URL,
			Exchange: s.AMQP.Exchange,
			Buffer:   s.AMQP.Buffer,
		}, sink.DialAMQP, log)
		list = append(list, out.amqp)
	}
	return outcome.Multi(list...), out
}

func openStore(ctx context.Context, s config.Settings, log logx.Logger) (storage.Store, error) {
	st, err := storage.Open(ctx, s.Storage, log)
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	if st != nil {
		log.Info("storage enabled", logx.String("comp", "app"), logx.String("driver", s.Storage.Driver))
	}
	return st, nil
}
