package sink

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"pewsched/internal/task/outcome"
	logx "pewsched/pkg/logx"
)

const (
	amqpDialBackoffBase = time.Second
	amqpDialBackoffMax  = 30 * time.Second
	amqpContentType     = "application/json"
	amqpSource          = "pewsched"
)

var errAMQPBackoff = errors.New("amqp: not connected (reconnect backing off)")

// AMQPConfig configures the AMQP sink.
type AMQPConfig struct {
	URL      string
	Exchange string
	Buffer   int
}

// Message is the body published for every event.
type Message struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Source    string        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
	Event     outcome.Event `json:"event"`
}

// Channel is the subset of *amqp.Channel the sink uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Conn is the subset of *amqp.Connection the sink uses.
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(ch chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a connection to url.
type Dialer func(url string) (Conn, error)

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (Channel, error) { return c.Connection.Channel() }

// DialAMQP is the Dialer backed by amqp091-go.
func DialAMQP(url string) (Conn, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{c}, nil
}

// AMQP publishes events to a durable topic exchange with routing key
// "task.<status>". Delivery is at most once: an event that cannot be
// published while the broker is down is counted as failed.
type AMQP struct {
	cfg  AMQPConfig
	dial Dialer
	q    *queue
	log  logx.Logger

	mu       sync.Mutex
	conn     Conn
	ch       Channel
	closed   chan *amqp.Error
	backoff  time.Duration
	nextDial time.Time
	now      func() time.Time
}

func NewAMQP(cfg AMQPConfig, dial Dialer, log logx.Logger) *AMQP {
	if dial == nil {
		dial = DialAMQP
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AMQP{
		cfg:     cfg,
		dial:    dial,
		q:       newQueue("amqp", cfg.Buffer, log),
		log:     log.With(logx.String("sink", "amqp"), logx.String("exchange", cfg.Exchange)),
		backoff: amqpDialBackoffBase,
		now:     time.Now,
	}
}

func (a *AMQP) Emit(ev outcome.Event) { a.q.Emit(ev) }

func (a *AMQP) Stats() Stats { return a.q.stats() }

// Run publishes queued events until ctx is done, then closes the connection.
func (a *AMQP) Run(ctx context.Context) error {
	defer a.disconnect()
	return a.q.run(ctx, a.publish)
}

func RoutingKey(st outcome.Status) string { return "task." + string(st) }

func (a *AMQP) publish(ctx context.Context, ev outcome.Event) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	body, err := json.Marshal(Message{
		ID:        uuid.NewString(),
		Type:      RoutingKey(ev.Status),
		Source:    amqpSource,
		Timestamp: a.now().UTC(),
		Event:     ev,
	})
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := amqp.Publishing{
		ContentType:  amqpContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    a.now(),
		AppId:        amqpSource,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, a.cfg.Exchange, RoutingKey(ev.Status), false, false, msg); err != nil {
		a.disconnect()
		return errors.Wrap(err, "amqp publish")
	}
	return nil
}

// channel returns the open channel, dialing when needed. Dial failures back
// off exponentially; calls inside the backoff window fail fast.
func (a *AMQP) channel() (Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ch != nil {
		select {
		case err := <-a.closed:
			a.log.Warn("amqp connection closed", logx.Any("reason", err))
			a.dropLocked()
		default:
			return a.ch, nil
		}
	}
	if a.now().Before(a.nextDial) {
		return nil, errAMQPBackoff
	}

	conn, ch, err := a.connect()
	if err != nil {
		a.nextDial = a.now().Add(a.backoff)
		a.backoff = min(a.backoff*2, amqpDialBackoffMax)
		return nil, err
	}
	a.conn, a.ch = conn, ch
	a.closed = conn.NotifyClose(make(chan *amqp.Error, 1))
	a.backoff = amqpDialBackoffBase
	a.nextDial = time.Time{}
	a.log.Info("connected to amqp broker")
	return ch, nil
}

func (a *AMQP) connect() (Conn, Channel, error) {
	conn, err := a.dial(a.cfg.URL)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dial amqp %s", redactURL(a.cfg.URL))
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "open amqp channel")
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, errors.Wrapf(err, "declare exchange %q", a.cfg.Exchange)
	}
	return conn, ch, nil
}

func (a *AMQP) disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropLocked()
}

func (a *AMQP) dropLocked() {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.ch, a.conn, a.closed = nil, nil, nil
}

// redactURL strips credentials from an amqp URL for logging.
func redactURL(raw string) string {
	u, err := amqp.ParseURI(raw)
	if err != nil {
		if i := strings.LastIndex(raw, "@"); i >= 0 {
			return "amqp://***@" + raw[i+1:]
		}
		return raw
	}
	u.Password = ""
	return u.String()
}
