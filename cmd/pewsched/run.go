package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pewsched/internal/app"
)

var stopTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler until SIGINT or SIGTERM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		a, err := app.NewApp(ctx, cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return err
		}

		var reason app.StopReason
		select {
		case sig := <-sigs:
			reason = app.StopSIGTERM
			if sig == os.Interrupt {
				reason = app.StopSIGINT
			}
		case <-a.Done():
			reason = app.StopFatalError
		}

		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := a.Stop(sctx, reason); err != nil {
			return err
		}
		return a.Err()
	},
}

func init() {
	runCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 45*time.Second, "upper bound for graceful shutdown")
}
