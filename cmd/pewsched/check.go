package main

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"pewsched/internal/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and report every problem",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		settings, err := config.Resolve(cfg)
		out := cmd.OutOrStdout()
		if err = errors.Join(err, settings.TasksErr()); err != nil {
			lines := strings.Split(err.Error(), "\n")
			fmt.Fprintf(out, "%s: %d problem(s)\n", cfgPath, len(lines))
			for _, l := range lines {
				fmt.Fprintln(out, "  -", l)
			}
			return errors.Newf("%s is invalid", cfgPath)
		}
		fmt.Fprintf(out, "%s: ok (%d tasks, timezone %s, storage %s)\n",
			cfgPath, len(settings.Tasks), settings.Scheduler.Location, storageLabel(settings))
		return nil
	},
}

func storageLabel(s config.Settings) string {
	if d := strings.TrimSpace(s.Storage.Driver); d != "" {
		return d
	}
	return "none"
}
