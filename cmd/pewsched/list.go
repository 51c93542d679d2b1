package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"pewsched/internal/app"
)

var (
	listNext int
	listFrom string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tasks with their upcoming fire times",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sched, settings, err := app.Inspect(cfgPath)
		if err != nil {
			return err
		}
		from := time.Now()
		if listFrom != "" {
			if from, err = time.Parse(time.RFC3339, listFrom); err != nil {
				return errors.WithHint(errors.Wrap(err, "--from"), "use RFC 3339, e.g. 2026-03-02T10:00:00Z")
			}
		}

		snap := sched.Snapshot()
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSCHEDULE\tKIND\tOVERLAP\tUNIT\tNEXT")
		for _, t := range snap.Tasks {
			next, _ := sched.Preview(t.ID, from, listNext)
			times := make([]string, 0, len(next))
			for _, n := range next {
				times = append(times, n.Format("2006-01-02 15:04 MST"))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Schedule, t.Kind, t.Overlap, t.Unit, strings.Join(times, ", "))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d task(s), timezone %s\n", len(snap.Tasks), settings.Scheduler.Location)
		for _, te := range settings.Rejected {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s\n", te.Error())
		}
		return nil
	},
}

func init() {
	listCmd.Flags().IntVarP(&listNext, "next", "n", 3, "upcoming fire times per task")
	listCmd.Flags().StringVar(&listFrom, "from", "", "preview from this instant (RFC 3339) instead of now")
}
