package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const envConfig = "PEWSCHED_CONFIG"

var (
	cfgPath  string
	envFiles []string
)

var rootCmd = &cobra.Command{
	Use:   "pewsched",
	Short: "pewsched - recurring task scheduler",
	Long: `pewsched runs shell commands and HTTP calls on cron or interval schedules.

Examples:
  pewsched run --config ./pewsched.yaml    # Run the scheduler
  pewsched list --next 3                   # Show tasks and their upcoming fire times
  pewsched check                           # Validate the config file`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// .env files are optional.
		_ = godotenv.Load(envFiles...)
		if !cmd.Flags().Changed("config") {
			if v := os.Getenv(envConfig); v != "" {
				cfgPath = v
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./pewsched.yaml", "path to config file (yaml or json; env "+envConfig+")")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files loaded before reading the config")

	rootCmd.AddCommand(runCmd, listCmd, checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		for _, h := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "hint:", h)
		}
		os.Exit(1)
	}
}
