package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	submitDuration  uint64
	submitNotifyCmd string
)

var submitCmd = &cobra.Command{
	Use:   "submit [flags] -- <command> [args...]",
	Short: "Submit a job to the queue",
	Long: `Submit a command line for execution. Arguments after -- are passed to the
daemon as an exact argv vector; nothing is shell-interpreted on the server.

Examples:
  # Run a simulation binary with arguments
  qmanager submit -- /opt/hybrid/run --profile batch42

  # Announce an expected duration (informational only)
  qmanager submit --duration 3600 -- /opt/hybrid/run --profile batch42`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := GetSettings(cmd)
		if err != nil {
			return err
		}
		c, err := newClient(settings)
		if err != nil {
			return err
		}

		var duration *uint64
		if cmd.Flags().Changed("duration") {
			duration = &submitDuration
		}

		id, err := c.Submit(cmd.Context(), args, duration, submitNotifyCmd)
		if err != nil {
			return err
		}

		fmt.Printf("Job %d submitted.\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().Uint64Var(&submitDuration, "duration", 0, "expected duration in seconds (informational)")
	submitCmd.Flags().StringVar(&submitNotifyCmd, "notify-cmd", "", "command the daemon runs after the job finishes (requires --enable-notify on the daemon)")
}
