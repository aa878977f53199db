package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaessens/qmanager/pkg/queue"
)

var queueStatusCmd = &cobra.Command{
	Use:   "queue-status",
	Short: "Show queued, running and finished jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := GetSettings(cmd)
		if err != nil {
			return err
		}
		c, err := newClient(settings)
		if err != nil {
			return err
		}

		jobs, err := c.QueueStatus(cmd.Context())
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSUBMITTED\tRESULT\tCOMMAND")
		for _, j := range jobs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				j.ID, j.Status, j.SubmittedAt.Local().Format(time.DateTime), result(j), j.Cmdline())
		}
		return w.Flush()
	},
}

func result(j queue.Job) string {
	switch {
	case j.Status == queue.StatusCompleted && j.ExitCode != nil:
		return fmt.Sprintf("exit %d", *j.ExitCode)
	case j.Status == queue.StatusFailed:
		return j.Reason
	default:
		return "-"
	}
}

func init() {
	rootCmd.AddCommand(queueStatusCmd)
}
