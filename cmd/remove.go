package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var removeJobID uint64

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a finished job from the queue",
	Long: `Remove one finished (completed or failed) job from the daemon's retention.
Queued and running jobs cannot be removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := GetSettings(cmd)
		if err != nil {
			return err
		}
		c, err := newClient(settings)
		if err != nil {
			return err
		}

		job, err := c.Remove(cmd.Context(), removeJobID)
		if err != nil {
			return err
		}

		fmt.Printf("Removed job %d (%s): %s\n", job.ID, job.Status, job.Cmdline())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
	removeCmd.Flags().Uint64Var(&removeJobID, "job-id", 0, "id of the finished job to remove")
	removeCmd.MarkFlagRequired("job-id")
}
