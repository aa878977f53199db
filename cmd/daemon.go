package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaessens/qmanager/pkg/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the qmanager daemon",
	Long: `Run the daemon: listen for client connections, queue submitted jobs and
execute them one at a time. TLS is the default; the server certificate comes
from a PKCS#12 bundle carrying the full ascending trust chain. Use --insecure
for plain TCP on trusted networks.

Process supervision (systemd or similar) should pass --pidfile so a stale or
duplicate daemon is detected through the advisory lock.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := GetSettings(cmd)
		if err != nil {
			return err
		}

		cfg, err := daemon.FromEnv()
		if err != nil {
			return err
		}
		cfg.Port = settings.Port
		cfg.Insecure = settings.Insecure
		if len(settings.CAFiles) > 0 {
			cfg.CAFiles = settings.CAFiles
		}
		cfg.DumpProtocol = settings.DumpProtocol

		flags := cmd.Flags()
		if flags.Changed("cert") {
			cfg.CertFile, _ = flags.GetString("cert")
		}
		if flags.Changed("cert-password") {
			cfg.CertPassword, _ = flags.GetString("cert-password")
		}
		if flags.Changed("pidfile") {
			cfg.PIDFile, _ = flags.GetString("pidfile")
		}
		if flags.Changed("statefile") {
			cfg.StateFile, _ = flags.GetString("statefile")
		}
		if flags.Changed("retain") {
			cfg.Retain, _ = flags.GetInt("retain")
		}
		if flags.Changed("enable-notify") {
			cfg.EnableNotify, _ = flags.GetBool("enable-notify")
		}

		d, err := daemon.New(cfg, settings.Log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return d.Serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().String("cert", "", "server certificate bundle (PKCS#12, full ascending chain)")
	daemonCmd.Flags().String("cert-password", "", "password protecting the PKCS#12 bundle")
	daemonCmd.Flags().String("pidfile", "", "PID file to create and lock")
	daemonCmd.Flags().String("statefile", "", "SQLite file for queue persistence across restarts")
	daemonCmd.Flags().Int("retain", 0, "max finished jobs to retain (0 = unbounded)")
	daemonCmd.Flags().Bool("enable-notify", false, "allow client-supplied notify commands to run on this host (security liability)")
}
