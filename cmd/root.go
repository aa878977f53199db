package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jkaessens/qmanager/pkg/client"
	"github.com/jkaessens/qmanager/pkg/qlog"
	"github.com/jkaessens/qmanager/pkg/transport"
)

type contextKey string

const settingsContextKey contextKey = "qmanagersettings"

// Settings is the merged view of config file, QMANAGER_* environment and
// command-line flags, resolved once in the root command.
type Settings struct {
	Host         string
	Port         int
	Insecure     bool
	CAFiles      []string
	DumpProtocol bool
	Log          *qlog.Logger
}

// Addr renders the daemon endpoint for client commands.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "qmanager",
		Short: "Job queue daemon and client for a shared hybrid computer",
		Long: `qmanager queues and executes command lines on a shared, exclusively
accessed compute resource. The daemon accepts submissions over TCP or TLS,
runs them strictly one at a time in submission order, and reports on queued,
running and finished jobs. The client subcommands submit jobs, inspect the
queue and evict finished entries.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}

			ctx := context.WithValue(cmd.Context(), settingsContextKey, settings)
			cmd.SetContext(ctx)
			return nil
		},
	}
)

// GetSettings retrieves the resolved Settings from the command context.
func GetSettings(cmd *cobra.Command) (*Settings, error) {
	settings, ok := cmd.Context().Value(settingsContextKey).(*Settings)
	if !ok {
		return nil, errors.New("no settings in context")
	}
	return settings, nil
}

// loadSettings merges the optional TOML config file, environment variables
// and flags, lowest to highest precedence.
func loadSettings(cmd *cobra.Command) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("QMANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("qmanager")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	v.SetDefault("host", "localhost")
	v.SetDefault("port", transport.DefaultPort)
	v.SetDefault("loglevel", "info")

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return nil, err
	}

	level, err := qlog.ParseLevel(v.GetString("loglevel"))
	if err != nil {
		return nil, err
	}
	if v.GetBool("dump-protocol") && level > slog.LevelDebug {
		level = slog.LevelDebug
	}

	return &Settings{
		Host:         v.GetString("host"),
		Port:         v.GetInt("port"),
		Insecure:     v.GetBool("insecure"),
		CAFiles:      v.GetStringSlice("ca"),
		DumpProtocol: v.GetBool("dump-protocol"),
		Log:          qlog.NewLogger(level, os.Stderr),
	}, nil
}

// newClient builds a protocol client from the resolved settings.
func newClient(settings *Settings) (*client.Client, error) {
	return client.New(client.Config{
		Addr:         settings.Addr(),
		Insecure:     settings.Insecure,
		CAFiles:      settings.CAFiles,
		DumpProtocol: settings.DumpProtocol,
	}, settings.Log)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML). Searches: ./qmanager.toml, /etc/qmanager.toml")
	rootCmd.PersistentFlags().String("host", "", "daemon host to connect to (clients only)")
	rootCmd.PersistentFlags().Int("port", 0, "daemon port (listen port for the daemon, target port for clients)")
	rootCmd.PersistentFlags().Bool("insecure", false, "use plain TCP instead of TLS")
	rootCmd.PersistentFlags().StringSlice("ca", nil, "CA certificate bundle (PEM); repeatable")
	rootCmd.PersistentFlags().String("loglevel", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("dump-protocol", false, "log requests and responses")
}
