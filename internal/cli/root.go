// Package cli provides the operator command line for the connector.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"kite-connector/internal/broker"
	"kite-connector/internal/config"
	"kite-connector/internal/connector"
	"kite-connector/internal/journal"
	"kite-connector/internal/logging"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-01"
)

// App holds the command dependencies, filled in before any command runs.
type App struct {
	ConfigDir string
	Paper     bool
	Debug     bool

	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "connector",
		Short: "Kite Connect session, order and stream connector",
		Long: `connector keeps one authenticated Kite Connect session, places orders
through a duplicate-guarded pipeline and streams market data with automatic
resubscription.

Use --paper to run every command against the in-memory paper broker.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&app.ConfigDir, "config", "", "config directory (default: ~/.config/kite-connector)")
	rootCmd.PersistentFlags().BoolVar(&app.Paper, "paper", false, "use the in-memory paper broker")
	rootCmd.PersistentFlags().BoolVar(&app.Debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newOrderCmd(app))
	rootCmd.AddCommand(newWatchCmd(app))
	rootCmd.AddCommand(newJournalCmd(app))

	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		return 1
	}
	return 0
}

// load reads the configuration and builds the logger.
func (a *App) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.ConfigDir)
	if err != nil {
		return err
	}
	if a.Paper {
		cfg.Mode = "paper"
	}

	logCfg := cfg.Logging
	logCfg.Output = cmd.ErrOrStderr()
	if a.Debug {
		logCfg.Level = "debug"
	}

	a.Config = cfg
	a.Logger = logging.NewLoggerWithConfig(logCfg).With().Str("mode", cfg.Mode).Logger()
	return nil
}

// service returns the broker the configuration selects.
func (a *App) service() broker.Service {
	if a.Config.IsPaperMode() {
		return broker.NewPaperService(a.Config.PaperOptions())
	}
	return broker.NewKiteService(a.Config.KiteOptions(), a.Logger)
}

// openConnector builds a connector and connects it. When needStream is
// false a push-data failure is logged and the connected session is still
// returned.
func (a *App) openConnector(ctx context.Context, needStream bool) (*connector.Connector, error) {
	cfg := a.Config
	opts := connector.Options{
		Session: cfg.SessionOptions(),
		Breaker: cfg.BreakerOptions(),
		Stream:  cfg.StreamOptions(),
		Orders:  cfg.OrdersOptions(),
		Health:  cfg.HealthOptions(),
	}
	if cfg.Journal.Enabled {
		j, err := journal.NewSQLiteJournal(cfg.Journal.Path)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		opts.Journal = j
	}

	conn := connector.New(a.service(), opts, a.Logger)

	cred := cfg.Credential()
	if cfg.IsPaperMode() && cred.UserID == "" && cred.AccessToken == "" {
		cred.UserID = "PAPER"
	}
	if err := conn.Connect(ctx, cred); err != nil {
		if !needStream && conn.IsConnected() {
			a.Logger.Warn().Err(err).Msg("Continuing without market data stream")
			return conn, nil
		}
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Printing the version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("connector v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}
