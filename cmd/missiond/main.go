package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/groundseg/missiond/internal/buildinfo"
	"github.com/groundseg/missiond/internal/config"
	"github.com/groundseg/missiond/internal/daemon"
	"github.com/groundseg/missiond/internal/db"
	"github.com/groundseg/missiond/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "missiond",
		Short:         "Satellite mission control daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (default "+config.DefaultConfig().ConfigPath+" when present)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newSeedCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads --config, or the default path when it exists, or falls back to defaults.
func loadConfig(opts *rootOptions) (config.Config, string, error) {
	path := opts.configPath
	explicit := path != ""
	if !explicit {
		path = config.DefaultConfig().ConfigPath
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := config.DefaultConfig()
			return applyOverrides(cfg, opts)
		}
	}
	warning, err := config.CheckConfigPermissions(path)
	if err != nil {
		return config.Config{}, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, "", err
	}
	cfg, _, err = applyOverrides(cfg, opts)
	return cfg, warning, err
}

func applyOverrides(cfg config.Config, opts *rootOptions) (config.Config, string, error) {
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, "", err
	}
	return cfg, "", nil
}

func newLogger(cfg config.Config, out io.Writer) logging.Logger {
	return logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
		Output:    out,
	})
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, executor and downlink manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, warning, err := loadConfig(opts)
			if err != nil {
				return err
			}
			log := newLogger(cfg, cmd.ErrOrStderr())
			if warning != "" {
				log.Warn(cmd.Context(), warning)
			}
			return daemon.Run(cmd.Context(), cfg, log)
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the mission database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			store, err := db.OpenDriver(cfg.DBDriver, cfg.DBSource())
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "database ready (%s)\n", cfg.DBDriver)
			return nil
		},
	}
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load ground stations, contact windows and satellite state from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.SeedFile
			}
			if file == "" {
				return errors.New("--file is required when seed_file is not configured")
			}
			log := newLogger(cfg, cmd.ErrOrStderr())
			store, err := db.OpenDriver(cfg.DBDriver, cfg.DBSource())
			if err != nil {
				return err
			}
			defer store.Close()
			led, closeLedger, err := daemon.OpenLedger(cfg.Ledger)
			if err != nil {
				return err
			}
			defer closeLedger()
			if cfg.Ledger.Backend == config.LedgerMemory {
				log.Warn(cmd.Context(), "memory ledger does not outlive this command; satellite state is only kept by serve")
			}
			report, err := daemon.SeedFromFile(cmd.Context(), file, store, led, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stations: %d created, %d skipped\n", report.StationsCreated, report.StationsSkipped)
			fmt.Fprintf(cmd.OutOrStdout(), "windows: %d created, %d skipped\n", report.WindowsCreated, report.WindowsSkipped)
			fmt.Fprintf(cmd.OutOrStdout(), "satellites: %d\n", report.SatellitesAssigned)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "seed file (defaults to seed_file from config)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}
