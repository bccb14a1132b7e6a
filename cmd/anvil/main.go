package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/runner"
	"github.com/seantiz/anvil/internal/store"
)

const version = "0.3.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "anvil",
		Short:        "Anvil runs and monitors tasks on external schedulers",
		Long:         "Anvil submits tasks to configured backends, polls them to a terminal state\nand serves job status over HTTP.",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newCheckCmd())

	return root
}

func newServeCmd() *cobra.Command {
	var (
		listenAddr   string
		dbPath       string
		backendsFile string
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and execution engine",
		Long:  "Load the backends file, open the job database and serve the API until\nSIGINT or SIGTERM. Flags override the ANVIL_* environment variables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			if backendsFile != "" {
				cfg.BackendsFile = backendsFile
			}
			if logLevel != "" {
				var lvl slog.Level
				if err := lvl.UnmarshalText([]byte(logLevel)); err != nil {
					return fmt.Errorf("invalid log level %q: %w", logLevel, err)
				}
				cfg.LogLevel = lvl
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "address to serve the API on")
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the SQLite job database")
	cmd.Flags().StringVar(&backendsFile, "backends", "", "path to the backends TOML file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	return cmd
}

func serve(cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("anvil: starting",
		"version", version,
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"backends_file", cfg.BackendsFile,
	)

	backendCfgs, err := config.LoadBackends(cfg.BackendsFile)
	if err != nil {
		return fmt.Errorf("load backends: %w", err)
	}
	reg, err := backend.NewRegistryFromConfigs(backendCfgs)
	if err != nil {
		return fmt.Errorf("load backends: %w", err)
	}
	for _, info := range reg.List() {
		logger.Info("backend registered", "name", info.Name, "kind", info.Kind)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eng := engine.NewEngine(reg, runner.NewShellRunner(), db, logger)
	defer eng.Close()

	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger, cfg.ShutdownTimeout)
	return srv.Run()
}

func newCheckCmd() *cobra.Command {
	var backendsFile string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a backends file without starting the server",
		Long:  "Parse the backends file, compile every template and job id pattern, and\nreport each backend. Exits non-zero if any backend is invalid.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := backendsFile
			if path == "" {
				path = config.Load().BackendsFile
			}
			return check(cmd.OutOrStdout(), path)
		},
	}

	cmd.Flags().StringVar(&backendsFile, "backends", "", "path to the backends TOML file")

	return cmd
}

func check(w io.Writer, path string) error {
	cfgs, err := config.LoadBackends(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s: %d backends\n", path, len(cfgs))

	seen := make(map[string]bool, len(cfgs))
	invalid := 0
	for _, cfg := range cfgs {
		if seen[cfg.Name] {
			fmt.Fprintf(w, "  fail  %s: duplicate backend name\n", cfg.Name)
			invalid++
			continue
		}
		seen[cfg.Name] = true

		d, err := backend.NewDescriptor(cfg)
		if err != nil {
			fmt.Fprintf(w, "  fail  %s: %v\n", cfg.Name, err)
			invalid++
			continue
		}
		fmt.Fprintf(w, "  ok    %s  kind=%s monitor_frequency=%s max_monitor_failures=%d\n",
			d.Name(), d.Kind(), d.MonitorFrequency(), d.MaxMonitorFailures())
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d backends invalid", invalid, len(cfgs))
	}
	return nil
}
