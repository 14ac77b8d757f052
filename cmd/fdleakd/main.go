/*
fdleakd - file descriptor exhaustion demonstration server.

Usage:

	fdleakd [flags]
	fdleakd loadtest [flags]
	fdleakd version
	fdleakd config dump [flags]
	fdleakd config validate [flags]
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ushineko/fdleakd/internal/account"
	"github.com/ushineko/fdleakd/internal/config"
	"github.com/ushineko/fdleakd/internal/fdlimit"
	"github.com/ushineko/fdleakd/internal/history"
	"github.com/ushineko/fdleakd/internal/leak"
	"github.com/ushineko/fdleakd/internal/loadgen"
	"github.com/ushineko/fdleakd/internal/logging"
	"github.com/ushineko/fdleakd/internal/sampler"
	"github.com/ushineko/fdleakd/internal/server"
	"github.com/ushineko/fdleakd/internal/version"
)

var (
	// CLI flags — these override config file values when explicitly set.
	flagAddr        string
	flagLogDir      string
	flagVerbose     bool
	flagDataDir     string
	flagConfigPath  string
	flagDemoFDLimit uint64
	flagGuard       bool

	// loadtest flags.
	flagLTTarget        string
	flagLTDirect        string
	flagLTBatch         int
	flagLTMaxRequests   int
	flagLTGatewayErrors int
	flagLTInterval      time.Duration
	flagLTCleanup       bool
	flagLTRaiseLimit    uint64
)

var rootCmd = &cobra.Command{
	Use:   "fdleakd",
	Short: "fdleakd - file descriptor exhaustion demonstration server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Drive a running server toward descriptor exhaustion",
	RunE:  runLoadtest,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the resolved configuration as YAML",
	RunE:  runConfigDump,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path (default: fdleakd.yml in current directory)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for fdleakd.db")

	rootCmd.Flags().StringVarP(&flagAddr, "addr", "a", "", "listen address (host:port)")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")
	rootCmd.Flags().Uint64Var(&flagDemoFDLimit, "demo-fd-limit", 0, "lower the soft fd limit to this value at startup (0 to keep the system limit)")
	rootCmd.Flags().BoolVar(&flagGuard, "guard", false, "enable the request-boundary guard middleware")

	loadtestCmd.Flags().StringVar(&flagLTTarget, "target", "http://localhost/", "base URL leak requests are posted to (usually the reverse proxy)")
	loadtestCmd.Flags().StringVar(&flagLTDirect, "direct", "http://localhost:8000/", "base URL for direct status polling and cleanup")
	loadtestCmd.Flags().IntVar(&flagLTBatch, "batch", 3, "descriptors leaked per request")
	loadtestCmd.Flags().IntVar(&flagLTMaxRequests, "max-requests", 100, "maximum leak requests to send")
	loadtestCmd.Flags().IntVar(&flagLTGatewayErrors, "gateway-errors", 10, "stop after this many gateway errors")
	loadtestCmd.Flags().DurationVar(&flagLTInterval, "interval", 500*time.Millisecond, "pause between leak requests")
	loadtestCmd.Flags().BoolVar(&flagLTCleanup, "cleanup", false, "post a final cleanup when the run ends")
	loadtestCmd.Flags().Uint64Var(&flagLTRaiseLimit, "raise-limit", 4096, "raise this process's own fd limit before the run (0 to skip)")

	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(loadtestCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads and merges configuration from file and CLI flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, cfgPath, err := config.Load(flagConfigPath)
	if err != nil {
		return cfg, err
	}

	if cfgPath != "" {
		fmt.Fprintf(os.Stderr, "config: loaded %s\n", cfgPath)
	}

	// Build CLI overrides — only include flags that were explicitly set.
	overrides := config.CLIOverrides{}

	if cmd.Flags().Changed("addr") {
		overrides.Addr = &flagAddr
	}
	if cmd.Flags().Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if cmd.Flags().Changed("verbose") {
		overrides.Verbose = &flagVerbose
	}
	if cmd.Flags().Changed("data-dir") {
		overrides.DataDir = &flagDataDir
	}
	if cmd.Flags().Changed("demo-fd-limit") {
		overrides.DemoFDLimit = &flagDemoFDLimit
	}
	if cmd.Flags().Changed("guard") {
		overrides.GuardOn = &flagGuard
	}

	cfg.Merge(overrides)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, cleanup := logging.Setup(logging.Config{
		LogDir:  cfg.LogDir,
		Verbose: cfg.Verbose,
	})
	defer cleanup()

	// Optionally lower our own descriptor ceiling so exhaustion is
	// reachable in minutes instead of hours. Failure is non-fatal.
	if cfg.DemoFDLimit > 0 {
		soft, lowerErr := fdlimit.Lower(cfg.DemoFDLimit)
		if lowerErr != nil {
			logger.Warn("could not lower file descriptor limit",
				"requested", cfg.DemoFDLimit,
				"error", lowerErr,
			)
		} else {
			logger.Info("lowered file descriptor limit for demonstration",
				"soft_limit", soft,
			)
		}
	}

	registry := leak.New(logger)
	svc := account.New(account.Config{
		Limits:   account.LimitsFunc(fdlimit.Read),
		Sampler:  sampler.New(logger),
		Registry: registry,
		Policy: account.Policy{
			AlertRatio:  cfg.Thresholds.Alert,
			RejectRatio: cfg.Thresholds.Reject,
		},
		Logger: logger,
	})

	collector := history.NewCollector()

	var historyDB *history.DB
	if cfg.History.Enabled {
		dbPath := filepath.Join(cfg.DataDir, "fdleakd.db")
		historyDB, err = history.Open(dbPath, collector, logger, cfg.History.FlushInterval.Duration)
		if err != nil {
			return fmt.Errorf("open history db: %w", err)
		}
		defer historyDB.Close() //nolint:errcheck // best-effort on shutdown (includes final flush)

		historyDB.SetSampleSource(func() history.Sample {
			snap := svc.Snapshot()
			return history.Sample{
				Total:      snap.Total,
				Files:      snap.Files,
				Conns:      snap.Conns,
				Leaked:     snap.Leaked,
				SoftLimit:  snap.SoftLimit,
				LimitKnown: snap.LimitKnown,
				Degraded:   snap.Degraded,
			}
		})
		historyDB.Start()

		logger.Info("history database initialized",
			"path", dbPath,
			"flush_interval", cfg.History.FlushInterval.Duration,
		)
	}

	srv := server.New(&server.Config{
		ListenAddr: cfg.Listen,
		Logger:     logger,
		Service:    svc,
		Activity:   collector,
		Guard: server.GuardConfig{
			Enabled:     cfg.Guard.Enabled,
			RejectRatio: cfg.Guard.RejectRatio,
		},
		ReadHeaderTimeout: cfg.Timeouts.ReadHeader.Duration,
	})

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("fdleakd starting",
			"version", version.Full(),
			"addr", cfg.Listen,
			"log_dir", cfg.LogDir,
			"verbose", cfg.Verbose,
			"demo_fd_limit", cfg.DemoFDLimit,
			"guard_enabled", cfg.Guard.Enabled,
			"history_enabled", cfg.History.Enabled,
		)
		if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("server error", "error", serveErr)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Shutdown.Duration)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	// Drain any remaining deliberate leaks before exit.
	if closed := registry.CleanupAll(); closed > 0 {
		logger.Info("drained leaked descriptors on shutdown", "closed", closed)
	}

	logger.Info("fdleakd stopped")
	return nil
}

func runLoadtest(cmd *cobra.Command, args []string) error {
	logger, cleanup := logging.Setup(logging.Config{
		Verbose: true,
	})
	defer cleanup()

	// Raise our own ceiling so the client does not exhaust itself
	// before the server does.
	if flagLTRaiseLimit > 0 {
		if err := fdlimit.Raise(flagLTRaiseLimit); err != nil {
			logger.Warn("could not raise file descriptor limit",
				"requested", flagLTRaiseLimit,
				"error", err,
			)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := loadgen.Run(ctx, loadgen.Options{
		Target:            flagLTTarget,
		Direct:            flagLTDirect,
		Batch:             flagLTBatch,
		MaxRequests:       flagLTMaxRequests,
		GatewayErrorLimit: flagLTGatewayErrors,
		Interval:          flagLTInterval,
		Cleanup:           flagLTCleanup,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	logger.Info("load run complete",
		"requests", res.Requests,
		"ok", res.OK,
		"rejected", res.Rejected,
		"gateway_errors", res.GatewayErrors,
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return nil
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}

	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	_, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("config: valid")
	return nil
}
