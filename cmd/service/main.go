package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/n3tuk/action-branch-deploy-lock/internal/config"
	"github.com/n3tuk/action-branch-deploy-lock/internal/logger"
	"github.com/n3tuk/action-branch-deploy-lock/internal/metrics"
	"github.com/n3tuk/action-branch-deploy-lock/internal/server"
	"github.com/n3tuk/action-branch-deploy-lock/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "service",
	Short: "Deployment lock service",
	Long: `Deployment locks for comment driven branch deployments.

Each lock is a branch in the repository, claimed by creating it and
released by deleting it. Run without a subcommand to serve the lock API,
or use the subcommands to claim and release locks from a workflow step.`,
	SilenceUsage: true,
	RunE:         runServer,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the lock API, probes and metrics",
	RunE:  runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Version: %s\n", version)
		fmt.Fprintf(out, "Commit:  %s\n", commit)
		fmt.Fprintf(out, "Built:   %s\n", date)
	},
}

// configFlags maps viper keys to the persistent flags that set them.
var configFlags = map[string]string{
	"api.port":                  "api-port",
	"api.host":                  "api-host",
	"probe.port":                "probe-port",
	"probe.host":                "probe-host",
	"metrics.port":              "metrics-port",
	"metrics.host":              "metrics-host",
	"tls.enabled":               "tls-enabled",
	"tls.cert":                  "tls-cert",
	"tls.key":                   "tls-key",
	"log.level":                 "log-level",
	"log.format":                "log-format",
	"shutdown.timeout":          "shutdown-timeout",
	"health.check_timeout":      "health-check-timeout",
	"health.cache_duration":     "health-cache-duration",
	"github.repository":         "repository",
	"github.api_url":            "github-api-url",
	"github.server_url":         "github-server-url",
	"lock.backend":              "backend",
	"lock.file":                 "lock-file",
	"lock.environments":         "environments",
	"lock.default_environment":  "default-environment",
	"lock.trigger":              "trigger",
	"lock.unlock_trigger":       "unlock-trigger",
	"lock.info_alias":           "info-alias",
	"lock.global_flag":          "global-flag",
	"olric.host":                "olric-host",
	"olric.port":                "olric-port",
	"olric.join_addrs":          "olric-join-addrs",
	"olric.replication_mode":    "olric-replication-mode",
	"olric.replication_factor":  "olric-replication-factor",
	"olric.partition_count":     "olric-partition-count",
	"olric.member_count_quorum": "olric-member-count-quorum",
	"olric.join_retry_interval": "olric-join-retry-interval",
	"olric.max_join_attempts":   "olric-max-join-attempts",
	"olric.log_level":           "olric-log-level",
	"olric.keep_alive_period":   "olric-keep-alive-period",
	"olric.request_timeout":     "olric-request-timeout",
	"olric.dmap_name":           "olric-dmap-name",
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	rootCmd.AddCommand(lockCmd, unlockCmd, showCmd, unlockOnMergeCmd, postDeployCmd)

	f := rootCmd.PersistentFlags()

	// Server flags
	f.Int("api-port", 8080, "API server port")
	f.String("api-host", "0.0.0.0", "API server host")
	f.Int("probe-port", 8081, "Probe server port")
	f.String("probe-host", "0.0.0.0", "Probe server host")
	f.Int("metrics-port", 9090, "Metrics server port")
	f.String("metrics-host", "0.0.0.0", "Metrics server host")
	f.Bool("tls-enabled", false, "Enable TLS for API server")
	f.String("tls-cert", "", "Path to TLS certificate")
	f.String("tls-key", "", "Path to TLS key")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "json", "Log format (json, console)")
	f.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout (e.g., 30s)")
	f.Duration("health-check-timeout", 5*time.Second, "Health check timeout (e.g., 5s)")
	f.Duration("health-cache-duration", 10*time.Second, "Health check cache duration (e.g., 10s)")

	// Repository and lock convention flags. The token is only read from
	// the environment so it never shows up in process listings.
	f.String("repository", "", "Repository holding the locks, as owner/name (defaults to $GITHUB_REPOSITORY)")
	f.String("github-api-url", "", "GitHub Enterprise API URL")
	f.String("github-server-url", "https://github.com", "GitHub server URL used for links")
	f.String("backend", config.BackendGitHub, "Lock backend (github, olric, memory)")
	f.String("lock-file", "lock.json", "Path of the lock file on each lock branch")
	f.StringSlice("environments", []string{"production"}, "Environments that can be locked")
	f.String("default-environment", "production", "Environment used when a request names none")
	f.String("trigger", ".lock", "Comment trigger that claims a lock")
	f.String("unlock-trigger", ".unlock", "Comment trigger that releases a lock")
	f.String("info-alias", ".wcid", "Comment trigger that shows lock details")
	f.String("global-flag", "--global", "Comment flag selecting the global lock")

	// Olric configuration flags
	f.String("olric-host", store.DefaultBindAddr, "Olric bind host")
	f.Int("olric-port", store.DefaultBindPort, "Olric bind port")
	f.StringSlice("olric-join-addrs", []string{}, "Olric cluster join addresses")
	f.String("olric-replication-mode", store.DefaultReplicationMode, "Olric replication mode (sync/async)")
	f.Int("olric-replication-factor", store.DefaultReplicationFactor, "Olric replication factor")
	f.Uint64("olric-partition-count", store.DefaultPartitionCount, "Olric partition count")
	f.Int("olric-member-count-quorum", store.DefaultMemberCountQuorum, "Olric member count quorum")
	f.Duration("olric-join-retry-interval", store.DefaultJoinRetryInterval, "Olric join retry interval")
	f.Int("olric-max-join-attempts", store.DefaultMaxJoinAttempts, "Olric max join attempts")
	f.String("olric-log-level", store.DefaultLogLevel, "Olric log level (DEBUG/INFO/WARN/ERROR)")
	f.Duration("olric-keep-alive-period", store.DefaultKeepAlivePeriod, "Olric keep alive period")
	f.Duration("olric-request-timeout", store.DefaultRequestTimeout, "Olric request timeout")
	f.String("olric-dmap-name", store.DefaultDMapName, "Olric DMap name")

	bindFlags(f)
}

// bindFlags binds every config flag into viper. Only flags set on the
// command line override the environment and config file.
func bindFlags(f *pflag.FlagSet) {
	for key, name := range configFlags {
		_ = viper.BindPFlag(key, f.Lookup(name))
	}
}

func buildInfo() map[string]string {
	return map[string]string{
		"version": version,
		"commit":  commit,
		"date":    date,
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting deployment lock service",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
		zap.String("backend", cfg.Lock.Backend),
		zap.Strings("environments", cfg.Lock.Environments),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(cfg.MetricsNamespace, buildInfo())

	be, err := openBackend(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := be.Close(closeCtx); err != nil {
			log.Error("Failed to close lock backend", zap.Error(err))
		}
	}()

	srv, err := server.New(cfg, log, buildInfo(), server.Options{
		Locks:        newManager(cfg, be.store, log, m),
		Metrics:      m,
		Dependencies: be.dependencies,
		Checkers:     be.checkers,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info("Service started successfully")

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case serveErr = <-srv.Errors():
		log.Error("Server stopped unexpectedly", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}
	if serveErr != nil {
		return serveErr
	}

	log.Info("Service stopped gracefully")
	return nil
}
