package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/config"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/database"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/logger"
)

var (
	cfg     *config.Config
	log     *logger.Logger
	store   *database.Store
	cfgFile string
)

// GetStore returns the initialized database store
func GetStore() *database.Store {
	return store
}

// GetContext returns a background context
func GetContext() context.Context {
	return context.Background()
}

var rootCmd = &cobra.Command{
	Use:   "bolagate",
	Short: "Workflow mutation testing for broken object level authorization",
	Long: `bolagate replays recorded multi-step API workflows with values swapped
between accounts and reports every request the target accepted when it
should have refused.

COMMANDS:
  Runs:
    bolagate run workflow <workflow-id>     - Replay a workflow or mutation across account combinations
    bolagate run template <template-id>...  - Replay single request templates

  Learning:
    bolagate learn <workflow-id>            - Replay once and propose variable mappings
    bolagate apply-mappings <workflow-id>   - Persist reviewed mapping candidates

  Data:
    bolagate export                         - Write configuration to a YAML bundle
    bolagate import <file>                  - Load a YAML bundle
    bolagate db migrate|status|rollback     - Manage the schema`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		// Configuration inspection never needs the database
		if cmd.HasParent() && cmd.Parent().Name() == "config" {
			return nil
		}

		store, err = database.NewStore(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			// Sync errors on stdout/stderr are expected on Linux
			if err := log.Sync(); err != nil && !strings.HasSuffix(err.Error(), "invalid argument") {
				fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
			}
		}
		if store != nil {
			if err := store.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to close database: %v\n", err)
			}
			store = nil
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaults := config.DefaultConfig()
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config", "", "config file (yaml)")

	// Logging configuration
	flags.String("log-level", defaults.Logger.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Logger.Format, "log format (json, console)")
	viper.BindPFlag("logger.level", flags.Lookup("log-level"))
	viper.BindPFlag("logger.format", flags.Lookup("log-format"))
	viper.BindEnv("logger.level", "BOLAGATE_LOG_LEVEL")
	viper.BindEnv("logger.format", "BOLAGATE_LOG_FORMAT")

	// Database configuration
	flags.String("db-driver", defaults.Database.Driver, "database driver (postgres, pgx, sqlite)")
	flags.String("db-dsn", defaults.Database.DSN, "database connection string")
	flags.Int("db-max-conns", defaults.Database.MaxConnections, "Maximum database connections")
	flags.Int("db-max-idle", defaults.Database.MaxIdleConns, "Maximum idle database connections")
	viper.BindPFlag("database.driver", flags.Lookup("db-driver"))
	viper.BindPFlag("database.dsn", flags.Lookup("db-dsn"))
	viper.BindPFlag("database.max_connections", flags.Lookup("db-max-conns"))
	viper.BindPFlag("database.max_idle_conns", flags.Lookup("db-max-idle"))
	viper.BindEnv("database.driver", "BOLAGATE_DATABASE_DRIVER")
	viper.BindEnv("database.dsn", "BOLAGATE_DATABASE_DSN", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "BOLAGATE_DB_MAX_CONNECTIONS")

	// Redis progress publishing
	flags.Bool("redis", defaults.Redis.Enabled, "publish run progress to Redis")
	flags.String("redis-addr", defaults.Redis.Addr, "Redis server address")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", defaults.Redis.DB, "Redis database number")
	viper.BindPFlag("redis.enabled", flags.Lookup("redis"))
	viper.BindPFlag("redis.addr", flags.Lookup("redis-addr"))
	viper.BindPFlag("redis.password", flags.Lookup("redis-password"))
	viper.BindPFlag("redis.db", flags.Lookup("redis-db"))
	viper.BindEnv("redis.enabled", "BOLAGATE_REDIS_ENABLED")
	viper.BindEnv("redis.addr", "BOLAGATE_REDIS_ADDR", "REDIS_URL")
	viper.BindEnv("redis.password", "BOLAGATE_REDIS_PASSWORD")

	// Target HTTP client
	flags.Duration("http-timeout", defaults.HTTP.Timeout, "per-request timeout")
	flags.Bool("follow-redirects", defaults.HTTP.FollowRedirects, "follow redirects on replayed requests")
	flags.Bool("block-private", defaults.HTTP.BlockPrivateTargets, "refuse to replay against private addresses")
	flags.Bool("insecure", defaults.HTTP.InsecureSkipVerify, "skip TLS verification")
	flags.Int("rate-limit", defaults.HTTP.RateLimit.RequestsPerSecond, "requests per second per host (0 disables)")
	flags.Int("rate-burst", defaults.HTTP.RateLimit.BurstSize, "rate limit burst size")
	viper.BindPFlag("http.timeout", flags.Lookup("http-timeout"))
	viper.BindPFlag("http.follow_redirects", flags.Lookup("follow-redirects"))
	viper.BindPFlag("http.block_private_targets", flags.Lookup("block-private"))
	viper.BindPFlag("http.insecure_skip_verify", flags.Lookup("insecure"))
	viper.BindPFlag("http.rate_limit.requests_per_second", flags.Lookup("rate-limit"))
	viper.BindPFlag("http.rate_limit.burst_size", flags.Lookup("rate-burst"))
	viper.BindEnv("http.rate_limit.requests_per_second", "BOLAGATE_RATE_LIMIT")

	// Engine limits
	flags.Int("max-combinations", defaults.Engine.MaxCombinations, "cap on combinations per run")
	flags.Int("max-retries", defaults.Engine.MaxRetries, "retries after a transport error")
	viper.BindPFlag("engine.max_combinations", flags.Lookup("max-combinations"))
	viper.BindPFlag("engine.max_retries", flags.Lookup("max-retries"))
	viper.BindEnv("engine.max_combinations", "BOLAGATE_MAX_COMBINATIONS")

	// Set sensible defaults
	viper.SetDefault("logger.output_paths", defaults.Logger.OutputPaths)
	viper.SetDefault("database.conn_max_lifetime", defaults.Database.ConnMaxLifetime)
	viper.SetDefault("redis.max_retries", defaults.Redis.MaxRetries)
	viper.SetDefault("redis.dial_timeout", defaults.Redis.DialTimeout)
	viper.SetDefault("redis.read_timeout", defaults.Redis.ReadTimeout)
	viper.SetDefault("redis.write_timeout", defaults.Redis.WriteTimeout)
	viper.SetDefault("redis.progress_ttl", defaults.Redis.ProgressTTL)
	viper.SetDefault("telemetry.enabled", defaults.Telemetry.Enabled)
	viper.SetDefault("telemetry.service_name", defaults.Telemetry.ServiceName)
	viper.SetDefault("telemetry.exporter_type", defaults.Telemetry.ExporterType)
	viper.SetDefault("telemetry.endpoint", defaults.Telemetry.Endpoint)
	viper.SetDefault("telemetry.sample_rate", defaults.Telemetry.SampleRate)
	viper.SetDefault("http.max_redirects", defaults.HTTP.MaxRedirects)
	viper.SetDefault("http.user_agent", defaults.HTTP.UserAgent)
	viper.SetDefault("engine.max_run_errors", defaults.Engine.MaxRunErrors)
	viper.SetDefault("engine.step_timeout", defaults.Engine.StepTimeout)
	viper.SetDefault("engine.retry_delay", defaults.Engine.RetryDelay)
	viper.SetDefault("engine.concurrency_timeout", defaults.Engine.ConcurrencyTimeout)
	viper.SetDefault("engine.max_body_bytes", defaults.Engine.MaxBodyBytes)
	viper.SetDefault("engine.preview_length", defaults.Engine.PreviewLength)
	viper.SetDefault("engine.max_candidates_per_step", defaults.Engine.MaxCandidatesPerStep)
	viper.SetDefault("engine.finding_severity", defaults.Engine.FindingSeverity)
}

func initConfig() error {
	viper.SetEnvPrefix("BOLAGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	cfg = &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg.Validate()
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *logger.Logger {
	return log
}
