package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgescope/edgescope/internal/config"
	"github.com/edgescope/edgescope/internal/core"
	"github.com/edgescope/edgescope/internal/database"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/internal/telemetry"
)

var (
	cfg   *config.Config
	log   *logger.Logger
	store core.Repository
	tel   core.Telemetry
)

var rootCmd = &cobra.Command{
	Use:   "edgescope",
	Short: "External attack surface discovery and inventory",
	Long: `Edgescope - External Attack Surface Management

Continuously discovers an organization's internet-facing assets, enumerates
their exposed surface, and tracks vulnerabilities found on them over time.

COMMANDS:
  Discovery:
    edgescope worker                      - Run the discovery worker pool
    edgescope jobs submit <type> <target> - Queue a discovery job
    edgescope jobs list                   - List jobs and their status
    edgescope jobs show <id>              - Job details with accumulated logs

  Inventory:
    edgescope assets list                 - List discovered assets
    edgescope assets show <id>            - Asset with ports, technologies, vulnerabilities

  Administration:
    edgescope orgs create <name>          - Create an organization
    edgescope orgs list                   - List organizations
    edgescope db migrate                  - Apply the database schema
    edgescope db ping                     - Check database connectivity

Job types: DNS_ENUM, PORT_SCAN, WEB_CRAWL, CERT_SCAN`,
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

		tel, err = telemetry.New(cmd.Context(), cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}

		store, err = database.NewStore(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			// Sync errors on stdout/stderr are expected on Linux.
			_ = log.Sync()
		}
		if tel != nil {
			if err := tel.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to flush telemetry: %v\n", err)
			}
		}
		if store != nil {
			if err := store.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to close database: %v\n", err)
			}
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

// GetContext returns a background context for command handlers.
func GetContext() context.Context {
	return context.Background()
}

func init() {
	// Logging
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindEnv("logger.level", "EDGESCOPE_LOG_LEVEL")
	viper.BindEnv("logger.format", "EDGESCOPE_LOG_FORMAT")

	// Database
	rootCmd.PersistentFlags().String("db-dsn", "", "PostgreSQL connection string")
	rootCmd.PersistentFlags().Int("db-max-conns", 25, "Maximum database connections")
	rootCmd.PersistentFlags().Int("db-max-idle", 5, "Maximum idle database connections")
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	viper.BindPFlag("database.max_connections", rootCmd.PersistentFlags().Lookup("db-max-conns"))
	viper.BindPFlag("database.max_idle_conns", rootCmd.PersistentFlags().Lookup("db-max-idle"))
	viper.BindEnv("database.dsn", "EDGESCOPE_DATABASE_DSN", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "EDGESCOPE_DB_MAX_CONNECTIONS")

	// Scheduler
	rootCmd.PersistentFlags().Int("workers", 16, "Number of concurrent discovery workers")
	rootCmd.PersistentFlags().Duration("job-timeout", 15*time.Minute, "Per-job deadline")
	viper.BindPFlag("scheduler.workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("scheduler.job_timeout", rootCmd.PersistentFlags().Lookup("job-timeout"))
	viper.BindEnv("scheduler.workers", "EDGESCOPE_WORKERS")
	viper.BindEnv("scheduler.job_timeout", "EDGESCOPE_JOB_TIMEOUT")

	// Rate limiting
	rootCmd.PersistentFlags().Float64("rate-limit", 10, "Outbound requests per second")
	rootCmd.PersistentFlags().Int("rate-burst", 5, "Rate limit burst size")
	viper.BindPFlag("rate_limit.requests_per_second", rootCmd.PersistentFlags().Lookup("rate-limit"))
	viper.BindPFlag("rate_limit.burst_size", rootCmd.PersistentFlags().Lookup("rate-burst"))
	viper.BindEnv("rate_limit.requests_per_second", "EDGESCOPE_RATE_LIMIT")

	// Telemetry
	rootCmd.PersistentFlags().Bool("telemetry", false, "Enable OpenTelemetry export")
	rootCmd.PersistentFlags().String("otlp-endpoint", "localhost:4318", "OTLP HTTP endpoint")
	viper.BindPFlag("telemetry.enabled", rootCmd.PersistentFlags().Lookup("telemetry"))
	viper.BindPFlag("telemetry.endpoint", rootCmd.PersistentFlags().Lookup("otlp-endpoint"))
	viper.BindEnv("telemetry.enabled", "EDGESCOPE_TELEMETRY_ENABLED")
	viper.BindEnv("telemetry.endpoint", "EDGESCOPE_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// Probes
	rootCmd.PersistentFlags().String("dns-wordlist", "", "Path to a subdomain wordlist file")
	viper.BindPFlag("probes.dns.wordlist_path", rootCmd.PersistentFlags().Lookup("dns-wordlist"))
	viper.BindEnv("probes.dns.wordlist_path", "EDGESCOPE_DNS_WORDLIST")
}

func initConfig() error {
	// No YAML files - configuration from flags + env vars only.
	viper.AutomaticEnv()
	viper.SetEnvPrefix("EDGESCOPE")

	defaults := config.Default()
	viper.SetDefault("logger.output_paths", defaults.Logger.OutputPaths)
	viper.SetDefault("database.dsn", defaults.Database.DSN)
	viper.SetDefault("database.conn_max_lifetime", defaults.Database.ConnMaxLifetime)
	viper.SetDefault("scheduler.queue_poll_interval", defaults.Scheduler.QueuePollInterval)
	viper.SetDefault("scheduler.stale_job_grace", defaults.Scheduler.StaleJobGrace)
	viper.SetDefault("telemetry.service_name", defaults.Telemetry.ServiceName)
	viper.SetDefault("telemetry.exporter_type", defaults.Telemetry.ExporterType)
	viper.SetDefault("telemetry.sample_rate", defaults.Telemetry.SampleRate)
	viper.SetDefault("rate_limit.min_host_delay", defaults.RateLimit.MinHostDelay)
	viper.SetDefault("probes.max_retries", defaults.Probes.MaxRetries)
	viper.SetDefault("probes.initial_backoff", defaults.Probes.InitialBackoff)
	viper.SetDefault("probes.max_backoff", defaults.Probes.MaxBackoff)
	viper.SetDefault("probes.dns.resolvers", defaults.Probes.DNS.Resolvers)
	viper.SetDefault("probes.dns.query_timeout", defaults.Probes.DNS.QueryTimeout)
	viper.SetDefault("probes.dns.concurrency", defaults.Probes.DNS.Concurrency)
	viper.SetDefault("probes.port_scan.connect_timeout", defaults.Probes.PortScan.ConnectTimeout)
	viper.SetDefault("probes.port_scan.banner_timeout", defaults.Probes.PortScan.BannerTimeout)
	viper.SetDefault("probes.port_scan.concurrency", defaults.Probes.PortScan.Concurrency)
	viper.SetDefault("probes.port_scan.udp_timeout", defaults.Probes.PortScan.UDPTimeout)
	viper.SetDefault("probes.web_crawl.request_timeout", defaults.Probes.WebCrawl.RequestTimeout)
	viper.SetDefault("probes.web_crawl.max_depth", defaults.Probes.WebCrawl.MaxDepth)
	viper.SetDefault("probes.web_crawl.max_pages", defaults.Probes.WebCrawl.MaxPages)
	viper.SetDefault("probes.web_crawl.user_agent", defaults.Probes.WebCrawl.UserAgent)
	viper.SetDefault("probes.cert_scan.request_timeout", defaults.Probes.CertScan.RequestTimeout)
	viper.SetDefault("probes.cert_scan.log_window", defaults.Probes.CertScan.LogWindow)

	cfg = &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}
