// Package daemon provides the attendance cleanup daemon.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/pfpintranet/zkteco-listener/internal/cleanup"
	"github.com/pfpintranet/zkteco-listener/internal/cli"
	"github.com/pfpintranet/zkteco-listener/internal/constants"
	"github.com/pfpintranet/zkteco-listener/internal/database"
	"github.com/pfpintranet/zkteco-listener/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *cleanup.Service

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	Cleanup  cleanup.Config
	Metrics  metrics.Config
	Database database.Config

	MigrationsDir string
}

// legacyEnv maps the unprefixed environment variables of the historical
// deployment onto their configuration keys.
var legacyEnv = map[string]string{
	"cleanup.interval": "CLEANUP_INTERVAL_SECONDS",

	"database.server":   "MSSQL_SERVER",
	"database.database": "MSSQL_DATABASE",
	"database.user":     "MSSQL_USER",
	"database.password": "MSSQL_PASSWORD",
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.CleanupCmdName,
		Short:         "Attendance cleanup service",
		Long:          "Attendance cleanup closes stale attendance rows that never received a checkout time in the SQL Server attendance database.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.CleanupCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := cli.BindLegacyEnv(a.viper, legacyEnv); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config, cli.DecodeOptions()); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			// The historical deployment measured its threshold in hours.
			if hours, ok := os.LookupEnv("CLEANUP_THRESHOLD_HOURS"); ok &&
				!a.viper.IsSet("cleanup.threshold") && !cmd.Flags().Changed("cleanup-threshold") {
				f, err := strconv.ParseFloat(hours, 64)
				if err != nil {
					return fmt.Errorf("invalid CLEANUP_THRESHOLD_HOURS value %q: %v", hours, err)
				}
				a.config.Cleanup.Threshold = time.Duration(f * float64(time.Hour))
			}
			// The historical deployment selected its log level by name.
			if name, ok := os.LookupEnv("LOG_LEVEL"); ok && a.config.Verbosity == 0 {
				a.config.Verbosity = cli.VerbosityFromLevelName(name)
			}
			slog.Info("got app config", "config", a.config)

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	defaultConf := appConfig{
		Cleanup: cleanup.Config{
			Interval:  cleanup.DefaultInterval,
			Threshold: cleanup.DefaultThreshold,
		},
		Metrics: metrics.Config{
			// The listener claims the default metrics port on a shared host.
			Port:         metrics.DefaultPort + 1,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Cleanup flags
	cmd.Flags().DurationVar(&app.config.Cleanup.Interval, "cleanup-interval", defaultConf.Cleanup.Interval, "pause between two cleanup passes")
	cmd.Flags().DurationVar(&app.config.Cleanup.Threshold, "cleanup-threshold", defaultConf.Cleanup.Threshold, "age before an open attendance row is closed")

	// Metrics server flags
	cmd.Flags().DurationVar(&app.config.Metrics.ReadTimeout, "read-timeout", defaultConf.Metrics.ReadTimeout, "read timeout for the metrics HTTP server")
	cmd.Flags().DurationVar(&app.config.Metrics.WriteTimeout, "write-timeout", defaultConf.Metrics.WriteTimeout, "write timeout for the metrics HTTP server")
	cmd.Flags().StringVar(&app.config.Metrics.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.Metrics.Port, "metrics-port", defaultConf.Metrics.Port, "port for the metrics endpoint")

	addDBFlags(cmd, &app.config.Database)
}

func addDBFlags(cmd *cobra.Command, config *database.Config) {
	cmd.Flags().StringVar(&config.Server, "db-server", "", "SQL Server host")
	cmd.Flags().IntVarP(&config.Port, "db-port", "p", 0, "SQL Server port (driver default when 0)")
	cmd.Flags().StringVarP(&config.User, "db-user", "u", "", "database user")
	cmd.Flags().StringVarP(&config.Password, "db-password", "P", "", "database password")
	cmd.Flags().StringVarP(&config.Database, "db-name", "n", "", "database name")
	cmd.Flags().BoolVar(&config.TrustServerCertificate, "db-trust-server-certificate", false, "do not validate the server TLS certificate")
	cmd.Flags().StringVar(&config.DSN, "db-dsn", "", "data source name resolved from the odbc.ini file")
	cmd.Flags().StringVar(&config.DSNFile, "db-dsn-file", "", "odbc.ini style file to resolve the data source from")
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() (err error) {
	if a.config.Database.Server == "" && a.config.Database.DSN == "" {
		return errors.New("no database configured: set the database server or a data source name")
	}

	db, err := database.New(context.Background(), a.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to the attendance database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Warn("Failed to close the attendance database", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	worker, err := cleanup.NewWorker(db, a.config.Cleanup, registry)
	if err != nil {
		return fmt.Errorf("failed to create the cleanup worker: %v", err)
	}

	metricsServer := metrics.New(a.config.Metrics, registry)

	a.daemon = cleanup.NewService(context.Background(), worker, metricsServer)
	close(a.ready)

	return a.daemon.Run()
}
