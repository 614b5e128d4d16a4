// Package daemon provides the attendance listener daemon.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pfpintranet/zkteco-listener/internal/cli"
	"github.com/pfpintranet/zkteco-listener/internal/constants"
	"github.com/pfpintranet/zkteco-listener/internal/database"
	"github.com/pfpintranet/zkteco-listener/internal/device"
	"github.com/pfpintranet/zkteco-listener/internal/listener"
	"github.com/pfpintranet/zkteco-listener/internal/metrics"
	"github.com/pfpintranet/zkteco-listener/internal/monitor"
	"github.com/pfpintranet/zkteco-listener/internal/webhook"
	"github.com/pfpintranet/zkteco-listener/internal/zkteco"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *listener.Service

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	Devices  devicesConfig
	Monitor  monitor.Config
	Webhook  webhook.Config
	Metrics  metrics.Config
	Database database.Config
}

// devicesConfig selects the device inventory sources. The SQL source is
// enabled by configuring the database connection.
type devicesConfig struct {
	File            string
	RefreshInterval time.Duration
}

// legacyEnv maps the unprefixed environment variables of the historical
// deployment onto their configuration keys.
var legacyEnv = map[string]string{
	"webhook.url":     "N8N_WEBHOOK_URL",
	"webhook.workers": "N8N_WEBHOOK_WORKERS",
	"webhook.timeout": "N8N_WEBHOOK_TIMEOUT",

	"database.server":   "MSSQL_SERVER",
	"database.database": "MSSQL_DATABASE",
	"database.user":     "MSSQL_USER",
	"database.password": "MSSQL_PASSWORD",
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.ListenerCmdName,
		Short:         "ZKTeco attendance listener",
		Long:          "ZKTeco attendance listener polls ZKTeco attendance terminals and forwards today's check-ins and check-outs to the n8n attendance workflow.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.ListenerCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := cli.BindLegacyEnv(a.viper, legacyEnv); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config, cli.DecodeOptions()); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
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
		Devices: devicesConfig{
			RefreshInterval: 5 * time.Minute,
		},
		Monitor: monitor.Config{
			PollInterval:   monitor.DefaultPollInterval,
			ReconnectDelay: monitor.DefaultReconnectDelay,
			ConnectTimeout: zkteco.DefaultTimeout,
			JournalDir:     constants.DefaultJournalDir,
		},
		Webhook: webhook.Config{
			URL:       constants.DefaultWebhookURL,
			Workers:   3,
			Timeout:   5 * time.Second,
			QueueSize: 1024,
		},
		Metrics: metrics.Config{
			Port:         metrics.DefaultPort,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Inventory flags
	cmd.Flags().StringVar(&app.config.Devices.File, "devices-file", "", "path to the JSON device inventory")
	cmd.Flags().DurationVar(&app.config.Devices.RefreshInterval, "devices-refresh", defaultConf.Devices.RefreshInterval, "refresh interval for the SQL device inventory")

	// Polling flags
	cmd.Flags().DurationVar(&app.config.Monitor.PollInterval, "poll-interval", defaultConf.Monitor.PollInterval, "pause between two attendance reads per device")
	cmd.Flags().DurationVar(&app.config.Monitor.ReconnectDelay, "reconnect-delay", defaultConf.Monitor.ReconnectDelay, "pause before re-dialing a failed device")
	cmd.Flags().DurationVar(&app.config.Monitor.ConnectTimeout, "connect-timeout", defaultConf.Monitor.ConnectTimeout, "dial timeout for device connections")
	cmd.Flags().StringVar(&app.config.Monitor.JournalDir, "journal-dir", defaultConf.Monitor.JournalDir, "directory for forwarded event journals")

	// Webhook flags
	cmd.Flags().StringVar(&app.config.Webhook.URL, "webhook-url", defaultConf.Webhook.URL, "n8n webhook endpoint to forward events to")
	cmd.Flags().IntVar(&app.config.Webhook.Workers, "webhook-workers", defaultConf.Webhook.Workers, "number of delivery workers")
	cmd.Flags().DurationVar(&app.config.Webhook.Timeout, "webhook-timeout", defaultConf.Webhook.Timeout, "timeout per delivery attempt")
	cmd.Flags().IntVar(&app.config.Webhook.QueueSize, "queue-size", defaultConf.Webhook.QueueSize, "capacity of the delivery queue")
	cmd.Flags().StringVar(&app.config.Webhook.LocalIP, "local-ip", "", "local IP reported in payloads, resolved from the host name when empty")

	// Metrics server flags
	cmd.Flags().DurationVar(&app.config.Metrics.ReadTimeout, "read-timeout", defaultConf.Metrics.ReadTimeout, "read timeout for the metrics HTTP server")
	cmd.Flags().DurationVar(&app.config.Metrics.WriteTimeout, "write-timeout", defaultConf.Metrics.WriteTimeout, "write timeout for the metrics HTTP server")
	cmd.Flags().StringVar(&app.config.Metrics.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.Metrics.Port, "metrics-port", defaultConf.Metrics.Port, "port for the metrics endpoint")

	addDBFlags(cmd, &app.config.Database)

	if err := cmd.MarkFlagFilename("devices-file", "json"); err != nil {
		panic(fmt.Sprintf("failed to mark devices-file flag as filename: %v", err))
	}

	if err := cmd.MarkFlagDirname("journal-dir"); err != nil {
		panic(fmt.Sprintf("failed to mark journal-dir flag as directory: %v", err))
	}
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
	registry := prometheus.NewRegistry()

	var sources []device.Source
	if a.config.Devices.File != "" {
		path, err := filepath.Abs(a.config.Devices.File)
		if err != nil {
			return fmt.Errorf("failed to get absolute path for the device inventory: %v", err)
		}
		sources = append(sources, device.NewManager(path))
	}

	if a.config.Database.Server != "" || a.config.Database.DSN != "" {
		db, err := database.New(context.Background(), a.config.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to the attendance database: %v", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				slog.Warn("Failed to close the attendance database", "error", err)
			}
		}()

		args := []device.Options{}
		if a.config.Devices.RefreshInterval > 0 {
			args = append(args, device.WithRefreshInterval(a.config.Devices.RefreshInterval))
		}
		sources = append(sources, device.NewSQL(db, args...))
	}

	if len(sources) == 0 {
		return errors.New("no device inventory configured: set a devices file or the attendance database")
	}

	dispatcher, err := webhook.New(a.config.Webhook, registry)
	if err != nil {
		return fmt.Errorf("failed to create the webhook dispatcher: %v", err)
	}

	pool, err := monitor.New(device.NewMerged(sources...), dispatcher, a.config.Monitor, registry)
	if err != nil {
		return fmt.Errorf("failed to create the poller pool: %v", err)
	}

	metricsServer := metrics.New(a.config.Metrics, registry)

	a.daemon = listener.New(context.Background(), pool, dispatcher, metricsServer)
	close(a.ready)

	return a.daemon.Run()
}
