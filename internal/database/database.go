// Package database provides the SQL Server access layer for the listener and
// cleanup services. It manages the connection pool and exposes typed queries
// over the attendance schema.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb" // registers the sqlserver driver
	"github.com/pfpintranet/zkteco-listener/internal/constants"
	"gopkg.in/ini.v1"
)

const (
	defaultDSNFile = "/etc/odbc.ini"

	queryTimeout = 10 * time.Second
)

// Config holds the configuration for connecting to the SQL Server database.
type Config struct {
	Server   string
	Port     int
	Database string
	User     string
	Password string

	TrustServerCertificate bool

	// DSN names a data source in an odbc.ini style file (DSNFile, default
	// /etc/odbc.ini) whose values fill any field left empty above.
	DSN     string
	DSNFile string

	// Optional table overrides. The defaults match the production schema.
	DeviceTable string
	LogTable    string
	ShiftView   string
}

type dbPool interface {
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PingContext(ctx context.Context) error
	Close() error
}

// Manager manages the SQL Server connection pool.
type Manager struct {
	db dbPool

	deviceTable string
	logTable    string
	shiftView   string
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// New creates a database manager with a SQL Server connection pool using the
// provided configuration.
// Note: The connection is validated with a ping, but it is not maintained.
func New(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return sqlx.Open("sqlserver", dsn)
		},
	}

	for _, opt := range args {
		opt(&opts)
	}

	cfg, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}

	db, err := opts.newPool(ctx, cfg.URI())
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing database connection", "server", cfg.Server, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	slog.Info("Successfully pinged SQL Server database", "server", cfg.Server, "database", cfg.Database)
	m := &Manager{
		db: db,

		deviceTable: cfg.DeviceTable,
		logTable:    cfg.LogTable,
		shiftView:   cfg.ShiftView,
	}
	if m.deviceTable == "" {
		m.deviceTable = constants.DefaultDeviceTable
	}
	if m.logTable == "" {
		m.logTable = constants.DefaultAttendanceTable
	}
	if m.shiftView == "" {
		m.shiftView = constants.DefaultShiftView
	}
	return m, nil
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- m.db.Close()
	}()

	select {
	case err := <-done:
		m.db = nil
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}

// URI is a helper method that returns a sqlserver connection URI.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI() string {
	host := c.Server
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Server, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: "sqlserver",
		User:   user,
		Host:   host,
	}

	q := u.Query()
	if c.Database != "" {
		q.Set("database", c.Database)
	}
	if c.TrustServerCertificate {
		q.Set("trustservercertificate", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Resolve returns the config with any named data source filled in. Configs
// without a DSN are returned unchanged.
func (c Config) Resolve() (Config, error) {
	if c.DSN == "" {
		return c, nil
	}
	return c.resolveDSN()
}

// resolveDSN overlays values from the named odbc.ini data source onto the
// config. Explicitly set fields keep precedence over file values.
func (c Config) resolveDSN() (Config, error) {
	path := c.DSNFile
	if path == "" {
		path = defaultDSNFile
	}

	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return c, fmt.Errorf("could not read the data source file %s: %v", path, err)
	}
	sec, err := f.GetSection(c.DSN)
	if err != nil {
		return c, fmt.Errorf("no data source %q in %s", c.DSN, path)
	}

	if c.Server == "" {
		c.Server = sec.Key("server").String()
	}
	if c.Port == 0 {
		c.Port = sec.Key("port").MustInt(0)
	}
	if c.Database == "" {
		c.Database = sec.Key("database").String()
	}
	if c.User == "" {
		c.User = sec.Key("uid").String()
	}
	if c.Password == "" {
		c.Password = sec.Key("pwd").String()
	}
	if !c.TrustServerCertificate {
		c.TrustServerCertificate = sec.Key("trustservercertificate").MustBool(false)
	}
	return c, nil
}
