package testutils

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlserver" // SQL Server driver for golang-migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb" // registers the sqlserver driver
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// MSSQLContainer represents a SQL Server container for testing purposes.
type MSSQLContainer struct {
	Container testcontainers.Container
	DSN       string

	User     string
	Password string
	Name     string
	Host     string
	Port     string
}

// StartMSSQLContainer starts a SQL Server container for testing purposes.
func StartMSSQLContainer(t *testing.T) *MSSQLContainer {
	t.Helper()

	const (
		defaultUser     = "sa"
		defaultPassword = "TestPassword123"
		defaultName     = "master"
	)

	if runtime.GOOS != "linux" {
		t.Skip("Skipping SQL Server container test on non-Linux OS")
	}

	req := testcontainers.ContainerRequest{
		Image:        "mcr.microsoft.com/mssql/server:2022-latest",
		ExposedPorts: []string{"1433/tcp"},
		Env: map[string]string{
			"ACCEPT_EULA":       "Y",
			"MSSQL_SA_PASSWORD": defaultPassword,
		},
		WaitingFor: wait.ForListeningPort("1433/tcp"),
	}
	ctx := t.Context()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Setup: failed to start SQL Server container")
	host, err := container.Host(ctx)
	require.NoError(t, err, "Setup: failed to get container host")

	port, err := container.MappedPort(ctx, "1433/tcp")
	require.NoError(t, err, "Setup: failed to get mapped port")

	dsn := fmt.Sprintf(
		"sqlserver://%s:%s@%s:%s?database=%s&trustservercertificate=true",
		defaultUser,
		defaultPassword,
		host,
		port.Port(),
		defaultName,
	)

	return &MSSQLContainer{
		Container: container,
		DSN:       dsn,

		User:     defaultUser,
		Password: defaultPassword,
		Name:     defaultName,
		Host:     host,
		Port:     port.Port(),
	}
}

// Stop stops the SQL Server container.
func (mc *MSSQLContainer) Stop(ctx context.Context) error {
	return mc.Container.Terminate(ctx)
}

// IsReady checks if the SQL Server database is connectable.
// It will attempt to connect to the database multiple times, each attempt being timeout long at most.
// SQL Server keeps refusing logins for a while after its port opens.
func (mc MSSQLContainer) IsReady(t *testing.T, timeout time.Duration, attempts int) error {
	t.Helper()

	db, err := sqlx.Open("sqlserver", mc.DSN)
	if err != nil {
		return fmt.Errorf("failed to open the database: %w", err)
	}
	defer db.Close()

	for i := range attempts {
		ctx, cancel := context.WithTimeout(t.Context(), timeout)
		err = db.PingContext(ctx)
		cancel()

		if err != nil {
			t.Logf("Attempt %d: failed to connect to database: %v", i+1, err)
			time.Sleep(1 * time.Second)
			continue
		}
		return nil
	}

	return fmt.Errorf("database did not become ready after %d attempts: %v", attempts, err)
}

// ApplyMigrations applies migrations from the specified directory to the database.
func ApplyMigrations(t *testing.T, dsn string, migrationsDir string) {
	t.Helper()
	m, err := migrate.New(
		fmt.Sprintf("file://%s", migrationsDir),
		dsn,
	)
	require.NoError(t, err, "Setup: failed to create migration instance")
	if err := m.Up(); err != nil {
		require.ErrorIs(t, err, migrate.ErrNoChange, "Setup: failed to apply migrations")
	}
}

// DBListTables lists all the user tables, excluding a blacklist.
func DBListTables(t *testing.T, dsn string, blacklist ...string) []string {
	t.Helper()

	blacklistMap := make(map[string]bool)
	for _, table := range blacklist {
		blacklistMap[table] = true
	}

	db, err := sqlx.Open("sqlserver", dsn)
	require.NoError(t, err, "failed to connect to the database")
	defer func() {
		require.NoError(t, db.Close(), "failed to close the database connection")
	}()

	// is_ms_shipped filters out the tables that ship with the master database.
	query := `SELECT name FROM sys.tables WHERE is_ms_shipped = 0;`

	rows, err := db.QueryxContext(t.Context(), query)
	require.NoError(t, err, "failed to execute query")

	var tables []string
	for rows.Next() {
		var tableName string
		require.NoError(t, rows.Scan(&tableName), "failed to scan table name")
		if !blacklistMap[tableName] {
			tables = append(tables, tableName)
		}
	}

	require.NoError(t, rows.Err(), "error occurred during rows iteration")
	return tables
}
