package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/systmms/rotord/internal/policy"
)

// SQLHealthConfig holds configuration for SQL health checks.
type SQLHealthConfig struct {
	// QueryLatencyEnabled enables query latency check.
	QueryLatencyEnabled bool

	// QueryLatencyThreshold is the maximum acceptable query latency.
	QueryLatencyThreshold time.Duration
}

// DefaultSQLHealthConfig returns the default SQL health configuration.
func DefaultSQLHealthConfig() SQLHealthConfig {
	return SQLHealthConfig{
		QueryLatencyEnabled:   true,
		QueryLatencyThreshold: 500 * time.Millisecond,
	}
}

// SQLPinger is the interface for pinging a database.
type SQLPinger interface {
	PingContext(ctx context.Context) error
	Close() error
}

// SQLOpener opens a connection for the given driver and DSN.
type SQLOpener func(driver, dsn string) (SQLPinger, error)

func openSQL(driver, dsn string) (SQLPinger, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// SQLHealthChecker logs in to a PostgreSQL or MySQL dependent with the
// candidate password and pings it.
type SQLHealthChecker struct {
	name   string
	config SQLHealthConfig
	open   SQLOpener
}

// NewSQLHealthChecker creates a new SQL health checker.
func NewSQLHealthChecker(name string, config SQLHealthConfig) *SQLHealthChecker {
	return &SQLHealthChecker{
		name:   name,
		config: config,
		open:   openSQL,
	}
}

// SetOpener replaces the connection opener, for tests with sqlmock.
func (c *SQLHealthChecker) SetOpener(open SQLOpener) {
	c.open = open
}

// Name returns the health checker name.
func (c *SQLHealthChecker) Name() string {
	return c.name
}

// Protocol returns the protocol type.
func (c *SQLHealthChecker) Protocol() ProtocolType {
	return ProtocolSQL
}

// Check opens a fresh connection as the dependent's user with the candidate
// password and pings it. Nothing is written.
func (c *SQLHealthChecker) Check(ctx context.Context, target Target) (HealthResult, error) {
	start := time.Now()
	result := HealthResult{
		Healthy:   true,
		Timestamp: start,
		Metadata:  make(map[string]interface{}),
	}

	dep := target.Dependent
	if dep.Endpoint == "" {
		result.Healthy = false
		result.Message = "no endpoint configured"
		result.Duration = time.Since(start)
		return result, fmt.Errorf("no endpoint configured for dependent %s", dep.Name)
	}

	var password string
	if target.Material != nil {
		if err := target.Material.Use(func(secret []byte) error {
			password = string(secret)
			return nil
		}); err != nil {
			result.Healthy = false
			result.Message = "candidate material unavailable"
			result.Duration = time.Since(start)
			return result, err
		}
	}

	driver, dsn, err := BuildDSN(dep, password)
	if err != nil {
		result.Healthy = false
		result.Message = err.Error()
		result.Duration = time.Since(start)
		return result, err
	}
	result.Metadata["driver"] = driver

	db, err := c.open(driver, dsn)
	if err != nil {
		result.Healthy = false
		result.Message = fmt.Sprintf("open failed: %v", err)
		result.Duration = time.Since(start)
		return result, nil
	}
	defer db.Close()

	pingStart := time.Now()
	if err := db.PingContext(ctx); err != nil {
		result.Healthy = false
		result.Message = fmt.Sprintf("ping failed: %v", err)
		result.Duration = time.Since(start)
		result.Metadata["error"] = err.Error()
		return result, nil
	}
	pingLatency := time.Since(pingStart)
	result.Metadata["ping_latency_ms"] = pingLatency.Milliseconds()

	result.Duration = time.Since(start)
	if c.config.QueryLatencyEnabled && pingLatency > c.config.QueryLatencyThreshold {
		result.Healthy = false
		result.Message = fmt.Sprintf("query latency %v exceeds threshold %v",
			pingLatency, c.config.QueryLatencyThreshold)
		return result, nil
	}

	result.Message = "authenticated"
	return result, nil
}

// BuildDSN returns the driver name and a DSN for the dependent with the
// password replaced by the given one. PostgreSQL endpoints may be URLs or
// key=value strings; MySQL endpoints use the go-sql-driver DSN format.
func BuildDSN(dep policy.Dependent, password string) (string, string, error) {
	switch dep.Type {
	case policy.DependentPostgres:
		if strings.HasPrefix(dep.Endpoint, "postgres://") || strings.HasPrefix(dep.Endpoint, "postgresql://") {
			u, err := url.Parse(dep.Endpoint)
			if err != nil {
				return "", "", fmt.Errorf("invalid postgres endpoint for %s: %w", dep.Name, err)
			}
			user := dep.Options["user"]
			if user == "" && u.User != nil {
				user = u.User.Username()
			}
			u.User = url.UserPassword(user, password)
			return "postgres", u.String(), nil
		}
		dsn := dep.Endpoint
		if user := dep.Options["user"]; user != "" {
			dsn += " user=" + quotePQ(user)
		}
		return "postgres", dsn + " password=" + quotePQ(password), nil

	case policy.DependentMySQL:
		cfg, err := mysql.ParseDSN(dep.Endpoint)
		if err != nil {
			return "", "", fmt.Errorf("invalid mysql endpoint for %s: %w", dep.Name, err)
		}
		if user := dep.Options["user"]; user != "" {
			cfg.User = user
		}
		cfg.Passwd = password
		return "mysql", cfg.FormatDSN(), nil

	default:
		return "", "", fmt.Errorf("dependent %s is not a SQL dependent (type %q)", dep.Name, dep.Type)
	}
}

// quotePQ quotes a value for a libpq key=value connection string.
func quotePQ(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
