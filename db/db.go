// Package db provides the SQL-backed persistence adapter for the rule
// store snapshot.
package db

import (
	"fmt"
	"strings"
	"time"
)

const (
	PostgresDriverName = "pgx"
	MysqlDriverName    = "mysql"
)

type DatabaseConfig struct {
	URL                   string        `yaml:"url"`
	MaxOpenConnections    int           `yaml:"max_open_connections"`
	MaxIdleConnections    int           `yaml:"max_idle_connections"`
	ConnectionMaxLifetime time.Duration `yaml:"connection_max_lifetime"`
	ConnectionMaxIdleTime time.Duration `yaml:"connection_max_idletime"`
}

type Database struct {
	DriverName     string
	DataSourceName string
}

// GetConnection maps a database URL to a driver and DSN. Postgres URLs
// pass through to pgx; mysql URLs are stripped of the scheme as the
// mysql driver expects a bare DSN. The scheme is matched on the raw
// string because mysql DSNs (tcp(host:port)) do not survive url.Parse.
func GetConnection(dbURL string) (*Database, error) {
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		return &Database{DriverName: PostgresDriverName, DataSourceName: dbURL}, nil
	case strings.HasPrefix(dbURL, "mysql://"):
		return &Database{
			DriverName:     MysqlDriverName,
			DataSourceName: strings.TrimPrefix(dbURL, "mysql://"),
		}, nil
	}
	scheme, _, _ := strings.Cut(dbURL, "://")
	return nil, fmt.Errorf("unsupported database scheme %q", scheme)
}
