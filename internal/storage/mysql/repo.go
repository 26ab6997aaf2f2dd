// Package mysql provides the MySQL/MariaDB destination backend. It registers
// itself as "mysql" with the storage factory.
package mysql

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/go-sql-driver/mysql"

	"github.com/Skipper-116/cdr-automated/internal/storage"
	"github.com/Skipper-116/cdr-automated/internal/storage/sqldb"
)

// DefaultPort is used when the discrete connection parts carry no port.
const DefaultPort = 3306

// DSN returns cfg.DSN after validating it, or builds one from the discrete
// parts.
func DSN(cfg storage.Config) (string, error) {
	if cfg.DSN != "" {
		if _, err := mysql.ParseDSN(cfg.DSN); err != nil {
			return "", fmt.Errorf("mysql dsn: %w", err)
		}
		return cfg.DSN, nil
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	mc.DBName = cfg.Database
	// Dumps carry 4-byte UTF-8.
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN(), nil
}

// NewRepository opens one MySQL connection.
func NewRepository(ctx context.Context, cfg storage.Config) (*sqldb.Repository, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	return sqldb.Open(ctx, "mysql", dsn, storage.MySQL)
}
