package db

import (
	"fmt"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported cache drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// MySQLDSN validates a MySQL DSN and forces parseTime, which the cache's
// time columns depend on.
func MySQLDSN(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("db: parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// Dialector returns the gorm dialector for driver.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite:
		if dsn == "" {
			return nil, fmt.Errorf("db: sqlite dsn is required")
		}
		return sqlite.Open(dsn), nil
	case DriverMySQL:
		normalized, err := MySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		return mysql.Open(normalized), nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}
}

// Connect opens a GORM connection for the cache.
func Connect(driver, dsn string) (*gorm.DB, error) {
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect (%s): %w", driver, err)
	}
	if strings.EqualFold(driver, DriverSQLite) {
		// A single connection keeps ":memory:" databases shared and
		// serializes sqlite writers.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: sqlite pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}
