package db

import (
	"fmt"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Connect opens a gorm handle for driver. SQLite is capped at one open
// connection since the snapshot writer replaces whole tables.
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dial gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		dial = gormsqlite.Open(dsn)
	case DriverMySQL:
		dial = mysql.Open(dsn)
	case DriverPostgres:
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}

	gdb, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if dial.Name() == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return gdb, nil
}
