package db

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open picks the driver from the DSN: "file:", "sqlite:" or a *.db path
// selects SQLite, anything else is treated as a MySQL DSN.
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch {
	case isSQLite(dsn):
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
	default:
		dialector = mysql.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}

	if !isSQLite(dsn) {
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("db: pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return gdb, nil
}

// Connect is Open for binaries: it exits on failure.
func Connect(dsn string) *gorm.DB {
	gdb, err := Open(dsn)
	if err != nil {
		log.Fatalf("[DB] connect failed err=%v", err)
	}
	return gdb
}

func isSQLite(dsn string) bool {
	return strings.HasPrefix(dsn, "file:") ||
		strings.HasPrefix(dsn, "sqlite:") ||
		strings.HasSuffix(dsn, ".db")
}
