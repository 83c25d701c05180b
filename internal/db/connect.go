package db

import (
	"fmt"
	"net"
	"strconv"

	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vespl/caseflow/internal/config"
)

// MySQLDSN builds a MySQL DSN for the given database. An empty database
// selects none, which CreateDatabase needs.
func MySQLDSN(c config.DatabaseConfig, database string) string {
	cfg := mysqldrv.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	cfg.DBName = database
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// PostgresDSN builds a keyword/value Postgres DSN.
func PostgresDSN(c config.DatabaseConfig) string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable", c.Host, c.Port, c.User, c.Name)
	if c.Password != "" {
		dsn += " password=" + c.Password
	}
	return dsn
}

// Dialector returns the gorm dialector for the configured driver.
func Dialector(c config.DatabaseConfig) (gorm.Dialector, error) {
	switch c.Driver {
	case "mysql", "":
		return mysql.Open(MySQLDSN(c, c.Name)), nil
	case "postgres":
		return postgres.Open(PostgresDSN(c)), nil
	case "sqlite":
		return sqlite.Open(c.Path), nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", c.Driver)
	}
}

// Connect opens a GORM connection using the configured driver.
func Connect(c config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := Dialector(c)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect %s %s: %w", c.Driver, describe(c), err)
	}
	if c.Driver == "sqlite" {
		// SQLite allows one writer; serialize at the pool instead of
		// surfacing SQLITE_BUSY to callers.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: sqlite pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// ConnectAdmin opens a GORM connection to the MySQL server without selecting
// a specific database, used for CREATE DATABASE operations.
func ConnectAdmin(c config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(MySQLDSN(c, "")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: admin connect to %s:%d: %w", c.Host, c.Port, err)
	}
	return db, nil
}

// CreateDatabase creates the named database if it doesn't already exist.
func CreateDatabase(adminDB *gorm.DB, name string) error {
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", name, err)
	}
	return nil
}

func describe(c config.DatabaseConfig) string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Name)
}
