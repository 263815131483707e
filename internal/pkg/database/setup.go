package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/CarePay/app/models"
	"github.com/ManuelReschke/CarePay/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

// DB is the shared GORM handle. It stays nil in sandbox mode (DB_DRIVER=memory).
var DB *gorm.DB

// GetDB returns the shared database handle
func GetDB() *gorm.DB {
	return DB
}

// IsMemoryMode reports whether persistence runs on the in-memory repositories.
func IsMemoryMode() bool {
	return env.GetEnv("DB_DRIVER", "mysql") == "memory"
}

// DSN builds the MySQL data source name from the environment.
func DSN() string {
	// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

// Open connects to MySQL and runs the billing auto-migrations.
func Open(dsn string) (*gorm.DB, error) {
	logLevel := logger.Warn
	if env.IsDev() {
		logLevel = logger.Info
	}
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       dsn,   // data source name
		DefaultStringSize:         256,   // default size for string fields
		DontSupportRenameIndex:    true,  // drop & create when rename index, rename index not supported before MySQL 5.7, MariaDB
		DontSupportRenameColumn:   true,  // `change` when rename column, rename column not supported before MySQL 8, MariaDB
		SkipInitializeWithVersion: false, // auto configure based on currently MySQL version
	}), &gorm.Config{
		Logger:  logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&models.BillingRecord{},
		&models.Subscription{},
		&models.WebhookEvent{},
	); err != nil {
		return nil, err
	}
	return db, nil
}

func SetupDatabase() {
	if IsMemoryMode() {
		log.Warn("[Database] DB_DRIVER=memory, billing data is not persisted")
		return
	}

	var err error
	dsn := DSN()
	for i := 0; i < maxRetries; i++ {
		DB, err = Open(dsn)
		if err == nil {
			return
		}

		log.Errorf("[Database] Failed to connect to database (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[Database] Retrying in %s...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}
