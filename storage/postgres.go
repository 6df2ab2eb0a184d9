package storage

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nifti2database/config"
)

// OpenPostgres öffnet die Verbindung zur Scan-Datenbank; gorm pingt beim Öffnen.
func OpenPostgres(creds *config.Credentials) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(creds.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s@%s:%s/%s: %w", creds.User, creds.Host, creds.Port, creds.Database, err)
	}
	return db, nil
}

// NewDryRunDB liefert eine gorm-Instanz mit Postgres-Dialekt, die nie eine Verbindung
// aufbaut. Sie dient nur zum Rendern literaler SQL-Statements.
func NewDryRunDB() (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  "host=localhost",
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		DryRun:                 true,
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
}

// Close schließt den zugrunde liegenden Verbindungspool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
