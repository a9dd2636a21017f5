package database

import (
	"opmsync/internal/models"

	logger "github.com/Bparsons0904/goLogger"
	migrate "github.com/rubenv/sql-migrate"
)

// MigrateModels runs GORM AutoMigrate for the run history tables.
func (db *DB) MigrateModels() error {
	log := logger.New("database").Function("MigrateModels")

	if db.SQL == nil {
		return nil
	}

	log.Info("Starting database migration")

	modelsToMigrate := []any{
		&models.RunRecord{},
	}

	for _, model := range modelsToMigrate {
		if err := db.SQL.AutoMigrate(model); err != nil {
			return log.Err("failed to migrate model", err, "model", model)
		}
	}

	log.Info("Database migration completed successfully")
	return nil
}

// RunRecordMigrations holds the secondary indexes AutoMigrate does not create.
var RunRecordMigrations = []*migrate.Migration{
	{
		Id: "0001_run_records_started_at",
		Up: []string{
			"CREATE INDEX IF NOT EXISTS idx_run_records_started_at ON run_records(started_at DESC)",
		},
		Down: []string{"DROP INDEX IF EXISTS idx_run_records_started_at"},
	},
	{
		Id: "0002_run_records_window",
		Up: []string{
			"CREATE INDEX IF NOT EXISTS idx_run_records_window ON run_records(start_month, end_month)",
		},
		Down: []string{"DROP INDEX IF EXISTS idx_run_records_window"},
	},
	{
		Id: "0003_run_records_failed",
		Up: []string{
			"CREATE INDEX IF NOT EXISTS idx_run_records_failed ON run_records(failed) WHERE failed > 0",
		},
		Down: []string{"DROP INDEX IF EXISTS idx_run_records_failed"},
	},
}

func MigrationSource() *migrate.MemoryMigrationSource {
	return &migrate.MemoryMigrationSource{Migrations: RunRecordMigrations}
}
