package database

import (
	"os"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/Ramsey-B/yarrow/config"
	"github.com/Ramsey-B/yarrow/pkg/errors"
)

// MigrationLogger adapts the structured logger to migrate's Logger contract.
type MigrationLogger struct {
	ectologger.Logger
}

func (l MigrationLogger) Verbose() bool {
	return true
}

func (l MigrationLogger) Printf(format string, v ...any) {
	l.Infof(format, v...)
}

// MigrationService applies the SQL migrations under the configured folder.
type MigrationService struct {
	config config.Config
	logger ectologger.Logger
}

func NewMigrationService(cfg config.Config, logger ectologger.Logger) *MigrationService {
	return &MigrationService{
		config: cfg,
		logger: logger,
	}
}

func (ms *MigrationService) resolveMigrationFolder() string {
	folder := ms.config.DatabaseMigrationFolderPath
	if _, err := os.Stat(folder); err == nil {
		return folder
	}
	workingDirectory, _ := os.Getwd()
	if !strings.HasSuffix(workingDirectory, "/") {
		workingDirectory += "/"
	}
	return workingDirectory + folder
}

// Migrate brings the schema to the configured version, or the latest when no
// version is pinned.
func (ms *MigrationService) Migrate(db DB) error {
	folder := ms.resolveMigrationFolder()
	if _, err := os.Stat(folder); err != nil {
		return errors.NewSetupError("migration folder '%s' does not exist: %w", folder, err)
	}

	driver, err := postgres.WithInstance(db.Unsafe().DB, &postgres.Config{})
	if err != nil {
		return errors.NewBackendError("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, ms.config.DatabaseName, driver)
	if err != nil {
		return errors.NewSetupError("failed to create migrate instance: %w", err)
	}
	m.Log = MigrationLogger{Logger: ms.logger}

	return ms.runMigration(m)
}

func (ms *MigrationService) runMigration(m *migrate.Migrate) error {
	if ms.config.DatabaseMigrationForce != 0 {
		if err := m.Force(ms.config.DatabaseMigrationForce); err != nil {
			return errors.NewSetupError("failed to force schema to version %d: %w",
				ms.config.DatabaseMigrationForce, err)
		}
	}

	previous, _, versionErr := m.Version()
	if versionErr != nil {
		previous = 0
	}

	start := time.Now()
	var migrationErr error
	if ms.config.DatabaseMigrationVersion != 0 {
		migrationErr = m.Migrate(uint(ms.config.DatabaseMigrationVersion))
	} else {
		migrationErr = m.Up()
	}
	ms.logger.Infof("Database migrations completed in %v", time.Since(start))

	return ms.handleMigrationError(m, migrationErr, previous)
}

func (ms *MigrationService) handleMigrationError(m *migrate.Migrate, err error, previous uint) error {
	if err == nil {
		ms.logger.Info("Successfully applied migrations")
		return nil
	}
	if err == migrate.ErrNoChange {
		ms.logger.Info("No new migrations to apply")
		return nil
	}

	version, dirty, versionErr := m.Version()
	if versionErr == nil && dirty && ms.config.DatabaseMigrationAutoRollback {
		if previous == 0 && version > 0 {
			previous = version - 1
		}
		ms.logger.Warnf("Database is dirty at version %d, reverting to version %d", version, previous)
		if forceErr := m.Force(int(previous)); forceErr != nil {
			return errors.NewSetupError("failed to revert schema to version %d: %w", previous, forceErr)
		}
	}
	return errors.NewSetupError("failed to apply migrations: %w", err)
}
