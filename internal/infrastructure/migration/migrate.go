package migration

import (
	"errors"
	"fmt"

	"possync/internal/app/server/config"

	"github.com/golang-migrate/migrate/v4"
	// Драйвер PostgreSQL и файловый источник регистрируются через blank import
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrator интерфейс самой библиотеки migrate.Migrate
type Migrator interface {
	Up() error
	Down() error
	Close() (error, error)
}

// MigrationEngine фабрика мигратора, подменяется в тестах
type MigrationEngine func(sourceURL, databaseURL string) (Migrator, error)

type Migration struct {
	cfg    *config.DBConfig
	engine MigrationEngine
}

func NewMigration(cfg *config.DBConfig, engine MigrationEngine) *Migration {
	if engine == nil {
		engine = DefaultEngine
	}
	return &Migration{
		cfg:    cfg,
		engine: engine,
	}
}

// DefaultEngine реальная реализация
func DefaultEngine(sourceURL, databaseURL string) (Migrator, error) {
	return migrate.New(sourceURL, databaseURL)
}

// Up применяет все новые миграции схемы синхронизации
func (mg *Migration) Up() error {
	return mg.run(func(m Migrator) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration up: %w", err)
		}
		return nil
	})
}

// Down откатывает схему целиком
func (mg *Migration) Down() error {
	return mg.run(func(m Migrator) error {
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration down: %w", err)
		}
		return nil
	})
}

func (mg *Migration) run(step func(m Migrator) error) (err error) {
	m, err := mg.engine("file://"+mg.cfg.Migrations, mg.cfg.DatabaseURI)
	if err != nil {
		return err
	}
	defer func() {
		serr, dberr := m.Close()
		if serr != nil {
			if err != nil {
				err = fmt.Errorf("%w; migration source error: %v", err, serr)
			} else {
				err = serr
			}
		}
		if dberr != nil {
			if err != nil {
				err = fmt.Errorf("%w; migration database error: %v", err, dberr)
			} else {
				err = dberr
			}
		}
	}()

	return step(m)
}
