// Package migrate 基于 golang-migrate 的数据库迁移
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// Migrator 迁移器
type Migrator struct {
	db          *sql.DB
	log         *zap.Logger
	serviceName string
}

// NewMigrator 创建迁移器。迁移结束后 db 会被关闭，调用方应传入专用连接
func NewMigrator(db *sql.DB, serviceName string, log *zap.Logger) *Migrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Migrator{
		db:          db,
		log:         log,
		serviceName: serviceName,
	}
}

func (m *Migrator) open(migrationsFS fs.FS, path string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, path)
	if err != nil {
		return nil, fmt.Errorf("create migration source failed: %w", err)
	}

	driver, err := postgres.WithInstance(m.db, &postgres.Config{
		MigrationsTable: m.serviceName + "_schema_migrations",
	})
	if err != nil {
		return nil, fmt.Errorf("create postgres driver failed: %w", err)
	}

	mg, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator failed: %w", err)
	}
	return mg, nil
}

// Up 执行所有未应用的迁移
func (m *Migrator) Up(migrationsFS fs.FS, path string) error {
	m.log.Info("starting auto migration",
		zap.String("service", m.serviceName),
		zap.String("path", path))

	mg, err := m.open(migrationsFS, path)
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.log.Info("no new migrations to apply", zap.String("service", m.serviceName))
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("get migration version failed: %w", err)
	}

	m.log.Info("auto migration completed",
		zap.String("service", m.serviceName),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}
