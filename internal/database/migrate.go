// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
// マイグレーションSQLはバイナリに埋め込んだものを使う。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// closeMigrator はsourceとdatabaseの両方を閉じ、database側のエラーを優先して返す。
func closeMigrator(m *migrate.Migrate) error {
	srcErr, dbErr := m.Close()
	if dbErr != nil {
		return dbErr
	}
	return srcErr
}

// RunMigrations はすべての未適用マイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(databaseURL string) (err error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeMigrator(m); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close migrator: %w", cerr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RollbackMigration は最新のマイグレーションを1つだけ戻す。
// 適用済みのマイグレーションがない場合はエラーなしで返る。
func RollbackMigration(databaseURL string) (err error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeMigrator(m); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close migrator: %w", cerr)
		}
	}()

	if _, _, err := m.Version(); errors.Is(err, migrate.ErrNilVersion) {
		return nil
	}

	if err := m.Steps(-1); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}

	return nil
}

// MigrationVersion は現在のスキーマバージョンとdirtyフラグを返す。
// 未適用の場合はversion 0を返す。
func MigrationVersion(databaseURL string) (version uint, dirty bool, err error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		if cerr := closeMigrator(m); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close migrator: %w", cerr)
		}
	}()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}
