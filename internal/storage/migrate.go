package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	logx "proxybot/pkg/logx"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies pending migrations for cfg's driver on a dedicated
// connection that is closed before returning.
func Migrate(ctx context.Context, cfg Config, log logx.Logger) error {
	cfg = withDefaults(cfg)
	driver, dsn, d, err := resolve(cfg)
	if err != nil {
		return err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("storage: ping %s: %w", d.name(), err)
	}

	var drv database.Driver
	switch d.name() {
	case "sqlite":
		drv, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		drv, err = migratepg.WithInstance(db, &migratepg.Config{})
	}
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("storage: migrate driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+d.name())
	if err != nil {
		_ = db.Close()
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, d.name(), drv)
	if err != nil {
		_ = db.Close()
		return err
	}
	// Close releases the source, the driver and db.
	defer m.Close()

	done := make(chan error, 1)
	go func() { done <- m.Up() }()
	select {
	case <-ctx.Done():
		m.GracefulStop <- true
		<-done
		return ctx.Err()
	case err = <-done:
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("storage: migrate up: %w", err)
	}
	version, dirty, verr := m.Version()
	if verr == nil {
		log.Info("storage migrated", logx.String("driver", d.name()), logx.Int("version", int(version)), logx.Bool("dirty", dirty))
	}
	return nil
}
