package audit

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kfre-risk-server/internal/database"
	"github.com/kfre-risk-server/internal/domain"
)

// Open returns the store selected by cfg: NopStore when auditing is off,
// SQLite by default, or PostgreSQL with migrations applied.
func Open(ctx context.Context, cfg domain.AuditConfig, logger *logrus.Logger) (Store, error) {
	if !cfg.Enabled {
		return NopStore{}, nil
	}

	switch cfg.Driver {
	case "", domain.AuditDriverSQLite:
		return NewSQLiteStore(cfg.DBPath)
	case domain.AuditDriverPostgres:
		return openPostgres(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown audit driver %q", cfg.Driver)
	}
}

func openPostgres(ctx context.Context, cfg domain.AuditConfig, logger *logrus.Logger) (Store, error) {
	runner, err := database.NewMigrationRunner(cfg.PostgresURL, logger)
	if err != nil {
		return nil, err
	}
	if err := runner.Up(ctx); err != nil {
		runner.Close()
		return nil, err
	}
	if err := runner.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close migration runner")
	}

	conn, err := database.NewConnection(ctx, database.Config{
		URL:      cfg.PostgresURL,
		MaxConns: cfg.MaxConns,
	}, logger)
	if err != nil {
		return nil, err
	}

	store, err := NewPostgresStore(ctx, conn.SQL())
	if err != nil {
		conn.Close()
		return nil, err
	}
	store.onClose = conn.Close
	return store, nil
}
