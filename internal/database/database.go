// Package database persists the feed set, either in SQLite or in a single
// JSON document rewritten on every save.
package database

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"telefeed/internal/domain"
)

// Database is a full-snapshot store for the feed set.
type Database interface {
	Load(ctx context.Context) ([]domain.Feed, error)
	Save(ctx context.Context, feeds []domain.Feed) error
	Close() error
}

// Open picks the backend from the file extension: .json selects the JSON
// document, anything else SQLite.
func Open(ctx context.Context, dbPath string, log *slog.Logger) (Database, error) {
	if strings.EqualFold(filepath.Ext(dbPath), ".json") {
		log.InfoContext(ctx, "Using JSON file storage", "dbPath", dbPath)

		return NewJSONFile(dbPath), nil
	}

	return NewSQLite(ctx, dbPath, log)
}
