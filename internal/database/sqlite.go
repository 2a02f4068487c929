package database

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"telefeed/internal/domain"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // Required by the library implementation.
)

type SQLite struct {
	db  *sql.DB
	log *slog.Logger
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

func NewSQLite(ctx context.Context, dbPath string, log *slog.Logger) (*SQLite, error) {
	dbFile, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open DB file: %w", err)
	}

	if err := migrateUp(ctx, dbFile, dbPath, log); err != nil {
		return nil, errors.Join(err, dbFile.Close())
	}

	return &SQLite{db: dbFile, log: log}, nil
}

func migrateUp(ctx context.Context, dbFile *sql.DB, dbPath string, log *slog.Logger) error {
	dbInstance, err := sqlite3.WithInstance(dbFile, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create DB instance: %w", err)
	}

	srcInstance, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create source instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", srcInstance, "sqlite3", dbInstance)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	migrateErr := m.Up()

	version, dirty, versionErr := m.Version()
	fields := []any{
		"dbPath", dbPath,
	}

	if versionErr == nil {
		fields = append(fields, "version", version, "dirty", dirty)
	} else if !errors.Is(versionErr, migrate.ErrNilVersion) {
		log.WarnContext(ctx, "Failed to fetch migration version",
			"error", versionErr,
			"dbPath", dbPath)
	}

	if migrateErr != nil {
		if !errors.Is(migrateErr, migrate.ErrNoChange) {
			return fmt.Errorf("apply migrations: %w", migrateErr)
		}

		log.InfoContext(ctx, "No migrations to apply", fields...)
	} else {
		log.InfoContext(ctx, "DB is migrated", fields...)
	}

	return nil
}

func (s *SQLite) Load(ctx context.Context) ([]domain.Feed, error) {
	feeds, index, err := s.loadFeeds(ctx)
	if err != nil {
		return nil, err
	}

	query := "select feed_link, subscriber_id, settings from subscriptions order by feed_link, subscriber_id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			link       string
			subscriber int64
			settings   sql.NullString
		)
		if err := rows.Scan(&link, &subscriber, &settings); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}

		i, ok := index[link]
		if !ok {
			s.log.WarnContext(ctx, "Skipping subscription of unknown feed",
				"feedURL", link,
				"subscriberID", subscriber)

			continue
		}

		feed := &feeds[i]
		feed.Subscribers[subscriber] = struct{}{}

		// NULL settings mark a row written before settings existed.
		if !settings.Valid {
			continue
		}

		var fs domain.FeedSettings
		if err := json.Unmarshal([]byte(settings.String), &fs); err != nil {
			return nil, fmt.Errorf("decode settings of %d for %s: %w", subscriber, link, err)
		}
		if feed.Settings == nil {
			feed.Settings = make(map[int64]domain.FeedSettings)
		}
		feed.Settings[subscriber] = fs
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}

	return feeds, nil
}

func (s *SQLite) loadFeeds(ctx context.Context) ([]domain.Feed, map[string]int, error) {
	query := "select link, title, down_since, ttl, hash_list from feeds order by link"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("query feeds: %w", err)
	}
	defer rows.Close()

	var feeds []domain.Feed
	index := make(map[string]int)

	for rows.Next() {
		var (
			feed      domain.Feed
			downSince sql.NullInt64
			ttl       sql.NullInt64
			hashList  []byte
		)
		if err := rows.Scan(&feed.Link, &feed.Title, &downSince, &ttl, &hashList); err != nil {
			return nil, nil, fmt.Errorf("scan feed: %w", err)
		}

		if downSince.Valid {
			feed.DownSince = time.Unix(0, downSince.Int64)
		}
		feed.TTL = int(ttl.Int64)
		feed.HashList = decodeHashList(hashList)
		feed.Subscribers = make(map[int64]struct{})

		index[feed.Link] = len(feeds)
		feeds = append(feeds, feed)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate feeds: %w", err)
	}

	return feeds, index, nil
}

// Save replaces the stored snapshot in one transaction.
func (s *SQLite) Save(ctx context.Context, feeds []domain.Feed) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := replaceSnapshot(ctx, tx, feeds); err != nil {
		return errors.Join(err, tx.Rollback())
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func replaceSnapshot(ctx context.Context, tx *sql.Tx, feeds []domain.Feed) error {
	if _, err := tx.ExecContext(ctx, "delete from subscriptions"); err != nil {
		return fmt.Errorf("clear subscriptions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "delete from feeds"); err != nil {
		return fmt.Errorf("clear feeds: %w", err)
	}

	insertFeed, err := tx.PrepareContext(ctx,
		"insert into feeds (link, title, down_since, ttl, hash_list) values (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare feed insert: %w", err)
	}
	defer insertFeed.Close()

	insertSubscription, err := tx.PrepareContext(ctx,
		"insert into subscriptions (feed_link, subscriber_id, settings) values (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare subscription insert: %w", err)
	}
	defer insertSubscription.Close()

	for _, feed := range feeds {
		var downSince, ttl sql.NullInt64
		if !feed.DownSince.IsZero() {
			downSince = sql.NullInt64{Int64: feed.DownSince.UnixNano(), Valid: true}
		}
		if feed.TTL > 0 {
			ttl = sql.NullInt64{Int64: int64(feed.TTL), Valid: true}
		}

		_, err := insertFeed.ExecContext(ctx,
			feed.Link, feed.Title, downSince, ttl, encodeHashList(feed.HashList))
		if err != nil {
			return fmt.Errorf("insert feed %s: %w", feed.Link, err)
		}

		for _, subscriber := range feed.SubscriberIDs() {
			var settings sql.NullString
			if fs, ok := feed.Settings[subscriber]; ok {
				raw, err := json.Marshal(fs)
				if err != nil {
					return fmt.Errorf("encode settings of %d: %w", subscriber, err)
				}
				settings = sql.NullString{String: string(raw), Valid: true}
			}

			if _, err := insertSubscription.ExecContext(ctx, feed.Link, subscriber, settings); err != nil {
				return fmt.Errorf("insert subscription %d to %s: %w", subscriber, feed.Link, err)
			}
		}
	}

	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func encodeHashList(hashes []uint64) []byte {
	buf := make([]byte, 0, len(hashes)*8)
	for _, h := range hashes {
		buf = binary.LittleEndian.AppendUint64(buf, h)
	}

	return buf
}

func decodeHashList(buf []byte) []uint64 {
	hashes := make([]uint64, 0, len(buf)/8)
	for len(buf) >= 8 {
		hashes = append(hashes, binary.LittleEndian.Uint64(buf))
		buf = buf[8:]
	}

	return hashes
}
