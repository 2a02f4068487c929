package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"telefeed/internal/domain"

	"github.com/samber/lo"
)

// JSONFile keeps the feed set as one JSON array in the legacy state file
// layout.
type JSONFile struct {
	path string
}

func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

type jsonFeed struct {
	Link        string                        `json:"link"`
	Title       string                        `json:"title"`
	DownTime    *systemTime                   `json:"down_time"`
	Subscribers []int64                       `json:"subscribers"`
	TTL         *int                          `json:"ttl"`
	HashList    []uint64                      `json:"hash_list"`
	Settings    map[int64]domain.FeedSettings `json:"settings"`
}

type systemTime struct {
	Secs  int64 `json:"secs_since_epoch"`
	Nanos int64 `json:"nanos_since_epoch"`
}

// Load returns no feeds when the file does not exist yet.
func (j *JSONFile) Load(_ context.Context) ([]domain.Feed, error) {
	raw, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", j.path, err)
	}

	var records []jsonFeed
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", j.path, err)
	}

	return lo.Map(records, func(record jsonFeed, _ int) domain.Feed {
		return record.toDomain()
	}), nil
}

// Save writes a temporary file next to the target and renames it over the
// target, so readers see either the old or the new snapshot.
func (j *JSONFile) Save(_ context.Context, feeds []domain.Feed) error {
	records := lo.Map(feeds, func(feed domain.Feed, _ int) jsonFeed {
		return fromDomain(feed)
	})

	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode feeds: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.path), filepath.Base(j.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if err := writeAndSync(tmp, raw); err != nil {
		return errors.Join(err, os.Remove(tmp.Name()))
	}

	if err := os.Rename(tmp.Name(), j.path); err != nil {
		return errors.Join(fmt.Errorf("replace %s: %w", j.path, err), os.Remove(tmp.Name()))
	}

	return nil
}

func (j *JSONFile) Close() error {
	return nil
}

func writeAndSync(f *os.File, raw []byte) error {
	if _, err := f.Write(raw); err != nil {
		return errors.Join(fmt.Errorf("write temp file: %w", err), f.Close())
	}
	if err := f.Sync(); err != nil {
		return errors.Join(fmt.Errorf("sync temp file: %w", err), f.Close())
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return nil
}

func (r jsonFeed) toDomain() domain.Feed {
	feed := domain.Feed{
		Link:        r.Link,
		Title:       r.Title,
		HashList:    r.HashList,
		Subscribers: make(map[int64]struct{}, len(r.Subscribers)),
	}
	if r.DownTime != nil {
		feed.DownSince = time.Unix(r.DownTime.Secs, r.DownTime.Nanos)
	}
	if r.TTL != nil {
		feed.TTL = *r.TTL
	}
	for _, subscriber := range r.Subscribers {
		feed.Subscribers[subscriber] = struct{}{}
	}

	// A missing settings map marks a legacy record and stays nil.
	feed.Settings = r.Settings

	return feed
}

func fromDomain(feed domain.Feed) jsonFeed {
	record := jsonFeed{
		Link:        feed.Link,
		Title:       feed.Title,
		Subscribers: feed.SubscriberIDs(),
		HashList:    feed.HashList,
	}
	if record.HashList == nil {
		record.HashList = []uint64{}
	}
	if !feed.DownSince.IsZero() {
		record.DownTime = &systemTime{
			Secs:  feed.DownSince.Unix(),
			Nanos: int64(feed.DownSince.Nanosecond()),
		}
	}
	if feed.TTL > 0 {
		ttl := feed.TTL
		record.TTL = &ttl
	}
	record.Settings = feed.Settings

	return record
}
