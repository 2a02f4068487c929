// Package store keeps every subscribed feed and the subscriber index in
// memory behind one lock and persists the full set after each mutation.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"telefeed/internal/domain"
)

// Persister rewrites or loads the full feed set. Save must be all-or-nothing.
type Persister interface {
	Load(ctx context.Context) ([]domain.Feed, error)
	Save(ctx context.Context, feeds []domain.Feed) error
}

type Option func(*Store)

// WithClock replaces time.Now, used for down-time accounting.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

type Store struct {
	mu          sync.Mutex
	persister   Persister
	feeds       map[domain.FeedID]*domain.Feed
	subscribers map[int64]map[domain.FeedID]struct{}
	now         func() time.Time
	log         *slog.Logger
}

// Open loads the persisted feeds and rebuilds the subscriber index from them.
func Open(ctx context.Context, p Persister, log *slog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		persister:   p,
		feeds:       make(map[domain.FeedID]*domain.Feed),
		subscribers: make(map[int64]map[domain.FeedID]struct{}),
		now:         time.Now,
		log:         log,
	}
	for _, opt := range opts {
		opt(s)
	}

	records, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load feeds: %w", err)
	}

	upgraded := 0
	for i := range records {
		feed := records[i]
		if len(feed.Subscribers) == 0 {
			log.WarnContext(ctx, "Skipping stored feed without subscribers",
				"feedURL", feed.Link)

			continue
		}

		if normalizeSettings(&feed) {
			upgraded++
		}

		id := feed.ID()
		for subscriber := range feed.Subscribers {
			s.indexAdd(subscriber, id)
		}
		s.feeds[id] = &feed
	}

	log.InfoContext(ctx, "Feed store is loaded",
		"feedCount", len(s.feeds),
		"subscriberCount", len(s.subscribers),
		"upgradedFeedCount", upgraded)

	return s, nil
}

// normalizeSettings makes the settings keys match the subscriber set,
// synthesizing defaults for legacy records. Reports whether anything changed.
func normalizeSettings(feed *domain.Feed) bool {
	changed := false
	if feed.Settings == nil {
		feed.Settings = make(map[int64]domain.FeedSettings, len(feed.Subscribers))
		changed = true
	}

	for subscriber := range feed.Subscribers {
		if _, ok := feed.Settings[subscriber]; !ok {
			feed.Settings[subscriber] = domain.FeedSettings{}.Merge()
			changed = true
		}
	}

	for subscriber := range feed.Settings {
		if _, ok := feed.Subscribers[subscriber]; !ok {
			delete(feed.Settings, subscriber)
			changed = true
		}
	}

	return changed
}

func (s *Store) AllFeeds() []domain.Feed {
	s.mu.Lock()
	defer s.mu.Unlock()

	feeds := make([]domain.Feed, 0, len(s.feeds))
	for _, feed := range s.feeds {
		feeds = append(feeds, feed.Clone())
	}

	return feeds
}

func (s *Store) FeedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.feeds)
}

// Feed returns a snapshot of the feed stored under link.
func (s *Store) Feed(link string) (domain.Feed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	feed, ok := s.feeds[domain.FeedIDFor(link)]
	if !ok {
		return domain.Feed{}, false
	}

	return feed.Clone(), true
}

func (s *Store) SubscribedFeeds(subscriber int64) ([]domain.Feed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.subscribers[subscriber]
	if !ok {
		return nil, false
	}

	feeds := make([]domain.Feed, 0, len(ids))
	for id := range ids {
		if feed, exists := s.feeds[id]; exists {
			feeds = append(feeds, feed.Clone())
		}
	}

	return feeds, true
}

func (s *Store) IsSubscribed(subscriber int64, link string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.subscribers[subscriber][domain.FeedIDFor(link)]

	return ok
}

// Subscribe adds subscriber to the feed at link, creating the feed from the
// fetched content when it is new. Returns false if already subscribed.
func (s *Store) Subscribe(ctx context.Context, subscriber int64, link string, fetched domain.FetchedFeed) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := domain.FeedIDFor(link)
	if _, ok := s.subscribers[subscriber][id]; ok {
		return false
	}

	feed, ok := s.feeds[id]
	if !ok {
		feed = &domain.Feed{
			Link:        link,
			Title:       fetched.Title,
			TTL:         fetched.TTL,
			Subscribers: make(map[int64]struct{}),
			HashList:    seedHashList(fetched.Items),
			Settings:    make(map[int64]domain.FeedSettings),
		}
		s.feeds[id] = feed
	}

	feed.Subscribers[subscriber] = struct{}{}
	if _, exists := feed.Settings[subscriber]; !exists {
		feed.Settings[subscriber] = domain.FeedSettings{}
	}
	s.indexAdd(subscriber, id)

	s.saveLocked(ctx, "subscribe")

	return true
}

// Unsubscribe removes subscriber from the feed at link and drops the feed when
// nobody is left. It returns the feed as it was at removal time.
func (s *Store) Unsubscribe(ctx context.Context, subscriber int64, link string) (domain.Feed, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	feed, ok := s.unsubscribeLocked(subscriber, domain.FeedIDFor(link))
	if !ok {
		return domain.Feed{}, false
	}

	s.saveLocked(ctx, "unsubscribe")

	return feed, true
}

// DeleteSubscriber unsubscribes subscriber from every feed it holds.
func (s *Store) DeleteSubscriber(ctx context.Context, subscriber int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.subscribers[subscriber]
	if !ok {
		return false
	}

	for id := range ids {
		s.unsubscribeLocked(subscriber, id)
	}

	s.saveLocked(ctx, "delete subscriber")

	return true
}

func (s *Store) unsubscribeLocked(subscriber int64, id domain.FeedID) (domain.Feed, bool) {
	if _, ok := s.subscribers[subscriber][id]; !ok {
		return domain.Feed{}, false
	}
	s.indexRemove(subscriber, id)

	feed, ok := s.feeds[id]
	if !ok {
		return domain.Feed{}, false
	}

	delete(feed.Subscribers, subscriber)
	delete(feed.Settings, subscriber)
	snapshot := feed.Clone()

	if len(feed.Subscribers) == 0 {
		delete(s.feeds, id)
	}

	return snapshot, true
}

// MigrateSubscriber moves every subscription of from to to. When to already
// holds a subscription to the same feed its own settings win.
func (s *Store) MigrateSubscriber(ctx context.Context, from, to int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.subscribers[from]
	if !ok {
		return false
	}
	if from == to {
		return true
	}

	delete(s.subscribers, from)

	for id := range ids {
		feed, exists := s.feeds[id]
		if !exists {
			continue
		}

		setting := feed.Settings[from]
		delete(feed.Subscribers, from)
		delete(feed.Settings, from)

		feed.Subscribers[to] = struct{}{}
		if _, taken := feed.Settings[to]; !taken {
			feed.Settings[to] = setting
		}
		s.indexAdd(to, id)
	}

	s.saveLocked(ctx, "migrate subscriber")

	return true
}

// GetSetting returns the subscriber's settings for link merged with defaults.
func (s *Store) GetSetting(subscriber int64, link string) (domain.FeedSettings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	feed, ok := s.feeds[domain.FeedIDFor(link)]
	if !ok {
		return domain.FeedSettings{}, false
	}

	setting, ok := feed.Settings[subscriber]
	if !ok {
		return domain.FeedSettings{}, false
	}

	return setting.Merge(), true
}

// UpdateSetting overwrites the raw stored settings of a current subscriber.
func (s *Store) UpdateSetting(ctx context.Context, subscriber int64, link string, settings domain.FeedSettings) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	feed, ok := s.feeds[domain.FeedIDFor(link)]
	if !ok {
		return false
	}
	if _, subscribed := feed.Subscribers[subscriber]; !subscribed {
		return false
	}

	feed.Settings[subscriber] = settings

	s.saveLocked(ctx, "update setting")

	return true
}

// GetOrUpdateDownTime stamps the first failure of a feed and reports how long
// it has been failing. It returns false when the feed no longer exists.
func (s *Store) GetOrUpdateDownTime(ctx context.Context, link string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	feed, ok := s.feeds[domain.FeedIDFor(link)]
	if !ok {
		return 0, false
	}

	now := s.now()
	if !feed.DownSince.IsZero() {
		return max(now.Sub(feed.DownSince), 0), true
	}

	feed.DownSince = now
	s.saveLocked(ctx, "stamp down time")

	return 0, true
}

func (s *Store) ResetDownTime(ctx context.Context, link string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	feed, ok := s.feeds[domain.FeedIDFor(link)]
	if !ok {
		return false
	}

	if !feed.DownSince.IsZero() {
		feed.DownSince = time.Time{}
		s.saveLocked(ctx, "reset down time")
	}

	return true
}

func (s *Store) indexAdd(subscriber int64, id domain.FeedID) {
	ids, ok := s.subscribers[subscriber]
	if !ok {
		ids = make(map[domain.FeedID]struct{})
		s.subscribers[subscriber] = ids
	}
	ids[id] = struct{}{}
}

func (s *Store) indexRemove(subscriber int64, id domain.FeedID) {
	ids, ok := s.subscribers[subscriber]
	if !ok {
		return
	}

	delete(ids, id)
	if len(ids) == 0 {
		delete(s.subscribers, subscriber)
	}
}

// saveLocked persists the full feed set. Failures are logged, not returned,
// so a transient disk problem never aborts the in-memory mutation.
func (s *Store) saveLocked(ctx context.Context, operation string) {
	feeds := make([]domain.Feed, 0, len(s.feeds))
	for _, feed := range s.feeds {
		feeds = append(feeds, feed.Clone())
	}

	if err := s.persister.Save(ctx, feeds); err != nil {
		s.log.ErrorContext(ctx, "Failed to persist feeds",
			"error", err,
			"operation", operation,
			"feedCount", len(feeds))
	}
}
