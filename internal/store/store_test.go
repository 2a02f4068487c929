package store_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"telefeed/internal/domain"
	"telefeed/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const feedURL = "https://a/feed.xml"

type memPersister struct {
	mu      sync.Mutex
	feeds   []domain.Feed
	saves   int
	saveErr error
}

func (m *memPersister) Load(context.Context) ([]domain.Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.feeds, nil
}

func (m *memPersister) Save(_ context.Context, feeds []domain.Feed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.feeds = feeds

	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T, p *memPersister, opts ...store.Option) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), p, discardLogger(), opts...)
	require.NoError(t, err)

	return s
}

func items(ids ...string) []domain.Item {
	out := make([]domain.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Item{ID: id})
	}

	return out
}

func TestSubscribeSeedsHashListAndUpdateReportsOnlyNewItems(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	s := openStore(t, p)

	ok := s.Subscribe(ctx, 42, feedURL, domain.FetchedFeed{Title: "A", Items: items("1", "2")})
	require.True(t, ok)

	feed, ok := s.Feed(feedURL)
	require.True(t, ok)
	assert.Len(t, feed.HashList, 2)

	updates := s.Update(ctx, feedURL, domain.FetchedFeed{Title: "A", Items: items("1", "2", "3")})
	require.Len(t, updates, 1)
	assert.Equal(t, domain.UpdateItems, updates[0].Kind)
	assert.Equal(t, items("3"), updates[0].Items)

	feed, _ = s.Feed(feedURL)
	assert.Len(t, feed.HashList, 3)
	for _, item := range items("1", "2", "3") {
		assert.Contains(t, feed.HashList, domain.ItemHash(item))
	}
}

func TestSubscribeTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	s := openStore(t, p)

	require.True(t, s.Subscribe(ctx, 1, feedURL, domain.FetchedFeed{Items: items("1")}))
	saves := p.saves

	assert.False(t, s.Subscribe(ctx, 1, feedURL, domain.FetchedFeed{Items: items("1")}))
	assert.Equal(t, saves, p.saves)
}

func TestUpdateIsIdempotentOnRepeatedInput(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, &memPersister{})
	require.True(t, s.Subscribe(ctx, 1, feedURL, domain.FetchedFeed{Title: "A", Items: items("1")}))

	fetched := domain.FetchedFeed{Title: "A", Items: items("1", "2", "3", "4")}

	first := s.Update(ctx, feedURL, fetched)
	require.Len(t, first, 1)
	assert.Len(t, first[0].Items, 3)

	assert.Empty(t, s.Update(ctx, feedURL, fetched))
}

func TestUpdateCapsHashList(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, &memPersister{})
	require.True(t, s.Subscribe(ctx, 1, feedURL, domain.FetchedFeed{
		Items: items("1", "2", "3", "4", "5", "6", "7", "8"),
	}))

	updates := s.Update(ctx, feedURL, domain.FetchedFeed{Items: items("9", "10")})
	require.Len(t, updates, 1)
	assert.Equal(t, items("9", "10"), updates[0].Items)

	feed, _ := s.Feed(feedURL)
	require.Len(t, feed.HashList, 4)
	assert.Equal(t, domain.ItemHash(domain.Item{ID: "9"}), feed.HashList[0])
	assert.Equal(t, domain.ItemHash(domain.Item{ID: "10"}), feed.HashList[1])
	assert.Equal(t, domain.ItemHash(domain.Item{ID: "1"}), feed.HashList[2])

	// Still inside the window.
	assert.Empty(t, s.Update(ctx, feedURL, domain.FetchedFeed{Items: items("9", "10")}))
}

func TestUpdateDeduplicatesWithinOneFetch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, &memPersister{})
	require.True(t, s.Subscribe(ctx, 1, feedURL, domain.FetchedFeed{}))

	updates := s.Update(ctx, feedURL, domain.FetchedFeed{Items: items("x", "x", "y")})
	require.Len(t, updates, 1)
	assert.Equal(t, items("x", "y"), updates[0].Items)
}

func TestUpdateEmptyFetchKeepsHistory(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, &memPersister{})
	require.True(t, s.Subscribe(ctx, 1, feedURL, domain.FetchedFeed{Items: items("1", "2")}))

	assert.Empty(t, s.Update(ctx, feedURL, domain.FetchedFeed{}))
	assert.Empty(t, s.Update(ctx, feedURL, domain.FetchedFeed{Items: items("1", "2")}))
}

func TestUpdateReportsTitleAndRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	s := openStore(t, p)
	require.True(t, s.Subscribe(ctx, 1, feedURL, domain.FetchedFeed{Title: "Old", TTL: 10, Items: items("1")}))

	saves := p.saves
	updates := s.Update(ctx, feedURL, domain.FetchedFeed{Title: "New", Items: items("1")})
	require.Len(t, updates, 1)
	assert.Equal(t, domain.Update{Kind: domain.UpdateTitle, Title: "New"}, updates[0])

	feed, _ := s.Feed(feedURL)
	assert.Equal(t, "New", feed.Title)
	assert.Zero(t, feed.TTL)
	assert.Equal(t, saves+1, p.saves)
}

func TestUpdateUnknownFeed(t *testing.T) {
	s := openStore(t, &memPersister{})

	assert.Nil(t, s.Update(context.Background(), feedURL, domain.FetchedFeed{Items: items("1")}))
}

func TestUnsubscribeDropsEmptyFeed(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, &memPersister{})
	require.True(t, s.Subscribe(ctx, 1, feedURL, domain.FetchedFeed{Title: "A"}))
	require.True(t, s.Subscribe(ctx, 2, feedURL, domain.FetchedFeed{Title: "A"}))

	snapshot, ok := s.Unsubscribe(ctx, 1, feedURL)
	require.True(t, ok)
	assert.Equal(t, []int64{2}, snapshot.SubscriberIDs())
	assert.Equal(t, 1, s.FeedCount())

	snapshot, ok = s.Unsubscribe(ctx, 2, feedURL)
	require.True(t, ok)
	assert.Empty(t, snapshot.Subscribers)
	assert.Equal(t, 0, s.FeedCount())

	_, ok = s.Unsubscribe(ctx, 2, feedURL)
	assert.False(t, ok)

	_, ok = s.SubscribedFeeds(2)
	assert.False(t, ok)
}

func TestDeleteSubscriber(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, &memPersister{})
	require.True(t, s.Subscribe(ctx, 1, "https://a", domain.FetchedFeed{}))
	require.True(t, s.Subscribe(ctx, 1, "https://b", domain.FetchedFeed{}))
	require.True(t, s.Subscribe(ctx, 2, "https://b", domain.FetchedFeed{}))

	assert.True(t, s.DeleteSubscriber(ctx, 1))
	assert.False(t, s.DeleteSubscriber(ctx, 1))

	assert.Equal(t, 1, s.FeedCount())
	assert.False(t, s.IsSubscribed(1, "https://b"))
	assert.True(t, s.IsSubscribed(2, "https://b"))
}

func TestMigrateSubscriberKeepsSettings(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, &memPersister{})
	links := []string{"https://a", "https://b"}
	for _, link := range links {
		require.True(t, s.Subscribe(ctx, 7, link, domain.FetchedFeed{}))
	}

	var custom domain.FeedSettings
	require.NoError(t, custom.Set("link_only", "true"))
	require.True(t, s.UpdateSetting(ctx, 7, "https://a", custom))

	before := make(map[string]domain.FeedSettings)
	for _, link := range links {
		setting, ok := s.GetSetting(7, link)
		require.True(t, ok)
		before[link] = setting
	}

	require.True(t, s.MigrateSubscriber(ctx, 7, 9001))

	for _, link := range links {
		setting, ok := s.GetSetting(9001, link)
		require.True(t, ok)
		assert.Equal(t, before[link], setting)

		_, ok = s.GetSetting(7, link)
		assert.False(t, ok)
		assert.False(t, s.IsSubscribed(7, link))
	}

	_, ok := s.SubscribedFeeds(7)
	assert.False(t, ok)
	assert.False(t, s.MigrateSubscriber(ctx, 7, 9001))
}

func TestMigrateSubscriberOntoExistingSubscriber(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, &memPersister{})
	require.True(t, s.Subscribe(ctx, 1, feedURL, domain.FetchedFeed{}))
	require.True(t, s.Subscribe(ctx, 2, feedURL, domain.FetchedFeed{}))

	var own domain.FeedSettings
	require.NoError(t, own.Set("hide_rss_title", "true"))
	require.True(t, s.UpdateSetting(ctx, 2, feedURL, own))

	require.True(t, s.MigrateSubscriber(ctx, 1, 2))

	feed, _ := s.Feed(feedURL)
	assert.Equal(t, []int64{2}, feed.SubscriberIDs())
	setting, _ := s.GetSetting(2, feedURL)
	assert.True(t, setting.Resolved().HideTitle)
}

func TestSettingsAreMergedOnReadOnly(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	s := openStore(t, p)
	require.True(t, s.Subscribe(ctx, 1, feedURL, domain.FetchedFeed{}))

	setting, ok := s.GetSetting(1, feedURL)
	require.True(t, ok)
	assert.True(t, setting.Resolved().DisablePreview)

	require.Len(t, p.feeds, 1)
	assert.Equal(t, domain.FeedSettings{}, p.feeds[0].Settings[1])

	assert.False(t, s.UpdateSetting(ctx, 99, feedURL, domain.FeedSettings{}))
	_, ok = s.GetSetting(99, feedURL)
	assert.False(t, ok)
}

func TestDownTime(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := openStore(t, &memPersister{}, store.WithClock(func() time.Time { return now }))
	require.True(t, s.Subscribe(ctx, 1, feedURL, domain.FetchedFeed{}))

	elapsed, ok := s.GetOrUpdateDownTime(ctx, feedURL)
	require.True(t, ok)
	assert.Zero(t, elapsed)

	now = now.Add(time.Hour)
	elapsed, ok = s.GetOrUpdateDownTime(ctx, feedURL)
	require.True(t, ok)
	assert.Equal(t, time.Hour, elapsed)

	require.True(t, s.ResetDownTime(ctx, feedURL))
	elapsed, _ = s.GetOrUpdateDownTime(ctx, feedURL)
	assert.Zero(t, elapsed)

	now = now.Add(time.Minute)
	s.Update(ctx, feedURL, domain.FetchedFeed{})
	feed, _ := s.Feed(feedURL)
	assert.True(t, feed.DownSince.IsZero())

	_, ok = s.GetOrUpdateDownTime(ctx, "https://gone")
	assert.False(t, ok)
	assert.False(t, s.ResetDownTime(ctx, "https://gone"))
}

func TestOpenUpgradesLegacyRecords(t *testing.T) {
	p := &memPersister{feeds: []domain.Feed{
		{
			Link:        "https://legacy",
			Subscribers: map[int64]struct{}{1: {}, 2: {}},
		},
		{
			Link:        "https://partial",
			Subscribers: map[int64]struct{}{3: {}},
			Settings:    map[int64]domain.FeedSettings{4: {}},
		},
		{
			Link: "https://orphan",
		},
	}}

	s := openStore(t, p)

	assert.Equal(t, 2, s.FeedCount())
	for _, subscriber := range []int64{1, 2} {
		setting, ok := s.GetSetting(subscriber, "https://legacy")
		require.True(t, ok)
		assert.Equal(t, domain.FeedSettings{}.Merge(), setting)
	}

	feed, ok := s.Feed("https://partial")
	require.True(t, ok)
	assert.Len(t, feed.Settings, 1)
	assert.Contains(t, feed.Settings, int64(3))

	feeds, ok := s.SubscribedFeeds(2)
	require.True(t, ok)
	assert.Len(t, feeds, 1)
}

func TestSaveFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{saveErr: errors.New("disk full")}
	s := openStore(t, p)

	assert.True(t, s.Subscribe(ctx, 1, feedURL, domain.FetchedFeed{}))
	assert.True(t, s.IsSubscribed(1, feedURL))
	assert.Equal(t, 1, p.saves)
}

func TestIndexStaysInverseOfSubscriberSets(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, &memPersister{})
	links := []string{"https://a", "https://b", "https://c"}
	subscribers := []int64{1, 2, 3, -100}
	rng := rand.New(rand.NewPCG(1, 2))

	for range 500 {
		subscriber := subscribers[rng.IntN(len(subscribers))]
		link := links[rng.IntN(len(links))]

		switch rng.IntN(4) {
		case 0, 1:
			s.Subscribe(ctx, subscriber, link, domain.FetchedFeed{Items: items("1")})
		case 2:
			s.Unsubscribe(ctx, subscriber, link)
		default:
			s.MigrateSubscriber(ctx, subscriber, subscribers[rng.IntN(len(subscribers))])
		}

		assertConsistent(t, s, subscribers, links)
	}
}

func assertConsistent(t *testing.T, s *store.Store, subscribers []int64, links []string) {
	t.Helper()

	for _, feed := range s.AllFeeds() {
		require.NotEmpty(t, feed.Subscribers, "feed %s has no subscribers", feed.Link)
		require.Len(t, feed.Settings, len(feed.Subscribers))

		for subscriber := range feed.Subscribers {
			require.Contains(t, feed.Settings, subscriber)
			require.True(t, s.IsSubscribed(subscriber, feed.Link))
		}
	}

	for _, subscriber := range subscribers {
		feeds, ok := s.SubscribedFeeds(subscriber)
		if !ok {
			for _, link := range links {
				require.False(t, s.IsSubscribed(subscriber, link))
			}

			continue
		}

		require.NotEmpty(t, feeds)
		for _, feed := range feeds {
			require.Contains(t, feed.Subscribers, subscriber)
		}
	}
}
