package store

import (
	"context"
	"time"

	"telefeed/internal/domain"
)

// Update diffs fetched against the stored feed and records the new state.
// It returns nil when the feed is unknown, which happens when the last
// subscriber left while the fetch was in flight.
func (s *Store) Update(ctx context.Context, link string, fetched domain.FetchedFeed) []domain.Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	feed, ok := s.feeds[domain.FeedIDFor(link)]
	if !ok {
		return nil
	}

	seen := make(map[uint64]struct{}, len(feed.HashList)+len(fetched.Items))
	for _, h := range feed.HashList {
		seen[h] = struct{}{}
	}

	var (
		updates   []domain.Update
		newItems  []domain.Item
		newHashes []uint64
	)
	for _, item := range fetched.Items {
		h := domain.ItemHash(item)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		newItems = append(newItems, item)
		newHashes = append(newHashes, h)
	}

	if len(newItems) > 0 {
		updates = append(updates, domain.Update{Kind: domain.UpdateItems, Items: newItems})
	}

	// An empty document keeps the history, otherwise the cap would wipe it
	// and every item would be announced again once the feed recovers.
	if len(fetched.Items) > 0 {
		feed.HashList = capHashList(newHashes, feed.HashList, 2*len(fetched.Items))
	}

	if fetched.Title != "" && fetched.Title != feed.Title {
		feed.Title = fetched.Title
		updates = append(updates, domain.Update{Kind: domain.UpdateTitle, Title: fetched.Title})
	}

	feed.TTL = fetched.TTL
	feed.DownSince = time.Time{}

	s.saveLocked(ctx, "update feed")

	return updates
}

// capHashList puts fresh hashes first and keeps as many previous ones as fit.
func capHashList(fresh, previous []uint64, limit int) []uint64 {
	list := make([]uint64, 0, limit)
	list = append(list, fresh[:min(len(fresh), limit)]...)

	for _, h := range previous {
		if len(list) >= limit {
			break
		}
		list = append(list, h)
	}

	return list
}

func seedHashList(items []domain.Item) []uint64 {
	seen := make(map[uint64]struct{}, len(items))
	list := make([]uint64, 0, len(items))

	for _, item := range items {
		h := domain.ItemHash(item)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		list = append(list, h)
	}

	return list
}
