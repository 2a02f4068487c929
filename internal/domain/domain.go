package domain

import (
	"hash/fnv"
	"maps"
	"slices"
	"time"

	"github.com/samber/lo"
)

// FeedID is derived from the feed URL and is never shown to users.
type FeedID uint64

// Item is a single entry of a fetched feed. Empty fields are absent.
type Item struct {
	ID    string
	Title string
	Link  string
}

// FetchedFeed is the normalized result of pulling a remote document.
type FetchedFeed struct {
	Title string
	Link  string
	// TTL is the publisher's refresh hint in minutes, 0 when absent.
	TTL   int
	Items []Item
}

// Feed is the stored state of a subscribed feed.
type Feed struct {
	Link        string
	Title       string
	DownSince   time.Time
	TTL         int
	Subscribers map[int64]struct{}
	HashList    []uint64
	// Settings is nil only for records written before per-subscriber settings existed.
	Settings map[int64]FeedSettings
}

func (f *Feed) ID() FeedID {
	return FeedIDFor(f.Link)
}

func (f *Feed) SubscriberIDs() []int64 {
	ids := lo.Keys(f.Subscribers)
	slices.Sort(ids)

	return ids
}

// Clone returns a deep copy safe to hand out of the store lock.
func (f *Feed) Clone() Feed {
	c := *f
	c.Subscribers = maps.Clone(f.Subscribers)
	c.HashList = slices.Clone(f.HashList)
	if f.Settings != nil {
		c.Settings = maps.Clone(f.Settings)
	}

	return c
}

type UpdateKind int

const (
	UpdateItems UpdateKind = iota + 1
	UpdateTitle
)

// Update is one change detected between the stored and the fetched feed.
type Update struct {
	Kind UpdateKind
	// Items holds the new items for UpdateItems, in fetch order.
	Items []Item
	// Title holds the new title for UpdateTitle.
	Title string
}

func FeedIDFor(link string) FeedID {
	return FeedID(hashString(link))
}

// ItemHash identifies an item by its stable id, falling back to title+link.
func ItemHash(item Item) uint64 {
	if item.ID != "" {
		return hashString(item.ID)
	}

	return hashString(item.Title + item.Link)
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))

	return h.Sum64()
}
