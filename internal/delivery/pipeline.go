// Package delivery runs one fetch-and-notify cycle per due feed and applies
// the recovery policy for failed sends.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"telefeed/internal/channel"
	"telefeed/internal/domain"
)

const (
	defaultDownThreshold = 5 * 24 * time.Hour
	defaultMaxAttempts   = 3
)

type Store interface {
	Update(ctx context.Context, link string, fetched domain.FetchedFeed) []domain.Update
	Feed(link string) (domain.Feed, bool)
	GetOrUpdateDownTime(ctx context.Context, link string) (time.Duration, bool)
	ResetDownTime(ctx context.Context, link string) bool
	DeleteSubscriber(ctx context.Context, subscriber int64) bool
	MigrateSubscriber(ctx context.Context, from, to int64) bool
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (domain.FetchedFeed, error)
}

type Option func(*Pipeline)

// WithSleep replaces the wait used before retrying a rate-limited send.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) {
		p.sleep = sleep
	}
}

func WithDownThreshold(d time.Duration) Option {
	return func(p *Pipeline) {
		p.downThreshold = d
	}
}

type Pipeline struct {
	store         Store
	fetcher       Fetcher
	sender        channel.Sender
	log           *slog.Logger
	downThreshold time.Duration
	maxAttempts   int
	sleep         func(ctx context.Context, d time.Duration) error
}

func New(store Store, fetcher Fetcher, sender channel.Sender, log *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:         store,
		fetcher:       fetcher,
		sender:        sender,
		log:           log,
		downThreshold: defaultDownThreshold,
		maxAttempts:   defaultMaxAttempts,
		sleep:         sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Run fetches feed, records the changes and notifies every subscriber. A
// feed that disappears mid-cycle ends the cycle without error.
func (p *Pipeline) Run(ctx context.Context, feed domain.Feed) error {
	fetched, err := p.fetcher.Fetch(ctx, feed.Link)
	if err != nil {
		return p.handleFetchError(ctx, feed, err)
	}

	updates := p.store.Update(ctx, feed.Link, fetched)
	if len(updates) == 0 {
		return nil
	}

	current, ok := p.store.Feed(feed.Link)
	if !ok {
		return nil
	}

	c := p.newCycle(current)
	for _, update := range updates {
		switch update.Kind {
		case domain.UpdateItems:
			err = c.pushItems(ctx, update.Items)
		case domain.UpdateTitle:
			err = c.pushNotice(ctx, renameNotice(feed, update.Title))
		}
		if err != nil {
			return fmt.Errorf("push updates of %s: %w", feed.Link, err)
		}
	}

	p.log.DebugContext(ctx, "Feed updates are pushed",
		"feedURL", feed.Link,
		"updateCount", len(updates),
		"subscriberCount", len(current.Subscribers))

	return nil
}

func (p *Pipeline) handleFetchError(ctx context.Context, feed domain.Feed, fetchErr error) error {
	down, ok := p.store.GetOrUpdateDownTime(ctx, feed.Link)
	if !ok {
		return nil
	}

	p.log.WarnContext(ctx, "Failed to fetch feed",
		"error", fetchErr,
		"feedURL", feed.Link,
		"downTime", down)

	if down <= p.downThreshold {
		return nil
	}

	p.store.ResetDownTime(ctx, feed.Link)

	current, ok := p.store.Feed(feed.Link)
	if !ok {
		return nil
	}

	p.log.InfoContext(ctx, "Feed is reported as broken",
		"feedURL", feed.Link,
		"subscriberCount", len(current.Subscribers))

	if err := p.newCycle(current).pushNotice(ctx, brokenNotice(current, p.downThreshold, fetchErr)); err != nil {
		return fmt.Errorf("push broken notice of %s: %w", feed.Link, err)
	}

	return nil
}

// cycle tracks subscribers renumbered or removed by earlier sends so later
// messages of the same cycle follow them.
type cycle struct {
	p       *Pipeline
	feed    domain.Feed
	renamed map[int64]int64
	gone    map[int64]struct{}
}

func (p *Pipeline) newCycle(feed domain.Feed) *cycle {
	return &cycle{
		p:       p,
		feed:    feed,
		renamed: make(map[int64]int64),
		gone:    make(map[int64]struct{}),
	}
}

func (c *cycle) pushItems(ctx context.Context, items []domain.Item) error {
	var (
		order  []domain.Preferences
		groups = make(map[domain.Preferences][]int64)
	)
	for _, subscriber := range c.feed.SubscriberIDs() {
		prefs := c.feed.Settings[subscriber].Resolved()
		if _, ok := groups[prefs]; !ok {
			order = append(order, prefs)
		}
		groups[prefs] = append(groups[prefs], subscriber)
	}

	for _, prefs := range order {
		for _, msg := range formatItems(c.feed, items, prefs) {
			for _, subscriber := range groups[prefs] {
				if err := c.send(ctx, subscriber, msg); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (c *cycle) pushNotice(ctx context.Context, text string) error {
	for _, subscriber := range c.feed.SubscriberIDs() {
		msg := channel.Message{
			Text:           text,
			DisablePreview: c.feed.Settings[subscriber].Resolved().DisablePreview,
		}
		if err := c.send(ctx, subscriber, msg); err != nil {
			return err
		}
	}

	return nil
}

type sendState struct {
	target  int64
	attempt int
}

func (c *cycle) send(ctx context.Context, subscriber int64, msg channel.Message) error {
	state := sendState{target: c.resolve(subscriber)}
	if _, ok := c.gone[state.target]; ok {
		return nil
	}

	var lastErr error
	for ; state.attempt < c.p.maxAttempts; state.attempt++ {
		_, err := c.p.sender.Send(ctx, state.target, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		var (
			migrated *channel.MigratedError
			limited  *channel.RateLimitedError
		)
		switch {
		case errors.Is(err, channel.ErrUnavailable):
			c.p.store.DeleteSubscriber(ctx, state.target)
			c.gone[state.target] = struct{}{}
			c.p.log.InfoContext(ctx, "Subscriber is removed as unavailable",
				"error", err,
				"subscriberID", state.target,
				"feedURL", c.feed.Link)

			return nil
		case errors.As(err, &migrated):
			c.p.store.MigrateSubscriber(ctx, state.target, migrated.To)
			c.p.log.InfoContext(ctx, "Subscriber is migrated",
				"fromID", state.target,
				"toID", migrated.To,
				"feedURL", c.feed.Link)
			c.renamed[state.target] = migrated.To
			state.target = migrated.To
		case errors.As(err, &limited):
			if waitErr := c.p.sleep(ctx, limited.RetryAfter); waitErr != nil {
				return fmt.Errorf("wait for rate limit: %w", waitErr)
			}
		default:
			return fmt.Errorf("send message to %d: %w", state.target, err)
		}
	}

	return fmt.Errorf("send message to %d after %d attempts: %w", state.target, state.attempt, lastErr)
}

func (c *cycle) resolve(subscriber int64) int64 {
	for range len(c.renamed) {
		next, ok := c.renamed[subscriber]
		if !ok {
			break
		}
		subscriber = next
	}

	return subscriber
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
