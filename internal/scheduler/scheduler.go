// Package scheduler decides when each stored feed is fetched again and runs
// the fetch cycles with bounded concurrency.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"telefeed/internal/domain"
	"telefeed/internal/throttle"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

const cycleTimeout = 10 * time.Minute

// Runner performs one fetch-and-notify cycle for a due feed.
type Runner interface {
	Run(ctx context.Context, feed domain.Feed) error
}

type FeedLister interface {
	AllFeeds() []domain.Feed
}

type Config struct {
	MinInterval   time.Duration
	MaxInterval   time.Duration
	MaxConcurrent int64
}

type Option func(*Scheduler)

// WithThrottle replaces the throttle built from the minimum interval.
func WithThrottle(t *throttle.Throttle) Option {
	return func(s *Scheduler) {
		s.throttle = t
	}
}

type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
	cfg    Config

	queue    *Queue
	throttle *throttle.Throttle
	sem      *semaphore.Weighted

	feeds  FeedLister
	runner Runner
	log    *slog.Logger

	rescan chan struct{}
	due    chan domain.Feed

	loops  sync.WaitGroup
	cycles sync.WaitGroup
}

func New(
	ctx context.Context,
	feeds FeedLister,
	runner Runner,
	cfg Config,
	log *slog.Logger,
	opts ...Option,
) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)

	s := &Scheduler{
		ctx:      ctx,
		cancel:   cancel,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		cfg:      cfg,
		queue:    NewQueue(),
		throttle: throttle.New(int(cfg.MinInterval / time.Second)),
		sem:      semaphore.NewWeighted(max(cfg.MaxConcurrent, 1)),
		feeds:    feeds,
		runner:   runner,
		log:      log,
		rescan:   make(chan struct{}, 1),
		due:      make(chan domain.Feed),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Scheduler) Start() error {
	spec := fmt.Sprintf("@every %s", max(s.cfg.MinInterval, time.Second))
	if _, err := s.cron.AddFunc(spec, s.Rescan); err != nil {
		return fmt.Errorf("add rescan job: %w", err)
	}

	s.cron.Start()
	s.Rescan()

	s.loops.Add(2)
	go s.pump()
	go s.loop()

	s.log.InfoContext(s.ctx, "Scheduler is started",
		"rescanSpec", spec,
		"maxConcurrent", s.cfg.MaxConcurrent)

	return nil
}

// Stop halts rescans and the dispatch loop. Running cycles see their context
// cancelled and are not waited for.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.cancel()
	s.loops.Wait()
}

// Wait blocks until every spawned cycle has returned.
func (s *Scheduler) Wait() {
	s.cycles.Wait()
}

// Rescan asks the loop to enqueue every stored feed. Requests made while one
// is pending collapse into it.
func (s *Scheduler) Rescan() {
	select {
	case s.rescan <- struct{}{}:
	default:
	}
}

// Interval is the delay before a feed with the given TTL hint is fetched
// again. It lands a second ahead of the rescan tick it would otherwise race.
func Interval(ttlMinutes int, minInterval, maxInterval time.Duration) time.Duration {
	base := minInterval
	if ttlMinutes > 0 {
		base = time.Duration(ttlMinutes) * time.Minute
	}

	return max(min(max(base, minInterval), maxInterval)-time.Second, 0)
}

func (s *Scheduler) loop() {
	defer s.loops.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.rescan:
			s.enqueueAll()
		case feed := <-s.due:
			s.dispatch(feed)
		}
	}
}

// pump moves due feeds out of the queue into the dispatch loop.
func (s *Scheduler) pump() {
	defer s.loops.Done()

	for {
		feed, err := s.queue.Next(s.ctx)
		if err != nil {
			return
		}

		select {
		case s.due <- feed:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) enqueueAll() {
	feeds := s.feeds.AllFeeds()

	queued := 0
	for _, feed := range feeds {
		delay := Interval(feed.TTL, s.cfg.MinInterval, s.cfg.MaxInterval)
		if s.queue.Enqueue(feed, delay) {
			queued++
		}
	}

	s.log.DebugContext(s.ctx, "Feeds are rescanned",
		"feedCount", len(feeds),
		"queuedCount", queued,
		"queueLength", s.queue.Len())
}

func (s *Scheduler) dispatch(feed domain.Feed) {
	slot := s.throttle.Acquire()

	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		defer slot.Release()
		defer s.queue.Done(feed.Link)
		defer func() {
			if r := recover(); r != nil {
				s.log.ErrorContext(s.ctx, "Recovered from panic in feed cycle",
					"panic", r,
					"feedURL", feed.Link)
			}
		}()

		s.runCycle(feed, slot)
	}()
}

func (s *Scheduler) runCycle(feed domain.Feed, slot *throttle.Slot) {
	if err := slot.Wait(s.ctx); err != nil {
		return
	}

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	ctx, cancel := context.WithTimeout(s.ctx, cycleTimeout)
	defer cancel()

	start := time.Now()
	if err := s.runner.Run(ctx, feed); err != nil {
		s.log.ErrorContext(ctx, "Failed to process feed",
			"error", err,
			"feedURL", feed.Link,
			"slot", slot.Number(),
			"duration", time.Since(start))

		return
	}

	s.log.DebugContext(ctx, "Feed is processed",
		"feedURL", feed.Link,
		"slot", slot.Number(),
		"duration", time.Since(start))
}
