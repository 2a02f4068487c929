// Package ratelimiter paces outbound messages per chat and globally so the
// bot stays under Telegram's flood limits.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"telefeed/internal/channel"

	"golang.org/x/time/rate"
)

const (
	privateChatRate = time.Second
	groupChatRate   = 3 * time.Second
)

type RateLimiter struct {
	next     channel.Sender
	global   *rate.Limiter
	lastSent map[int64]time.Time
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	log      *slog.Logger
}

// New wraps next with a global limit of perSecond messages and per-chat
// spacing.
func New(next channel.Sender, perSecond int, log *slog.Logger) *RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	perSecond = max(perSecond, 1)

	return &RateLimiter{
		next:     next,
		global:   rate.NewLimiter(rate.Limit(perSecond), perSecond),
		lastSent: make(map[int64]time.Time),
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
}

func (rl *RateLimiter) Send(ctx context.Context, chatID int64, msg channel.Message) (int, error) {
	if err := rl.wait(ctx, chatID); err != nil {
		return 0, err
	}

	return rl.next.Send(ctx, chatID, msg)
}

func (rl *RateLimiter) Edit(ctx context.Context, chatID int64, messageID int, msg channel.Message) error {
	if err := rl.wait(ctx, chatID); err != nil {
		return err
	}

	return rl.next.Edit(ctx, chatID, messageID, msg)
}

// Stop fails every pending and future send.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) wait(ctx context.Context, chatID int64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(rl.ctx, cancel)
	defer stop()

	if delay := rl.reserve(chatID); delay > 0 {
		rl.log.DebugContext(ctx, "Rate limiting message",
			"chatID", chatID,
			"delay", delay)

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return fmt.Errorf("wait for chat %d: %w", chatID, context.Cause(ctx))
		}
	}

	if err := rl.global.Wait(ctx); err != nil {
		return fmt.Errorf("wait for global send rate: %w", err)
	}

	return nil
}

// reserve books the next free send time of chatID and returns how long the
// caller has to wait for it.
func (rl *RateLimiter) reserve(chatID int64) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var delay time.Duration
	if lastSent, exists := rl.lastSent[chatID]; exists {
		delay = getDelay(chatID, lastSent)
	}
	rl.lastSent[chatID] = time.Now().Add(delay)

	return delay
}

func getDelay(
	chatID int64,
	lastSent time.Time,
) time.Duration {
	elapsed := time.Since(lastSent)
	chatRate := getRate(chatID)

	return max(chatRate-elapsed, 0)
}

func getRate(chatID int64) time.Duration {
	if chatID < 0 {
		return groupChatRate
	}

	return privateChatRate
}
