package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"telefeed/internal/summarizer"
)

const (
	summariesMaxParallelism = 4
	summaryLifetime         = 48 * time.Hour
	fallbackSummaryMaxChars = 200
)

// summaries titles Telegram posts, which carry no headline of their own.
type summaries struct {
	summarizer summarizer.Summarizer
	cache      *summaryCache
	now        func() time.Time
	log        *slog.Logger
}

func newSummaries(s summarizer.Summarizer, log *slog.Logger) *summaries {
	return &summaries{
		summarizer: s,
		cache:      newSummaryCache(summaryCacheMaxEntries),
		now:        time.Now,
		log:        log,
	}
}

// summarizeAll returns one title per post, in the same order.
func (s *summaries) summarizeAll(ctx context.Context, posts []channelItem) []string {
	titles := make([]string, len(posts))
	if len(posts) == 0 {
		return titles
	}

	workerCount := min(summariesMaxParallelism, len(posts))

	tasks := make(chan int)
	var wg sync.WaitGroup

	for range workerCount {
		wg.Go(func() {
			for i := range tasks {
				titles[i] = s.summarize(ctx, posts[i])
			}
		})
	}

	for i := range posts {
		tasks <- i
	}

	close(tasks)
	wg.Wait()

	return titles
}

func (s *summaries) summarize(ctx context.Context, post channelItem) string {
	text := strings.TrimSpace(post.text)
	if text == "" {
		return post.URL
	}

	now := s.now().UTC()
	key := summaryCacheKey(post.URL, text)

	if summary, ok := s.cache.get(key, now); ok {
		return summary
	}

	if s.summarizer == nil {
		return fallbackSummary(text, post.URL)
	}

	summary, err := s.summarizer.Summarize(ctx, summarizer.Input{
		Text:      text,
		SourceURL: post.URL,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to summarize Telegram channel post",
			"error", err,
			"url", post.URL,
			"textLen", len(text))

		return fallbackSummary(text, post.URL)
	}

	summary = strings.Join(strings.Fields(summary), " ")
	if summary == "" {
		return fallbackSummary(text, post.URL)
	}

	published := post.published
	if published.IsZero() {
		published = now
	}

	s.cache.set(key, summary, published.Add(summaryLifetime), now)

	return summary
}

func summaryCacheKey(rawURL string, text string) string {
	canonicalURL := TelegramMessageCanonicalURL(rawURL)
	if canonicalURL == "" {
		return ""
	}

	normalizedText := strings.TrimSpace(text)
	if normalizedText == "" {
		return ""
	}

	hash := sha256.Sum256([]byte(normalizedText))

	return canonicalURL + "|" + hex.EncodeToString(hash[:])
}

func fallbackSummary(text string, itemURL string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	if normalized == "" {
		return itemURL
	}

	runes := []rune(normalized)
	if len(runes) <= fallbackSummaryMaxChars {
		return normalized
	}

	return strings.TrimSpace(string(runes[:fallbackSummaryMaxChars])) + "..."
}
