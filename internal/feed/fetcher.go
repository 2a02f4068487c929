// Package feed pulls remote documents and normalizes them into
// domain.FetchedFeed values.
package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telefeed/internal/domain"
	"telefeed/internal/summarizer"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/rss"
	"github.com/samber/lo"
	"mvdan.cc/xurls/v2"
)

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36"

	defaultTimeout = 30 * time.Second
	defaultMaxSize = 2 << 20
)

type Options struct {
	Timeout time.Duration
	// MaxSize caps the response body in bytes.
	MaxSize int64
}

type Fetcher struct {
	client    *http.Client
	maxSize   int64
	summaries *summaries
	log       *slog.Logger
}

// NewFetcher builds a fetcher. s may be nil, in which case Telegram posts
// are titled with a shortened copy of their text.
func NewFetcher(opts Options, s summarizer.Summarizer, log *slog.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}

	return &Fetcher{
		client:    &http.Client{Timeout: opts.Timeout},
		maxSize:   opts.MaxSize,
		summaries: newSummaries(s, log),
		log:       log,
	}
}

// Fetch downloads and parses the feed at rawURL. Public Telegram channels
// (t.me/<slug> or t.me/s/<slug>) are scraped from their web preview.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (domain.FetchedFeed, error) {
	rawURL = strings.TrimSpace(rawURL)

	if ok, slug := isTelegramChannelURL(rawURL); ok {
		return f.fetchTelegramChannel(ctx, slug)
	}

	body, err := f.get(ctx, rawURL)
	if err != nil {
		return domain.FetchedFeed{}, err
	}

	// gofeed parsers keep per-document state, so each fetch gets its own.
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return domain.FetchedFeed{}, &Error{Kind: KindParse, URL: rawURL, Err: err}
	}

	return domain.FetchedFeed{
		Title: strings.TrimSpace(parsed.Title),
		Link:  strings.TrimSpace(parsed.Link),
		TTL:   rssTTL(body),
		Items: lo.FilterMap(parsed.Items, func(item *gofeed.Item, _ int) (domain.Item, bool) {
			if item == nil {
				return domain.Item{}, false
			}

			return domain.Item{
				ID:    strings.TrimSpace(item.GUID),
				Title: strings.TrimSpace(item.Title),
				Link:  strings.TrimSpace(item.Link),
			}, true
		}),
	}, nil
}

// CanonicalURL returns the URL a feed is stored under.
func CanonicalURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if ok, slug := isTelegramChannelURL(rawURL); ok {
		return TelegramChannelCanonicalURL(slug)
	}

	return rawURL
}

// ExtractURLs finds feed candidates in free text: http(s) links and
// @channel mentions, deduplicated in order of appearance.
func ExtractURLs(text string) ([]string, error) {
	text = strings.TrimSpace(text)

	urlRe, err := xurls.StrictMatchingScheme(`https?://`)
	if err != nil {
		return nil, fmt.Errorf("create regexp: %w", err)
	}

	candidates := urlRe.FindAllString(text, -1)
	for _, m := range telegramAtSignSlugRe.FindAllStringSubmatch(text, -1) {
		if len(m) < minPartsForTelegramChannelAtSignSlug {
			continue
		}

		slug := strings.TrimSpace(m[2])
		if !telegramSlugRe.MatchString(slug) {
			continue
		}

		candidates = append(candidates, TelegramChannelCanonicalURL(slug))
	}

	return lo.Uniq(lo.Map(candidates, func(u string, _ int) string {
		return CanonicalURL(u)
	})), nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindRequest, URL: rawURL, Err: fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req) //nolint:gosec // Subscribed feed URL
	if err != nil {
		return nil, &Error{Kind: KindRequest, URL: rawURL, Err: fmt.Errorf("do request: %w", err)}
	}
	defer func() {
		if err = resp.Body.Close(); err != nil {
			f.log.ErrorContext(ctx, "Failed to close response body",
				"error", err,
				"feedURL", rawURL)
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &Error{Kind: KindStatus, URL: rawURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, &Error{Kind: KindRequest, URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}

	if int64(len(body)) > f.maxSize {
		return nil, &Error{
			Kind: KindTooLarge,
			URL:  rawURL,
			Err:  fmt.Errorf("body exceeds %d bytes", f.maxSize),
		}
	}

	return body, nil
}

// rssTTL reads the <ttl> hint in minutes, which gofeed's universal model drops.
func rssTTL(body []byte) int {
	if gofeed.DetectFeedType(bytes.NewReader(body)) != gofeed.FeedTypeRSS {
		return 0
	}

	doc, err := (&rss.Parser{}).Parse(bytes.NewReader(body))
	if err != nil {
		return 0
	}

	ttl, err := strconv.Atoi(strings.TrimSpace(doc.TTL))
	if err != nil || ttl < 0 {
		return 0
	}

	return ttl
}
