package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"telefeed/internal/domain"

	"github.com/PuerkitoBio/goquery"
)

const (
	minPartsForTelegramChannelSlugStartingWithS = 2
	minPartsForTelegramChannelAtSignSlug        = 3

	telegramHost = "t.me"
)

//nolint:gochecknoglobals // Compiled once, never mutated.
var (
	telegramSlugRe       = regexp.MustCompile(`^\w{5,32}$`)
	telegramAtSignSlugRe = regexp.MustCompile(`(\s|^)@(\w{5,32})(\s|$)`)
)

type channelItem struct {
	URL       string
	text      string
	published time.Time
}

func TelegramMessageCanonicalURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}

	u.RawQuery = ""
	u.Fragment = ""

	return u.String()
}

func TelegramChannelCanonicalURL(slug string) string {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return ""
	}

	return fmt.Sprintf("https://%s/s/%s", telegramHost, slug)
}

func isTelegramChannelURL(raw string) (bool, string) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host != telegramHost {
		return false, ""
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")

	var slug string
	switch {
	case parts[0] == "":
		return false, ""
	case parts[0] == "s":
		if len(parts) < minPartsForTelegramChannelSlugStartingWithS {
			return false, ""
		}
		slug = parts[1]
	default:
		slug = parts[0]
	}

	slug = strings.TrimSpace(slug)
	if !telegramSlugRe.MatchString(slug) {
		return false, ""
	}

	return true, slug
}

// fetchTelegramChannel turns the channel's public preview page into a feed.
// Each post is identified by its canonical URL and titled by a summary.
func (f *Fetcher) fetchTelegramChannel(ctx context.Context, slug string) (domain.FetchedFeed, error) {
	canonicalURL := TelegramChannelCanonicalURL(slug)

	posts, title, err := f.fetchTelegramChannelPosts(ctx, canonicalURL)
	if err != nil {
		return domain.FetchedFeed{}, err
	}

	if title == "" {
		f.log.WarnContext(ctx, "Empty Telegram channel title",
			"canonicalURL", canonicalURL,
			"slug", slug)

		title = canonicalURL
	}

	titles := f.summaries.summarizeAll(ctx, posts)

	items := make([]domain.Item, 0, len(posts))
	for i, post := range posts {
		items = append(items, domain.Item{
			ID:    post.URL,
			Title: titles[i],
			Link:  post.URL,
		})
	}

	return domain.FetchedFeed{
		Title: title,
		Link:  canonicalURL,
		Items: items,
	}, nil
}

func (f *Fetcher) fetchTelegramChannelPosts(
	ctx context.Context,
	canonicalURL string,
) ([]channelItem, string, error) {
	body, err := f.get(ctx, canonicalURL)
	if err != nil {
		return nil, "", err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, "", &Error{Kind: KindParse, URL: canonicalURL, Err: fmt.Errorf("create document from reader: %w", err)}
	}

	var (
		items []channelItem
		errs  []error
	)
	doc.Find("a.tgme_widget_message_date").Each(func(_ int, s *goquery.Selection) {
		item, processErr := processFoundDocItem(s)
		if processErr != nil {
			errs = append(errs, fmt.Errorf("process found doc item: %w", processErr))
			return
		}

		items = append(items, item)
	})

	if len(errs) > 0 {
		f.log.WarnContext(ctx, "Skipped malformed Telegram posts",
			"error", errors.Join(errs...),
			"canonicalURL", canonicalURL,
			"skippedCount", len(errs))
	}

	var title string
	if content, ok := doc.Find("meta[property='og:title']").Attr("content"); ok {
		title = strings.TrimSpace(content)
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find(".tgme_channel_info_header_title").Text())
	}

	return items, title, nil
}

func processFoundDocItem(s *goquery.Selection) (channelItem, error) {
	href, ok := s.Attr("href")
	if !ok || href == "" {
		return channelItem{}, errors.New("href empty")
	}

	href = TelegramMessageCanonicalURL(href)

	var textBuilder strings.Builder
	message := s.ParentsFiltered(".tgme_widget_message").First()
	message.Find(".tgme_widget_message_text, .tgme_widget_message_caption").Each(
		func(_ int, inner *goquery.Selection) {
			inner.Find("br").Each(func(_ int, br *goquery.Selection) {
				br.ReplaceWithHtml("\n")
			})
			fragment := strings.TrimSpace(inner.Text())
			if fragment == "" {
				return
			}
			if textBuilder.Len() > 0 {
				textBuilder.WriteString("\n")
			}
			textBuilder.WriteString(fragment)
		},
	)

	var published time.Time
	if datetime := strings.TrimSpace(s.Find("time").AttrOr("datetime", "")); datetime != "" {
		parsed, err := time.Parse(time.RFC3339, datetime)
		if err != nil {
			return channelItem{}, fmt.Errorf("parse datetime: %w", err)
		}
		published = parsed
	}

	return channelItem{
		URL:       href,
		text:      strings.TrimSpace(textBuilder.String()),
		published: published,
	}, nil
}
