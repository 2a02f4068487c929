package delivery

import (
	"errors"
	"fmt"
	"time"

	"telefeed/internal/channel"
	"telefeed/internal/domain"
	"telefeed/internal/markdown"

	"github.com/samber/lo"
)

// formatItems renders new items for subscribers sharing prefs.
func formatItems(feed domain.Feed, items []domain.Item, prefs domain.Preferences) []channel.Message {
	header := ""
	if !prefs.HideTitle {
		header = markdown.Bold(titleOf(feed))
	}

	lines := lo.Map(items, func(item domain.Item, _ int) string {
		return formatItem(feed, item, prefs.LinkOnly)
	})

	var texts []string
	if prefs.CombineMsg {
		texts = markdown.Split(header, lines, markdown.MaxMessageLength)
	} else {
		for _, line := range lines {
			texts = append(texts, markdown.Split(header, []string{line}, markdown.MaxMessageLength)...)
		}
	}

	return lo.Map(texts, func(text string, _ int) channel.Message {
		return channel.Message{Text: text, DisablePreview: prefs.DisablePreview}
	})
}

func formatItem(feed domain.Feed, item domain.Item, linkOnly bool) string {
	link := lo.CoalesceOrEmpty(item.Link, feed.Link)
	if linkOnly {
		return markdown.EscapeV2(link)
	}

	return markdown.Link(lo.CoalesceOrEmpty(item.Title, titleOf(feed)), link)
}

func renameNotice(feed domain.Feed, newTitle string) string {
	return markdown.Link(titleOf(feed), feed.Link) +
		markdown.EscapeV2(" is renamed to ") +
		markdown.Bold(newTitle)
}

func brokenNotice(feed domain.Feed, threshold time.Duration, fetchErr error) string {
	days := int(threshold / (24 * time.Hour))

	return markdown.Link(titleOf(feed), feed.Link) +
		markdown.EscapeV2(fmt.Sprintf(
			" has failed to fetch for %d days in a row (%s). It may be gone, consider unsubscribing.",
			days, userMessage(fetchErr)))
}

func titleOf(feed domain.Feed) string {
	return lo.CoalesceOrEmpty(feed.Title, feed.Link)
}

type userMessager interface {
	UserMessage() string
}

// userMessage prefers the fetcher's user-facing description of err.
func userMessage(err error) string {
	var um userMessager
	if errors.As(err, &um) {
		return um.UserMessage()
	}

	return err.Error()
}
