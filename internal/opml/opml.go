// Package opml exports subscriptions as an OPML document.
package opml

import (
	"encoding/xml"
	"fmt"
	"sort"
	"time"

	"telefeed/internal/domain"

	"github.com/samber/lo"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

type Body struct {
	Outlines []Outline `xml:"outline"`
}

type Outline struct {
	Text   string `xml:"text,attr"`
	Title  string `xml:"title,attr,omitempty"`
	Type   string `xml:"type,attr,omitempty"`
	XMLURL string `xml:"xmlUrl,attr,omitempty"`
}

// Export renders feeds as a flat OPML 2.0 document sorted by title.
func Export(title string, feeds []domain.Feed, now time.Time) ([]byte, error) {
	outlines := lo.Map(feeds, func(feed domain.Feed, _ int) Outline {
		text := lo.CoalesceOrEmpty(feed.Title, feed.Link)

		return Outline{
			Text:   text,
			Title:  text,
			Type:   "rss",
			XMLURL: feed.Link,
		}
	})
	sort.SliceStable(outlines, func(i, j int) bool {
		return outlines[i].Text < outlines[j].Text
	})

	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: now.Format(time.RFC1123Z),
		},
		Body: Body{Outlines: outlines},
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal opml: %w", err)
	}

	return append([]byte(xml.Header), output...), nil
}
