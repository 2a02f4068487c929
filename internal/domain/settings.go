package domain

import (
	"fmt"
	"strconv"
)

const (
	defaultDisablePreview = true
	defaultLinkOnly       = false
	defaultHideTitle      = false
	defaultCombineMsg     = true
)

// SettingKeys lists the user-facing setting names in display order.
//
//nolint:gochecknoglobals // Immutable lookup.
var SettingKeys = []string{"disable_preview", "link_only", "hide_rss_title", "combine_msg"}

// FeedSettings holds per-subscriber toggles. Nil fields are unset and resolve
// to defaults only through Merge, so stored settings stay minimal.
type FeedSettings struct {
	DisablePreview *bool `json:"disable_preview,omitempty"`
	LinkOnly       *bool `json:"link_only,omitempty"`
	HideTitle      *bool `json:"hide_rss_title,omitempty"`
	CombineMsg     *bool `json:"combine_msg,omitempty"`
}

// Merge returns a copy with every unset field filled with its default.
func (s FeedSettings) Merge() FeedSettings {
	return FeedSettings{
		DisablePreview: boolOr(s.DisablePreview, defaultDisablePreview),
		LinkOnly:       boolOr(s.LinkOnly, defaultLinkOnly),
		HideTitle:      boolOr(s.HideTitle, defaultHideTitle),
		CombineMsg:     boolOr(s.CombineMsg, defaultCombineMsg),
	}
}

// Resolved flattens merged settings into plain values.
func (s FeedSettings) Resolved() Preferences {
	m := s.Merge()

	return Preferences{
		DisablePreview: *m.DisablePreview,
		LinkOnly:       *m.LinkOnly,
		HideTitle:      *m.HideTitle,
		CombineMsg:     *m.CombineMsg,
	}
}

// Set assigns a single setting by its user-facing key.
func (s *FeedSettings) Set(key string, raw string) error {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("parse value %q: %w", raw, err)
	}

	switch key {
	case "disable_preview":
		s.DisablePreview = &v
	case "link_only":
		s.LinkOnly = &v
	case "hide_rss_title":
		s.HideTitle = &v
	case "combine_msg":
		s.CombineMsg = &v
	default:
		return fmt.Errorf("unknown setting %q", key)
	}

	return nil
}

// Preferences is the comparable, fully resolved form of FeedSettings.
type Preferences struct {
	DisablePreview bool
	LinkOnly       bool
	HideTitle      bool
	CombineMsg     bool
}

func (p Preferences) Value(key string) (bool, bool) {
	switch key {
	case "disable_preview":
		return p.DisablePreview, true
	case "link_only":
		return p.LinkOnly, true
	case "hide_rss_title":
		return p.HideTitle, true
	case "combine_msg":
		return p.CombineMsg, true
	default:
		return false, false
	}
}

func boolOr(v *bool, def bool) *bool {
	if v != nil {
		b := *v

		return &b
	}

	return &def
}
