package markdown

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is the Telegram limit for a single text message.
const MaxMessageLength = 4096

// Taken from https://core.telegram.org/bots/api#markdownv2-style.
const mdV2SpecialChars = `\._[](){}#|!+-=*~>` + "`"

//nolint:gochecknoglobals // Lookup tables meant to be immutable.
var (
	mdV2Lookup  = lookupOf(mdV2SpecialChars)
	mdURLLookup = lookupOf(`)\`)
)

func EscapeV2(input string) string {
	return escape(input, &mdV2Lookup)
}

// EscapeURL escapes the inside of a (...) link target.
func EscapeURL(input string) string {
	return escape(input, &mdURLLookup)
}

// Link renders an inline link with an escaped label.
func Link(label, url string) string {
	return "[" + EscapeV2(label) + "](" + EscapeURL(url) + ")"
}

func Bold(text string) string {
	return "*" + EscapeV2(text) + "*"
}

// Split packs lines into messages no longer than limit bytes, each starting
// with header. A single line longer than the limit is cut on a rune boundary.
func Split(header string, lines []string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}

	var (
		messages []string
		b        strings.Builder
	)
	reset := func() {
		b.Reset()
		if header != "" {
			b.WriteString(header)
		}
	}
	flush := func() {
		if b.Len() > len(header) {
			messages = append(messages, b.String())
		}
		reset()
	}

	reset()
	for _, line := range lines {
		sep := 0
		if b.Len() > 0 {
			sep = 1
		}

		if b.Len()+sep+len(line) > limit {
			flush()
			sep = 0
			if b.Len() > 0 {
				sep = 1
			}
		}

		if room := limit - b.Len() - sep; len(line) > room {
			line = truncate(line, room)
		}

		if sep == 1 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	flush()

	return messages
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}

	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	// Never leave a dangling escape character.
	slashes := 0
	for i := cut - 1; i >= 0 && s[i] == '\\'; i-- {
		slashes++
	}
	if slashes%2 == 1 {
		cut--
	}

	return s[:cut]
}

func lookupOf(chars string) [256]bool {
	var m [256]bool
	for i := range len(chars) {
		m[chars[i]] = true
	}

	return m
}

func escape(input string, lookup *[256]bool) string {
	charsToEscape := 0

	for i := range len(input) {
		if lookup[input[i]] {
			charsToEscape++
		}
	}
	if charsToEscape == 0 {
		return input
	}

	var b strings.Builder
	b.Grow(len(input) + charsToEscape)

	for i := range len(input) {
		c := input[i]
		if lookup[c] {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}

	return b.String()
}
