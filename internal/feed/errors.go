package feed

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind int

const (
	KindRequest ErrorKind = iota + 1
	KindStatus
	KindTooLarge
	KindParse
)

// Error is a failed fetch. UserMessage is safe to show in chat.
type Error struct {
	Kind   ErrorKind
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindRequest:
		return "network error"
	case KindStatus:
		return fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
	case KindTooLarge:
		return "feed is too large"
	case KindParse:
		return "not a valid RSS, Atom or JSON feed"
	default:
		return "unknown error"
	}
}

// UserMessage describes err for chat users, hiding internal details.
func UserMessage(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.UserMessage()
	}

	return "unknown error"
}
