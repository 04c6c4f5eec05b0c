package chat

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidRoom is returned when a room identifier is empty or malformed.
	ErrInvalidRoom = errors.New("invalid room")
	// ErrNotSubscribed is returned for commands that need a subscribed session.
	ErrNotSubscribed = errors.New("not subscribed")
	// ErrAlreadySubscribedElsewhere is returned when a session joins a second room
	// without leaving the first one.
	ErrAlreadySubscribedElsewhere = errors.New("already subscribed to another room")
	// ErrMissingIdentity rejects a subscribe attempt from a connection with no user.
	ErrMissingIdentity = errors.New("missing user identity")
	// ErrSessionClosed is returned by Subscribe on a session that was unsubscribed.
	ErrSessionClosed = errors.New("session closed")
)

// ValidationError reports the fields a message store refused to persist.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	return "validation failed: " + e.Summary()
}

// Summary lists the rejected fields, e.g. "content can't be blank".
func (e *ValidationError) Summary() string {
	if e == nil {
		return ""
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+e.Fields[name])
	}
	return strings.Join(parts, ", ")
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
