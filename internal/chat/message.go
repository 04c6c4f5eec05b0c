package chat

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// MaxRoomLength bounds the size of a room identifier in bytes.
const MaxRoomLength = 64

// DefaultHistoryLimit is the number of messages returned for a room on page load.
const DefaultHistoryLimit = 50

// Identity is the externally supplied user behind a connection.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Known reports whether the identity names a user.
func (i Identity) Known() bool {
	return strings.TrimSpace(i.ID) != ""
}

// DisplayName prefers the name, then the email, then the ID.
func (i Identity) DisplayName() string {
	switch {
	case i.Name != "":
		return i.Name
	case i.Email != "":
		return i.Email
	default:
		return i.ID
	}
}

// Message is a chat line. It is immutable once the store assigns an ID.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    Identity  `json:"author"`
	Room      string    `json:"room"`
	CreatedAt time.Time `json:"created_at"`
}

// Envelope is the JSON frame pushed to a connection.
type Envelope struct {
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
	Subscribed   string `json:"subscribed,omitempty"`
	Unsubscribed string `json:"unsubscribed,omitempty"`
}

// Commands a client may send.
const (
	CommandSubscribe   = "subscribe"
	CommandSpeak       = "speak"
	CommandAppear      = "appear"
	CommandDisappear   = "disappear"
	CommandUnsubscribe = "unsubscribe"
)

// Command is the JSON frame a client sends.
type Command struct {
	Command string `json:"command"`
	Room    string `json:"room,omitempty"`
	Message string `json:"message,omitempty"`
}

// Conn is the send side of a transport connection.
type Conn interface {
	// ID is unique per connection for the lifetime of the process.
	ID() string
	// Send queues payload for delivery. It must not block on slow peers.
	Send(payload []byte) error
}

// Store persists and reads back messages.
type Store interface {
	// Save validates and persists m, returning it with ID and CreatedAt set.
	// Validation failures are reported as *ValidationError.
	Save(ctx context.Context, m Message) (Message, error)
	// RecentMessages returns up to limit messages of room, newest first.
	RecentMessages(ctx context.Context, room string, limit int) ([]Message, error)
}

// Renderer turns a message into the payload shown to viewer.
type Renderer interface {
	Render(m Message, viewer Identity) (string, error)
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(m Message, viewer Identity) (string, error)

// Render calls f.
func (f RenderFunc) Render(m Message, viewer Identity) (string, error) {
	return f(m, viewer)
}

// Presence records the appear/disappear signal of subscribed users.
type Presence interface {
	Appear(ctx context.Context, room string, user Identity) error
	Disappear(ctx context.Context, room string, user Identity) error
	Online(ctx context.Context, room string) ([]string, error)
}

type nopPresence struct{}

func (nopPresence) Appear(context.Context, string, Identity) error    { return nil }
func (nopPresence) Disappear(context.Context, string, Identity) error { return nil }
func (nopPresence) Online(context.Context, string) ([]string, error)  { return nil, nil }

// ValidateRoom checks that room is usable as an identifier. Rooms are matched
// exactly, so no normalization happens here.
func ValidateRoom(room string) error {
	if strings.TrimSpace(room) == "" || len(room) > MaxRoomLength || !utf8.ValidString(room) {
		return ErrInvalidRoom
	}
	for _, r := range room {
		if unicode.IsControl(r) {
			return ErrInvalidRoom
		}
	}
	return nil
}

// ValidateMessage applies the persistence rules every store enforces.
func ValidateMessage(m Message) error {
	fields := map[string]string{}
	if strings.TrimSpace(m.Content) == "" {
		fields["content"] = "can't be blank"
	}
	if strings.TrimSpace(m.Room) == "" {
		fields["room"] = "can't be blank"
	}
	if !m.Author.Known() {
		fields["user"] = "must exist"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// ClampLimit maps non-positive limits to the default and caps large ones.
func ClampLimit(limit, max int) int {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}
