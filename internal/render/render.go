// Package render turns persisted messages into the payloads pushed to
// subscribers: an HTML fragment for page views, or structured JSON.
package render

import (
	"bytes"
	"encoding/json"
	"html/template"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const messageTemplate = `<div class="message{{if .Mine}} mine{{end}}" id="message-{{.ID}}" data-room="{{.Room}}">` +
	`<span class="author">{{.Author}}</span>` +
	`<span class="content">{{.Content}}</span>` +
	`<time datetime="{{.Timestamp}}" title="{{.Timestamp}}">{{.Ago}}</time>` +
	`</div>`

type messageView struct {
	ID        string
	Room      string
	Author    string
	Content   string
	Timestamp string
	Ago       string
	Mine      bool
}

// HTML renders the message partial. Content is escaped by html/template.
type HTML struct {
	tmpl *template.Template
	now  func() time.Time
}

// NewHTML parses the message partial.
func NewHTML() *HTML {
	return &HTML{
		tmpl: template.Must(template.New("message").Parse(messageTemplate)),
		now:  time.Now,
	}
}

// Render produces the fragment for viewer; messages the viewer wrote carry
// the "mine" class.
func (h *HTML) Render(m chat.Message, viewer chat.Identity) (string, error) {
	view := messageView{
		ID:        m.ID,
		Room:      m.Room,
		Author:    m.Author.DisplayName(),
		Content:   m.Content,
		Timestamp: m.CreatedAt.UTC().Format(time.RFC3339),
		Ago:       humanize.RelTime(m.CreatedAt, h.now(), "ago", "from now"),
		Mine:      viewer.Known() && viewer.ID == m.Author.ID,
	}
	var buf bytes.Buffer
	if err := h.tmpl.Execute(&buf, view); err != nil {
		return "", errors.Wrap(err, "render message")
	}
	return buf.String(), nil
}

// Payload is the structured form of a message.
type Payload struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
	Mine      bool      `json:"mine"`
}

// JSON renders messages as a JSON document string.
type JSON struct{}

// Render encodes m as a Payload for viewer.
func (JSON) Render(m chat.Message, viewer chat.Identity) (string, error) {
	b, err := json.Marshal(Payload{
		ID:        m.ID,
		Room:      m.Room,
		Content:   m.Content,
		Author:    m.Author.DisplayName(),
		AuthorID:  m.Author.ID,
		CreatedAt: m.CreatedAt,
		Mine:      viewer.Known() && viewer.ID == m.Author.ID,
	})
	if err != nil {
		return "", errors.Wrap(err, "encode message")
	}
	return string(b), nil
}

// New returns the renderer for format: "html" (default) or "json".
func New(format string) (chat.Renderer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "html":
		return NewHTML(), nil
	case "json":
		return JSON{}, nil
	default:
		return nil, errors.Errorf("unknown render format %q", format)
	}
}
