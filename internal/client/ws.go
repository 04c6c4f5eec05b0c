package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
	confirmWait             = 10 * time.Second
)

// RejectedError is returned by Dial when the server refuses the subscription.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("subscription rejected: %s", e.Reason)
}

// WSDialer subscribes over the relay's websocket endpoint.
type WSDialer struct {
	URL              string
	Token            string
	Origin           string
	Header           http.Header
	HandshakeTimeout time.Duration
}

// Dial connects, sends subscribe and waits for the server's confirmation.
func (d *WSDialer) Dial(ctx context.Context, room string) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	header := http.Header{}
	for k, v := range d.Header {
		header[k] = v
	}
	if d.Origin != "" {
		header.Set("Origin", d.Origin)
	}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", d.URL)
	}

	t := &wsTransport{conn: conn}
	if err := t.Send(chat.Command{Command: chat.CommandSubscribe, Room: room}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := t.awaitConfirmation(room); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}

// awaitConfirmation reads until the subscribe reply arrives. The server may
// batch broadcasts with the reply or send them first; those lines are kept
// for Listen.
func (t *wsTransport) awaitConfirmation(room string) error {
	_ = t.conn.SetReadDeadline(time.Now().Add(confirmWait))
	defer func() { _ = t.conn.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "await subscription")
		}
		lines := bytes.Split(data, []byte{'\n'})
		for i, line := range lines {
			var env chat.Envelope
			if json.Unmarshal(bytes.TrimSpace(line), &env) != nil || (env.Error == "" && env.Subscribed == "") {
				t.pending = append(t.pending, line)
				continue
			}
			switch {
			case env.Error != "":
				return &RejectedError{Reason: env.Error}
			case env.Subscribed != room:
				return errors.Errorf("unexpected subscription reply %q", line)
			}
			t.pending = append(t.pending, lines[i+1:]...)
			return nil
		}
	}
}

type wsTransport struct {
	conn *websocket.Conn
	// pending holds lines read while waiting for the subscribe reply.
	pending [][]byte

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (t *wsTransport) Send(cmd chat.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Listen(s Sink) {
	go func() {
		if len(t.pending) > 0 {
			s.Frame(bytes.Join(t.pending, []byte{'\n'}))
			t.pending = nil
		}
		for {
			_, data, err := t.conn.ReadMessage()
			if err != nil {
				s.Closed(err)
				return
			}
			s.Frame(data)
		}
	}()
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
