package server

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	commandTimeout = 5 * time.Second
)

var (
	// ErrSendBufferFull is returned by Send when the peer is not draining its
	// queue. The connection is evicted.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnClosed is returned by Send after the connection was dropped.
	ErrConnClosed = errors.New("connection closed")
)

// Client is one WebSocket connection. It implements chat.Conn for the
// broadcaster and drives the chat session its commands refer to.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	relay          *chat.Relay
	user           chat.Identity
	addr           string
	maxMessageSize int64
	log            *zap.Logger

	mu     sync.RWMutex
	closed bool

	// session is only touched by the read pump.
	session *chat.Session
}

// NewClient wraps an upgraded connection for user.
func NewClient(conn *websocket.Conn, hub *Hub, relay *chat.Relay, user chat.Identity, addr string, cfg Config) *Client {
	if conn != nil {
		conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	id := uuid.NewString()
	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBuffer),
		hub:            hub,
		relay:          relay,
		user:           user,
		addr:           addr,
		maxMessageSize: int64(cfg.MaxMessageSize),
		log:            hub.log.With(zap.String("conn", id), zap.String("user", user.ID)),
	}
}

// ID returns the connection's unique ID.
func (c *Client) ID() string { return c.id }

// Send queues payload without blocking. A full queue evicts the client.
func (c *Client) Send(payload []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrConnClosed
	}
	select {
	case c.send <- payload:
		c.mu.RUnlock()
		return nil
	default:
	}
	c.mu.RUnlock()

	c.hub.evict(c)
	return ErrSendBufferFull
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) reply(env chat.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		c.log.Error("encode_reply_failed", zap.Error(err))
		return
	}
	if err := c.Send(frame); err != nil {
		c.log.Debug("reply_dropped", zap.Error(err))
	}
}

func (c *Client) replyError(reason string) {
	c.reply(chat.Envelope{Error: reason})
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("set_read_deadline_failed", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("set_read_deadline_failed", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the reason the read loop stops. Every read error is
// terminal for a gorilla connection.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message_too_large", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Info("client_disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("client_connection_closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseMessageTooBig):
		c.log.Warn("unexpected_close", zap.Error(err))
	default:
		c.log.Warn("read_failed", zap.Error(err))
	}
}

func (c *Client) readPump() {
	defer func() {
		c.endSession()
		c.hub.unregisterClient(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("close_failed", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.handleCommand(raw)
	}
}

func (c *Client) handleCommand(raw []byte) {
	cmd, err := parseCommand(raw)
	if err != nil {
		c.log.Warn("command_malformed", zap.ByteString("frame", raw), zap.Error(err))
		c.replyError(reasonMalformedCommand)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd.Command {
	case chat.CommandSubscribe:
		c.subscribe(ctx, cmd.Room)
	case chat.CommandSpeak:
		if c.session == nil {
			c.replyError(reasonFor(chat.ErrNotSubscribed))
			return
		}
		if err := c.session.HandleSpeak(ctx, cmd.Message); err != nil {
			c.replyError(reasonFor(err))
		}
	case chat.CommandAppear, chat.CommandDisappear:
		if c.session == nil {
			c.replyError(reasonFor(chat.ErrNotSubscribed))
			return
		}
		signal := c.session.Appear
		if cmd.Command == chat.CommandDisappear {
			signal = c.session.Disappear
		}
		if err := signal(ctx); err != nil {
			c.replyError(reasonFor(err))
		}
	case chat.CommandUnsubscribe:
		room := c.endSession()
		if room != "" {
			c.reply(chat.Envelope{Unsubscribed: room})
		}
	default:
		c.log.Warn("command_unknown", zap.String("command", cmd.Command))
		c.replyError(reasonUnknownCommand)
	}
}

// subscribe binds the connection to room. A connection that unsubscribed
// gets a new session.
func (c *Client) subscribe(ctx context.Context, room string) {
	if c.session == nil {
		c.session = c.relay.NewSession(c)
	}
	if err := c.session.Subscribe(ctx, room, c.user); err != nil {
		c.replyError(reasonFor(err))
		return
	}
	c.reply(chat.Envelope{Subscribed: room})
}

// endSession unsubscribes the current session and returns the room it left.
func (c *Client) endSession() string {
	if c.session == nil {
		return ""
	}
	room := c.session.Room()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	c.session.Unsubscribe(ctx)
	c.session = nil
	return room
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("close_failed", zap.Error(err))
	}
}

func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("set_write_deadline_failed", zap.Error(err))
		return false
	}
	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("write_close_failed", zap.Error(err))
		}
		return false
	}
	return c.writeTextMessage(message)
}

// writeTextMessage writes message and whatever else is already queued as one
// frame, newline separated.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.log.Warn("next_writer_failed", zap.Error(err))
		return false
	}
	if _, err := w.Write(message); err != nil {
		c.log.Warn("write_failed", zap.Error(err))
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			break
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.log.Warn("write_failed", zap.Error(err))
			return false
		}
		if _, err := w.Write(queued); err != nil {
			c.log.Warn("write_failed", zap.Error(err))
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.log.Warn("writer_close_failed", zap.Error(err))
		return false
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("set_write_deadline_failed", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn("ping_failed", zap.Error(err))
		return false
	}
	return true
}
