// Package client keeps a chat client subscribed to one room across transport
// failures, reconnecting with capped exponential backoff.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/chat"
)

var (
	// ErrNotConnected is returned by Speak outside the Connected state.
	ErrNotConnected = errors.New("not connected")
	// ErrEmptyMessage is returned by Speak for blank input.
	ErrEmptyMessage = errors.New("empty message")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("manager already started")
)

// State is the position of the manager in its connection lifecycle.
type State int

const (
	Connecting State = iota
	Connected
	Disconnected
	Reconnecting
	GivenUp
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case GivenUp:
		return "given_up"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default reconnect policy.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
)

// Handler receives the events the manager surfaces to the UI. Methods are
// called without the manager lock held and may call back into the manager.
type Handler interface {
	// Connected is called each time a subscription is confirmed.
	Connected()
	// Message is called with the rendered payload of a broadcast.
	Message(payload string)
	// ScrollToLatest follows every Message.
	ScrollToLatest()
	// Error is called with a rejection reason; nothing is appended.
	Error(reason string)
	// GaveUp is called once the reconnect budget is exhausted.
	GaveUp()
}

// StateObserver is optionally implemented by a Handler to follow transitions.
type StateObserver interface {
	StateChanged(State)
}

// Sink receives the events of one transport.
type Sink interface {
	Frame(data []byte)
	Closed(err error)
}

// Transport is an established, subscribed connection.
type Transport interface {
	Send(cmd chat.Command) error
	// Listen starts delivering inbound frames and the close event to sink.
	Listen(sink Sink)
	Close() error
}

// Dialer opens a transport and subscribes it to room.
type Dialer interface {
	Dial(ctx context.Context, room string) (Transport, error)
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithScheduler replaces time.AfterFunc.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.scheduler = s }
}

// WithPolicy sets the reconnect ceiling and delay bounds.
func WithPolicy(maxAttempts int, base, max time.Duration) Option {
	return func(m *Manager) {
		m.maxAttempts = maxAttempts
		m.baseDelay = base
		m.maxDelay = max
	}
}

// Manager owns the client's single room subscription.
type Manager struct {
	room    string
	dialer  Dialer
	handler Handler
	log     *zap.Logger

	scheduler   Scheduler
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu        sync.Mutex
	ctx       context.Context
	started   bool
	state     State
	attempts  int
	epoch     uint64
	transport Transport
	timer     Timer
	timerSeq  uint64
	backoff   *backoff.ExponentialBackOff
	queued    []func()
}

// New returns a manager for room. Start begins connecting.
func New(room string, dialer Dialer, handler Handler, opts ...Option) *Manager {
	m := &Manager{
		room:        room,
		dialer:      dialer,
		handler:     handler,
		log:         zap.NewNop(),
		scheduler:   realScheduler{},
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		state:       Connecting,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(zap.String("room", room))

	// delay(n) = min(base * 2^n, max) for the n-th consecutive retry.
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(2*m.baseDelay, m.maxDelay)
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = m.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	m.backoff = b
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive reconnect attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Start dials the room. Dial failures are handled by the reconnect policy, so
// the returned error only reports misuse.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.ctx = ctx
	m.mu.Unlock()

	m.connect()
	return nil
}

// Speak sends text to the room. The message shows up through the broadcast;
// no reply is awaited.
func (m *Manager) Speak(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	m.mu.Lock()
	if m.state != Connected || m.transport == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	t := m.transport
	m.mu.Unlock()

	return errors.Wrap(t.Send(chat.Command{Command: chat.CommandSpeak, Message: text}), "send speak")
}

// Close tears the subscription down: the pending timer is cancelled, the
// server is told the user left and the transport is closed. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	t := m.transport
	m.transport = nil
	m.epoch++
	m.setStateLocked(Closed)
	m.unlock()

	if t == nil {
		return nil
	}
	if err := t.Send(chat.Command{Command: chat.CommandDisappear}); err != nil {
		m.log.Debug("disappear_failed", zap.Error(err))
	}
	if err := t.Send(chat.Command{Command: chat.CommandUnsubscribe}); err != nil {
		m.log.Debug("unsubscribe_failed", zap.Error(err))
	}
	return t.Close()
}

func (m *Manager) connect() {
	m.mu.Lock()
	if m.state == Closed || m.state == GivenUp {
		m.mu.Unlock()
		return
	}
	m.epoch++
	epoch := m.epoch
	m.discardTransportLocked()
	m.setStateLocked(Connecting)
	ctx := m.ctx
	m.unlock()

	t, err := m.dialer.Dial(ctx, m.room)

	m.mu.Lock()
	if epoch != m.epoch || m.state != Connecting {
		m.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}
	if err != nil {
		m.log.Warn("subscribe_failed", zap.Int("attempt", m.attempts), zap.Error(err))
		m.setStateLocked(Disconnected)
		m.retryLocked()
		m.unlock()
		return
	}

	m.transport = t
	m.attempts = 0
	m.backoff.Reset()
	m.setStateLocked(Connected)
	m.log.Info("subscribed")
	m.queued = append(m.queued, m.handler.Connected)
	m.unlock()

	// Connected has run, so broadcasts can only land after it. A Close in the
	// meantime bumps the epoch and the sink drops whatever follows.
	t.Listen(&sink{m: m, epoch: epoch})
	if err := t.Send(chat.Command{Command: chat.CommandAppear}); err != nil {
		m.log.Warn("appear_failed", zap.Error(err))
	}
}

// retryLocked applies the reconnect policy after a disconnect.
func (m *Manager) retryLocked() {
	if m.attempts >= m.maxAttempts {
		m.log.Warn("reconnect_given_up", zap.Int("attempts", m.attempts))
		m.setStateLocked(GivenUp)
		m.queued = append(m.queued, m.handler.GaveUp)
		return
	}
	m.attempts++
	delay := m.backoff.NextBackOff()

	m.stopTimerLocked()
	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.scheduler.AfterFunc(delay, func() { m.fire(seq) })
	m.setStateLocked(Reconnecting)
	m.log.Info("reconnect_scheduled", zap.Int("attempt", m.attempts), zap.Duration("delay", delay))
}

func (m *Manager) fire(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	m.connect()
}

func (m *Manager) handleClosed(epoch uint64, err error) {
	m.mu.Lock()
	if epoch != m.epoch || m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.log.Warn("disconnected", zap.Error(err))
	m.discardTransportLocked()
	m.setStateLocked(Disconnected)
	m.retryLocked()
	m.unlock()
}

func (m *Manager) handleFrame(epoch uint64, data []byte) {
	m.mu.Lock()
	live := epoch == m.epoch && m.state == Connected
	m.mu.Unlock()
	if !live {
		return
	}

	// The server may batch queued frames into one websocket message.
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var env chat.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			m.log.Warn("malformed_frame", zap.ByteString("frame", line), zap.Error(err))
			continue
		}
		switch {
		case env.Error != "":
			m.handler.Error(env.Error)
		case env.Message != "":
			m.handler.Message(env.Message)
			m.handler.ScrollToLatest()
		case env.Subscribed != "", env.Unsubscribed != "":
			m.log.Debug("subscription_frame", zap.String("subscribed", env.Subscribed), zap.String("unsubscribed", env.Unsubscribed))
		default:
			m.log.Warn("malformed_frame", zap.ByteString("frame", line))
		}
	}
}

func (m *Manager) discardTransportLocked() {
	if m.transport == nil {
		return
	}
	t := m.transport
	m.transport = nil
	m.queued = append(m.queued, func() { _ = t.Close() })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if obs, ok := m.handler.(StateObserver); ok {
		m.queued = append(m.queued, func() { obs.StateChanged(s) })
	}
}

// unlock releases the lock and then runs the callbacks queued while it was held.
func (m *Manager) unlock() {
	queued := m.queued
	m.queued = nil
	m.mu.Unlock()
	for _, f := range queued {
		f()
	}
}

type sink struct {
	m     *Manager
	epoch uint64
}

func (s *sink) Frame(data []byte) { s.m.handleFrame(s.epoch, data) }
func (s *sink) Closed(err error)  { s.m.handleClosed(s.epoch, err) }
