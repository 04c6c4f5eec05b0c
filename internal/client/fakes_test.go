package client_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/client"
)

var errDialFailed = errors.New("dial failed")

type fakeTransport struct {
	mu     sync.Mutex
	sent   []chat.Command
	sink   client.Sink
	closed bool
}

func (t *fakeTransport) Send(cmd chat.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("closed")
	}
	t.sent = append(t.sent, cmd)
	return nil
}

func (t *fakeTransport) Listen(s client.Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = s
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sent))
	for _, cmd := range t.sent {
		out = append(out, cmd.Command)
	}
	return out
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// frame and drop simulate the transport's read goroutine.
func (t *fakeTransport) frame(data string) { t.listener().Frame([]byte(data)) }
func (t *fakeTransport) drop()             { t.listener().Closed(errors.New("connection reset")) }

func (t *fakeTransport) listener() client.Sink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sink
}

// fakeDialer fails while failures remain, then succeeds.
type fakeDialer struct {
	mu         sync.Mutex
	failures   int
	dials      int
	rooms      []string
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, room string) (client.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.rooms = append(d.rooms, room)
	if d.failures > 0 {
		d.failures--
		return nil, errDialFailed
	}
	t := &fakeTransport{}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setFailures(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type fakeTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeScheduler records timers instead of running them.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) client.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.delay)
	}
	return out
}

func (s *fakeScheduler) pending() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

// fireLast runs the most recent timer as the runtime would.
func (s *fakeScheduler) fireLast() {
	if t := s.pending(); t != nil {
		t.f()
	}
}

type recordingHandler struct {
	mu        sync.Mutex
	connected int
	messages  []string
	scrolls   int
	errors    []string
	gaveUp    int
	states    []client.State
}

func (h *recordingHandler) Connected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected++
}

func (h *recordingHandler) Message(p string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, p)
}

func (h *recordingHandler) ScrollToLatest() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scrolls++
}

func (h *recordingHandler) Error(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, reason)
}

func (h *recordingHandler) GaveUp() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gaveUp++
}

func (h *recordingHandler) StateChanged(s client.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, s)
}

func (h *recordingHandler) snapshot() recordingHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return recordingHandler{
		connected: h.connected,
		messages:  append([]string(nil), h.messages...),
		scrolls:   h.scrolls,
		errors:    append([]string(nil), h.errors...),
		gaveUp:    h.gaveUp,
		states:    append([]client.State(nil), h.states...),
	}
}

// singleDialer always hands out the same transport.
type singleDialer struct{ t client.Transport }

func (d singleDialer) Dial(context.Context, string) (client.Transport, error) { return d.t, nil }

// eagerTransport delivers a frame from inside Listen, as a busy room would.
type eagerTransport struct {
	fakeTransport
	frame string
}

func (t *eagerTransport) Listen(s client.Sink) {
	t.fakeTransport.Listen(s)
	s.Frame([]byte(t.frame))
}

// blockingTransport holds the appear write until release is closed.
type blockingTransport struct {
	fakeTransport
	entered chan struct{}
	release chan struct{}
}

func (t *blockingTransport) Send(cmd chat.Command) error {
	if cmd.Command == chat.CommandAppear {
		close(t.entered)
		<-t.release
	}
	return t.fakeTransport.Send(cmd)
}

// orderedHandler records Connected and Message calls in order.
type orderedHandler struct {
	mu     sync.Mutex
	events []string
}

func (h *orderedHandler) record(e string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *orderedHandler) Connected()       { h.record("connected") }
func (h *orderedHandler) Message(p string) { h.record("message:" + p) }
func (h *orderedHandler) ScrollToLatest()  {}
func (h *orderedHandler) Error(string)     {}
func (h *orderedHandler) GaveUp()          {}

func (h *orderedHandler) list() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}
