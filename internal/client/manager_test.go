package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/roomchat/internal/client"
)

func newTestManager(t *testing.T, dialer *fakeDialer) (*client.Manager, *fakeScheduler, *recordingHandler) {
	t.Helper()
	sched := &fakeScheduler{}
	handler := &recordingHandler{}
	m := client.New("general", dialer, handler,
		client.WithScheduler(sched),
		client.WithLogger(zaptest.NewLogger(t)),
	)
	return m, sched, handler
}

// TestConnectSendsAppear verifies the Connected entry actions.
func TestConnectSendsAppear(t *testing.T) {
	dialer := &fakeDialer{}
	m, sched, handler := newTestManager(t, dialer)

	require.NoError(t, m.Start(context.Background()))

	assert.Equal(t, client.Connected, m.State())
	assert.Equal(t, []string{"general"}, dialer.rooms)
	assert.Equal(t, []string{"appear"}, dialer.last().commands())
	assert.Equal(t, 1, handler.snapshot().connected)
	assert.Nil(t, sched.pending())
	assert.ErrorIs(t, m.Start(context.Background()), client.ErrAlreadyStarted)
}

// TestBackoffSequence verifies the default policy: five retries at 2s, 4s,
// 8s, 10s, 10s and then give up.
func TestBackoffSequence(t *testing.T) {
	dialer := &fakeDialer{failures: 100}
	m, sched, handler := newTestManager(t, dialer)

	require.NoError(t, m.Start(context.Background()))
	for i := 0; i < client.DefaultMaxAttempts; i++ {
		require.Equal(t, client.Reconnecting, m.State())
		sched.fireLast()
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	assert.Equal(t, want, sched.delays())
	assert.Equal(t, client.GivenUp, m.State())
	assert.Equal(t, 1, handler.snapshot().gaveUp)
	assert.Equal(t, 1+client.DefaultMaxAttempts, dialer.dialCount())

	// No timer is left that could dial again.
	sched.fireLast()
	assert.Equal(t, 1+client.DefaultMaxAttempts, dialer.dialCount())
}

// TestBackoffResetsAfterSuccess verifies a successful resubscribe resets the
// attempt counter and the delay sequence.
func TestBackoffResetsAfterSuccess(t *testing.T) {
	dialer := &fakeDialer{failures: 2}
	m, sched, handler := newTestManager(t, dialer)

	require.NoError(t, m.Start(context.Background()))
	sched.fireLast()
	sched.fireLast()
	require.Equal(t, client.Connected, m.State())
	assert.Equal(t, 0, m.Attempts())
	assert.Equal(t, 1, handler.snapshot().connected)

	dialer.last().drop()
	require.Equal(t, client.Reconnecting, m.State())
	assert.Equal(t, 1, m.Attempts())

	want := []time.Duration{2 * time.Second, 4 * time.Second, 2 * time.Second}
	assert.Equal(t, want, sched.delays())

	sched.fireLast()
	assert.Equal(t, client.Connected, m.State())
	assert.Equal(t, 2, handler.snapshot().connected)
}

// TestDisconnectWhileConnected verifies that a dropped transport is
// discarded and a single resubscribe is scheduled.
func TestDisconnectWhileConnected(t *testing.T) {
	dialer := &fakeDialer{}
	m, sched, handler := newTestManager(t, dialer)
	require.NoError(t, m.Start(context.Background()))

	first := dialer.last()
	first.drop()

	assert.Equal(t, client.Reconnecting, m.State())
	assert.True(t, first.isClosed())
	assert.Len(t, sched.delays(), 1)
	assert.ErrorIs(t, m.Speak("hello"), client.ErrNotConnected)

	states := handler.snapshot().states
	assert.Contains(t, states, client.Disconnected)
	assert.Equal(t, client.Reconnecting, states[len(states)-1])
}

// TestStaleTransportIgnored verifies that frames and close events from a
// previous transport have no effect.
func TestStaleTransportIgnored(t *testing.T) {
	dialer := &fakeDialer{}
	m, sched, handler := newTestManager(t, dialer)
	require.NoError(t, m.Start(context.Background()))

	stale := dialer.last()
	stale.drop()
	sched.fireLast()
	require.Equal(t, client.Connected, m.State())
	current := dialer.last()
	require.NotSame(t, stale, current)

	stale.frame(`{"message":"late"}`)
	stale.drop()

	assert.Equal(t, client.Connected, m.State())
	assert.Empty(t, handler.snapshot().messages)
	assert.Len(t, sched.delays(), 1)

	current.frame(`{"message":"fresh"}`)
	assert.Equal(t, []string{"fresh"}, handler.snapshot().messages)
}

// TestFrameDispatch verifies batched frames are split and each kind reaches
// the right handler method.
func TestFrameDispatch(t *testing.T) {
	dialer := &fakeDialer{}
	m, _, handler := newTestManager(t, dialer)
	require.NoError(t, m.Start(context.Background()))

	dialer.last().frame("{\"message\":\"<p>one</p>\"}\n{\"error\":\"validation_failed: content can't be blank\"}\nnot json\n{\"message\":\"two\"}")
	dialer.last().frame(`{"subscribed":"general"}`)
	dialer.last().frame(`{}`)

	got := handler.snapshot()
	assert.Equal(t, []string{"<p>one</p>", "two"}, got.messages)
	assert.Equal(t, 2, got.scrolls)
	assert.Equal(t, []string{"validation_failed: content can't be blank"}, got.errors)
	assert.Equal(t, client.Connected, m.State())
}

// TestSpeak covers the send path and its preconditions.
func TestSpeak(t *testing.T) {
	dialer := &fakeDialer{failures: 1}
	m, sched, _ := newTestManager(t, dialer)

	assert.ErrorIs(t, m.Speak("early"), client.ErrNotConnected)
	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Speak("while reconnecting"), client.ErrNotConnected)

	sched.fireLast()
	require.Equal(t, client.Connected, m.State())

	assert.ErrorIs(t, m.Speak("   "), client.ErrEmptyMessage)
	require.NoError(t, m.Speak("  hello  "))

	tr := dialer.last()
	assert.Equal(t, []string{"appear", "speak"}, tr.commands())
	tr.mu.Lock()
	assert.Equal(t, "hello", tr.sent[1].Message)
	tr.mu.Unlock()
}

// TestCloseWhileConnected verifies teardown tells the server and is idempotent.
func TestCloseWhileConnected(t *testing.T) {
	dialer := &fakeDialer{}
	m, _, _ := newTestManager(t, dialer)
	require.NoError(t, m.Start(context.Background()))

	tr := dialer.last()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, client.Closed, m.State())
	assert.Equal(t, []string{"appear", "disappear", "unsubscribe"}, tr.commands())
	assert.True(t, tr.isClosed())

	// A close event from the torn down transport does not resurrect it.
	tr.drop()
	assert.Equal(t, client.Closed, m.State())
}

// TestCloseCancelsPendingTimer verifies no resubscribe happens after teardown.
func TestCloseCancelsPendingTimer(t *testing.T) {
	dialer := &fakeDialer{failures: 1}
	m, sched, _ := newTestManager(t, dialer)
	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, client.Reconnecting, m.State())

	timer := sched.pending()
	require.NoError(t, m.Close())
	assert.True(t, timer.stopped)

	// Even if the runtime fires a timer that lost the race with Stop.
	timer.f()
	assert.Equal(t, client.Closed, m.State())
	assert.Equal(t, 1, dialer.dialCount())
}

// TestCustomPolicy verifies WithPolicy.
func TestCustomPolicy(t *testing.T) {
	dialer := &fakeDialer{failures: 100}
	sched := &fakeScheduler{}
	handler := &recordingHandler{}
	m := client.New("general", dialer, handler,
		client.WithScheduler(sched),
		client.WithPolicy(2, 100*time.Millisecond, 300*time.Millisecond),
	)

	require.NoError(t, m.Start(context.Background()))
	sched.fireLast()
	sched.fireLast()

	assert.Equal(t, []time.Duration{200 * time.Millisecond, 300 * time.Millisecond}, sched.delays())
	assert.Equal(t, client.GivenUp, m.State())
}

// TestPolicyCapBelowFirstDelay verifies the cap also bounds the first retry.
func TestPolicyCapBelowFirstDelay(t *testing.T) {
	dialer := &fakeDialer{failures: 100}
	sched := &fakeScheduler{}
	m := client.New("general", dialer, &recordingHandler{},
		client.WithScheduler(sched),
		client.WithPolicy(3, time.Second, 1500*time.Millisecond),
	)

	require.NoError(t, m.Start(context.Background()))
	for i := 0; i < 3; i++ {
		sched.fireLast()
	}

	ceiling := 1500 * time.Millisecond
	assert.Equal(t, []time.Duration{ceiling, ceiling, ceiling}, sched.delays())
	assert.Equal(t, client.GivenUp, m.State())
}

// TestConnectedBeforeFirstFrame verifies a broadcast that arrives as soon as
// the transport listens is handled after Connected.
func TestConnectedBeforeFirstFrame(t *testing.T) {
	tr := &eagerTransport{frame: `{"message":"early"}`}
	handler := &orderedHandler{}
	m := client.New("general", singleDialer{tr}, handler,
		client.WithScheduler(&fakeScheduler{}),
		client.WithLogger(zaptest.NewLogger(t)),
	)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"connected", "message:early"}, handler.list())
}

// TestAppearDoesNotHoldLock verifies a slow appear write leaves the manager
// usable.
func TestAppearDoesNotHoldLock(t *testing.T) {
	tr := &blockingTransport{entered: make(chan struct{}), release: make(chan struct{})}
	m := client.New("general", singleDialer{tr}, &recordingHandler{},
		client.WithScheduler(&fakeScheduler{}),
	)

	started := make(chan struct{})
	go func() {
		defer close(started)
		_ = m.Start(context.Background())
	}()
	<-tr.entered

	states := make(chan client.State, 1)
	go func() { states <- m.State() }()
	select {
	case st := <-states:
		assert.Equal(t, client.Connected, st)
	case <-time.After(time.Second):
		t.Fatal("State blocked behind the appear write")
	}

	close(tr.release)
	<-started
}

// TestStateString verifies the state names used in logs.
func TestStateString(t *testing.T) {
	assert.Equal(t, "given_up", client.GivenUp.String())
	assert.Equal(t, "reconnecting", client.Reconnecting.String())
}
