package chat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

// State is the lifecycle position of a Session.
type State int

const (
	// Unsubscribed is the state of a new session and of a closed one.
	Unsubscribed State = iota
	// Subscribed means the session is joined to exactly one room.
	Subscribed
)

func (s State) String() string {
	if s == Subscribed {
		return "subscribed"
	}
	return "unsubscribed"
}

// Options configures a Relay.
type Options struct {
	Store    Store
	Renderer Renderer
	Presence Presence
	Logger   *zap.Logger
}

// Relay bundles the registry, broadcaster and collaborators shared by all
// sessions of one process.
type Relay struct {
	Registry    *Registry
	Broadcaster *Broadcaster

	store    Store
	presence Presence
	log      *zap.Logger
}

// NewRelay wires a registry and broadcaster around the given collaborators.
func NewRelay(opts Options) *Relay {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	presence := opts.Presence
	if presence == nil {
		presence = nopPresence{}
	}
	registry := NewRegistry()
	return &Relay{
		Registry:    registry,
		Broadcaster: NewBroadcaster(registry, opts.Renderer, log),
		store:       opts.Store,
		presence:    presence,
		log:         log,
	}
}

// NewSession returns an unsubscribed session bound to conn.
func (r *Relay) NewSession(conn Conn) *Session {
	return &Session{
		conn:  conn,
		relay: r,
		log:   r.log.With(zap.String("conn", conn.ID())),
	}
}

// History returns up to limit recent messages of room, newest first.
func (r *Relay) History(ctx context.Context, room string, limit int) ([]Message, error) {
	if err := ValidateRoom(room); err != nil {
		return nil, err
	}
	msgs, err := r.store.RecentMessages(ctx, room, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "recent messages for room %q", room)
	}
	return msgs, nil
}

// Online lists the users that signalled appear in room.
func (r *Relay) Online(ctx context.Context, room string) ([]string, error) {
	return r.presence.Online(ctx, room)
}

// Session is the server-side state binding one connection to one room.
// Once unsubscribed it cannot be reused; a new Session is required.
type Session struct {
	conn  Conn
	relay *Relay
	log   *zap.Logger

	mu       sync.Mutex
	state    State
	closed   bool
	appeared bool
	room     string
	user     Identity
}

// Conn returns the connection the session is bound to.
func (s *Session) Conn() Conn { return s.conn }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room returns the joined room, or "" when unsubscribed.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// User returns the identity supplied at subscribe time.
func (s *Session) User() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Subscribe joins the session to room on behalf of user.
func (s *Session) Subscribe(ctx context.Context, room string, user Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if !user.Known() {
		s.log.Warn("subscribe_rejected", zap.String("room", room), zap.Error(ErrMissingIdentity))
		return ErrMissingIdentity
	}
	if err := ValidateRoom(room); err != nil {
		s.log.Warn("subscribe_rejected", zap.String("room", room), zap.String("user", user.ID), zap.Error(err))
		return err
	}
	if s.state == Subscribed {
		if s.room == room {
			return nil
		}
		return ErrAlreadySubscribedElsewhere
	}

	if err := s.relay.Registry.Join(room, s); err != nil {
		s.log.Warn("subscribe_rejected", zap.String("room", room), zap.String("user", user.ID), zap.Error(err))
		return err
	}
	s.state = Subscribed
	s.room = room
	s.user = user
	s.log.Info("session_subscribed", zap.String("room", room), zap.String("user", user.ID))
	return nil
}

// Unsubscribe leaves the room and closes the session. Calling it again, or on
// a session that never subscribed, is a no-op.
func (s *Session) Unsubscribe(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wasSubscribed := s.state == Subscribed
	appeared := s.appeared
	room, user := s.room, s.user
	s.state = Unsubscribed
	s.appeared = false
	s.mu.Unlock()

	if !wasSubscribed {
		return
	}
	s.relay.Registry.Leave(room, s)
	if appeared {
		if err := s.relay.presence.Disappear(ctx, room, user); err != nil {
			s.log.Warn("presence_clear_failed", zap.String("room", room), zap.String("user", user.ID), zap.Error(err))
		}
	}
	s.log.Info("session_unsubscribed", zap.String("room", room), zap.String("user", user.ID))
}

// Appear records that the session's user is viewing the room. Repeated
// appears from one session count once.
func (s *Session) Appear(ctx context.Context) error {
	room, user, changed, err := s.markAppeared(true)
	if err != nil || !changed {
		return err
	}
	if err := s.relay.presence.Appear(ctx, room, user); err != nil {
		s.log.Warn("presence_appear_failed", zap.String("room", room), zap.String("user", user.ID), zap.Error(err))
	}
	return nil
}

// Disappear records that the session's user left the room view.
func (s *Session) Disappear(ctx context.Context) error {
	room, user, changed, err := s.markAppeared(false)
	if err != nil || !changed {
		return err
	}
	if err := s.relay.presence.Disappear(ctx, room, user); err != nil {
		s.log.Warn("presence_disappear_failed", zap.String("room", room), zap.String("user", user.ID), zap.Error(err))
	}
	return nil
}

// HandleSpeak persists raw as a message from the session's user and, once
// stored, broadcasts it to the room. The author gets the message through the
// broadcast like every other member. Rejected or failed saves are returned to
// the caller and never reach the room.
func (s *Session) HandleSpeak(ctx context.Context, raw string) error {
	room, user, err := s.subscription()
	if err != nil {
		return err
	}

	log := s.log.With(zap.String("room", room), zap.String("user", user.ID))
	log.Info("speak_received", zap.String("content", raw))

	saved, err := s.relay.store.Save(ctx, Message{Content: raw, Author: user, Room: room})
	if err != nil {
		if IsValidationError(err) {
			metrics.SpeakRejected.WithLabelValues("validation").Inc()
			log.Warn("message_rejected", zap.String("content", raw), zap.Error(err))
			return err
		}
		metrics.SpeakRejected.WithLabelValues("persistence").Inc()
		log.Error("message_save_failed", zap.String("content", raw), zap.Error(err))
		return errors.Wrap(err, "save message")
	}
	metrics.MessagesSaved.Inc()
	log.Info("message_saved", zap.String("msg_id", saved.ID))

	s.relay.Broadcaster.Publish(saved)
	return nil
}

func (s *Session) markAppeared(appeared bool) (string, Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Subscribed {
		return "", Identity{}, false, ErrNotSubscribed
	}
	changed := s.appeared != appeared
	s.appeared = appeared
	return s.room, s.user, changed, nil
}

func (s *Session) subscription() (string, Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Subscribed {
		return "", Identity{}, ErrNotSubscribed
	}
	return s.room, s.user, nil
}
