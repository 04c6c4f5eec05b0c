package server

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Error reasons sent to the originating connection.
const (
	reasonInvalidRoom       = "invalid_room"
	reasonNotSubscribed     = "not_subscribed"
	reasonAlreadySubscribed = "already_subscribed"
	reasonUnauthorized      = "unauthorized"
	reasonValidationFailed  = "validation_failed"
	reasonSpeakFailed       = "speak_failed"
	reasonSessionClosed     = "session_closed"
	reasonUnknownCommand    = "unknown_command"
	reasonMalformedCommand  = "malformed_command"
)

func parseCommand(raw []byte) (chat.Command, error) {
	var cmd chat.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return chat.Command{}, errors.Wrap(err, "decode command")
	}
	cmd.Command = strings.ToLower(strings.TrimSpace(cmd.Command))
	if cmd.Command == "" {
		return chat.Command{}, errors.New("missing command")
	}
	return cmd, nil
}

// reasonFor maps a session error to the reason string of an error envelope.
func reasonFor(err error) string {
	var verr *chat.ValidationError
	switch {
	case errors.As(err, &verr):
		return reasonValidationFailed + ": " + verr.Summary()
	case errors.Is(err, chat.ErrInvalidRoom):
		return reasonInvalidRoom
	case errors.Is(err, chat.ErrNotSubscribed):
		return reasonNotSubscribed
	case errors.Is(err, chat.ErrAlreadySubscribedElsewhere):
		return reasonAlreadySubscribed
	case errors.Is(err, chat.ErrMissingIdentity):
		return reasonUnauthorized
	case errors.Is(err, chat.ErrSessionClosed):
		return reasonSessionClosed
	default:
		return reasonSpeakFailed
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
