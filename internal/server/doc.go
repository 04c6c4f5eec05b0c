// Package server implements the HTTP and WebSocket front of roomchat.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, the wire protocol, routing, and HTTP handlers.
// Room membership and fan-out live in the chat package; this package only
// moves frames between sockets and chat sessions.
package server
