// Package chat implements the room subscription and broadcast core of the
// relay: the process-wide Registry mapping rooms to joined sessions, the
// per-connection Session state machine, and the Broadcaster that fans a
// persisted message out to every member of its room.
//
// Transport, persistence, identity, rendering and presence are collaborators
// reached through the small interfaces declared in this package.
package chat
