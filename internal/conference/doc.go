// Package conference implements the room model: a registry of rooms, the
// per-room peer/transport/producer/consumer bookkeeping, and the fan-out of
// room events to connected peers.
//
// All state transitions for a room happen under that room's single mutex, so
// concurrent signaling requests against the same room serialize and observers
// never see partial state. Media engine callbacks re-enter the room on their
// own goroutines and take the same lock.
package conference
