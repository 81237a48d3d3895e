// Package signaling implements the WebSocket gateway: one connection per
// client carrying JSON request/response pairs plus server-pushed events. The
// gateway owns connection-level concerns (origin policy, message limits,
// keepalive, send queueing) and translates between the wire protocol and the
// conference core.
package signaling
