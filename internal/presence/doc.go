// Package presence is the real-time presence session over a WebSocket.
//
// The server pushes presence.config messages. A config is pending while the
// server is still negotiating it, or while a local presence.status.set is
// unanswered. The transition from pending (or no config) to settled is
// published as events.KindPresenceConfigSettled.
package presence
