// Package signaling implements the WebSocket relay that brokers WebRTC
// peer-connection setup for class meetings.
//
// Each participant holds one WebSocket connection to the relay. The relay
// assigns every connection an opaque ConnectionID, groups connections into
// meeting rooms, and forwards opaque signaling payloads (SDP offers/answers,
// ICE candidates) between connections addressed by ConnectionID. Payload
// contents are never inspected or persisted; once signaling completes, media
// flows peer to peer and the relay is out of the path.
//
// Delivery is at-most-once and best-effort: a signal addressed to a
// connection that has gone away is dropped silently. Browsers re-negotiate
// at the ICE level, so a lost stale candidate is harmless.
package signaling
