// Package realtime contains the WebSocket gateway, the live device connection
// registry, and the fan-out that keeps every device of a user in sync.
//
// Ownership model:
//   - Registry is the only shared mutable structure. Everything that needs to know
//     who is online receives it by injection.
//   - A Conn's outbound queue is never closed; senders enqueue non-blocking and a
//     per-connection writer drains it.
//   - Persisted state (messages, memberships, missed notifications) lives behind
//     the Store interfaces; the registry holds no durable data.
package realtime
