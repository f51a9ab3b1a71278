// Package router implements the Room Router component.
//
// The Room Router:
//   - Groups registry connections into rooms keyed by exam and scope
//     (supervisors, subjects, or a single session)
//   - Fans events out to a room's membership as it stands at call time
//   - Encodes each event once per broadcast and never blocks on a slow member
//   - Resolves every delivery through the Registry, so membership of a
//     disconnected connection is skipped rather than written to
//
// It also provides Queue, the growable FIFO used for per-connection outbound
// traffic and for the persistence writer's input.
package router
