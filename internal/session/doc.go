// Package session implements the Session Lifecycle Manager.
//
// A session moves through:
//
//	(none) → active → disconnected → active (resume) → completed
//
// with suspended as a side branch that only End may leave. At most one
// session per (subject, exam) is open (active or disconnected) at any time;
// concurrent ResolveOrCreate calls for the same pair are collapsed with
// singleflight and checked again under the manager lock.
//
// Every mutation hands a snapshot to the Persister, normally the background
// writer, so sessions are append-only audit records whose status, end time,
// score and counters change but which are never deleted from storage.
package session
