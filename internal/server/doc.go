// Package server exposes the coordinator over HTTP.
//
// Routes:
//
//	GET  /ws                              WebSocket upgrade, one protocol connection
//	GET  /health                          component status and counters
//	GET  /api/exams/{examId}/sessions     open sessions of an exam
//	GET  /api/sessions/{sessionId}        one session with its risk report
//	POST /api/sessions/{sessionId}/end    complete or suspend a session
//
// The /api routes require a supervisor bearer token when a verifier is
// configured.
package server
