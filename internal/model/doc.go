// Package model defines shared data types used across the proctoring coordinator.
//
// Conventions:
//   - Per-category telemetry scores: float64 in [0, 1]
//   - Session risk scores: float64 in [0, 100]
//   - Timestamps: time.Time, UTC
//   - IDs: uuid.UUID for sessions, alerts and samples; string for subjects, exams and connections
package model
