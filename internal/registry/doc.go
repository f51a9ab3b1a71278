// Package registry implements the Connection Registry component.
//
// The Registry:
//   - Owns every live connection entry (identity, role, exam, session, activity)
//   - Verifies credentials and restricts unauthenticated entries to re-authentication
//   - Is the only source of truth the Room Router consults for delivery
//   - Shards entries by connection ID so independent connections never contend
package registry
