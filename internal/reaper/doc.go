// Package reaper implements the Stale Connection Reaper component.
//
// The Stale Connection Reaper:
//   - Sweeps the registry on a fixed interval (default: 1m)
//   - Evicts connections older than MaxAge that have also been idle for
//     longer than IdleTimeout
//   - Removes evicted connections from every room
//   - Never evicts a connection touched within the idle window
package reaper
