// Package session owns the MLLP engine pieces shared by the producer and the
// consumer.
//
// Ownership boundary:
// - endpoint configuration, defaults and transport validation
// - per-connection state, guard and activity tracking
// - connection registry and idle-timeout monitor
// - TLS configuration and peer certificate extraction
// - error taxonomy and PHI-aware rendering of payload bytes
package session
