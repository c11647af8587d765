// Package session owns the transport-session bootstrap between a producer
// and a log store.
//
// Ownership boundary:
// - out-of-band descriptor exchange over a reliable byte stream
// - endpoint state transitions (receive path armed before send path)
// - the ACTIVE barrier and session teardown
// - bootstrap dial/accept with bounded retry
//
// A session is single-use: any failure before ACTIVE is fatal and the
// caller builds a new one.
package session
