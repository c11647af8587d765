// Package verbs is a software one-sided memory transport.
//
// Ownership boundary:
// - device identity (path address + routing id) and the responder agent
// - registered memory regions and their access rights
// - endpoints (queue pairs), their state machine and in-order work execution
// - completion queues
//
// A remote write, read or compare-and-swap is serviced by the target
// device's agent directly against registered memory; the owning process
// takes no action and receives no notification.
package verbs
