// Package receiver is the log store role.
//
// Ownership boundary:
// - arrival loop: slot flag scan, copy-out, reset to EMPTY
// - flush cursor: the one lock-guarded word the producer reads remotely
// - durability task: supervised, periodic, stoppable
//
// Producer and receiver never exchange messages on the data plane. The
// slot flag hands an entry over; the flush cursor reports durability.
package receiver
