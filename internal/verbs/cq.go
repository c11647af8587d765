package verbs

import (
	"fmt"
	"time"
)

// Opcode is the kind of work request a completion reports on.
type Opcode int

const (
	OpcodeWrite Opcode = iota
	OpcodeRead
	OpcodeCompareAndSwap
)

func (o Opcode) String() string {
	switch o {
	case OpcodeWrite:
		return "write"
	case OpcodeRead:
		return "read"
	case OpcodeCompareAndSwap:
		return "compare_and_swap"
	default:
		return fmt.Sprintf("opcode(%d)", int(o))
	}
}

// Status is the work completion status.
type Status int

const (
	StatusSuccess Status = iota
	StatusLocalProtectionError
	StatusRemoteAccessError
	StatusRemoteNotReady
	StatusTransportError
	StatusFlushed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLocalProtectionError:
		return "local_protection_error"
	case StatusRemoteAccessError:
		return "remote_access_error"
	case StatusRemoteNotReady:
		return "remote_not_ready"
	case StatusTransportError:
		return "transport_error"
	case StatusFlushed:
		return "flushed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Completion is one work completion.
type Completion struct {
	WRID    uint64
	Opcode  Opcode
	Status  Status
	ByteLen uint32
	// Value holds the pre-update word for compare-and-swap.
	Value uint64
	Err   error
}

type CompletionQueue struct {
	ch chan Completion
}

// Poll waits up to timeout for one completion. A non-positive timeout
// checks the queue once without blocking.
func (cq *CompletionQueue) Poll(timeout time.Duration) (Completion, bool) {
	if timeout <= 0 {
		select {
		case c := <-cq.ch:
			return c, true
		default:
			return Completion{}, false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-cq.ch:
		return c, true
	case <-timer.C:
		return Completion{}, false
	}
}

func (cq *CompletionQueue) Len() int {
	return len(cq.ch)
}

func (cq *CompletionQueue) Cap() int {
	return cap(cq.ch)
}
