package completion

import (
	"errors"
	"fmt"

	"github.com/danmuck/xlogship/internal/verbs"
)

// Op is the kind of one-sided operation an event reports on.
type Op int

const (
	OpNone Op = iota
	OpWrite
	OpRead
	OpCompareAndSwap
)

func (o Op) String() string {
	switch o {
	case OpNone:
		return "none"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpCompareAndSwap:
		return "compare_and_swap"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

func opFromVerbs(o verbs.Opcode) Op {
	switch o {
	case verbs.OpcodeWrite:
		return OpWrite
	case verbs.OpcodeRead:
		return OpRead
	case verbs.OpcodeCompareAndSwap:
		return OpCompareAndSwap
	default:
		return OpNone
	}
}

type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "SUCCESS"
	}
	return "FAILURE"
}

// Reason separates a silent wait from an operation that completed badly.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTimeout
	ReasonOperationError
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTimeout:
		return "TIMEOUT"
	case ReasonOperationError:
		return "OPERATION_ERROR"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

var (
	ErrTimeout     = errors.New("completion: timeout")
	ErrOperation   = errors.New("completion: operation error")
	ErrOutOfBounds = errors.New("completion: offset out of bounds")
)

// Event is one polled completion.
type Event struct {
	RequestID uint64
	Op        Op
	Status    Status
	Reason    Reason
	ByteLen   uint32
	// Value is the pre-update word of a compare-and-swap.
	Value uint64
	// Detail is the platform status behind an OPERATION_ERROR.
	Detail verbs.Status
	Cause  error
}

func (e Event) OK() bool {
	return e.Status == StatusSuccess
}

// Err returns nil for SUCCESS and an *Error otherwise.
func (e Event) Err() error {
	if e.OK() {
		return nil
	}
	return &Error{RequestID: e.RequestID, Op: e.Op, Reason: e.Reason, Detail: e.Detail, Cause: e.Cause}
}

// Error is a failed completion. It matches ErrTimeout or ErrOperation
// under errors.Is.
type Error struct {
	RequestID uint64
	Op        Op
	Reason    Reason
	Detail    verbs.Status
	Cause     error
}

func (e *Error) Error() string {
	if e.Reason == ReasonTimeout {
		return fmt.Sprintf("completion: %s request %d: TIMEOUT", e.Op, e.RequestID)
	}
	msg := fmt.Sprintf("completion: %s request %d: OPERATION_ERROR (%s)", e.Op, e.RequestID, e.Detail)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Reason == ReasonTimeout
	case ErrOperation:
		return e.Reason == ReasonOperationError
	}
	return false
}

func (e *Error) Unwrap() error {
	return e.Cause
}
