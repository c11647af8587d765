package verbs

import "errors"

var (
	ErrDeviceOpen      = errors.New("verbs: device open failed")
	ErrDeviceClosed    = errors.New("verbs: device closed")
	ErrInvalidRegion   = errors.New("verbs: invalid region")
	ErrRegionTooLarge  = errors.New("verbs: region too large")
	ErrAccessRefused   = errors.New("verbs: access flags refused")
	ErrUnknownRegion   = errors.New("verbs: unknown region")
	ErrOutOfRange      = errors.New("verbs: access out of region range")
	ErrInvalidState    = errors.New("verbs: invalid endpoint state")
	ErrEndpointClosed  = errors.New("verbs: endpoint closed")
	ErrQueueFull       = errors.New("verbs: send queue full")
	ErrLocalProtection = errors.New("verbs: local protection error")
	ErrInvalidLength   = errors.New("verbs: invalid work request length")
	ErrMisaligned      = errors.New("verbs: atomic target not 8-byte aligned")
)
