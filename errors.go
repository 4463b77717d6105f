package roce

import "errors"

// Sentinel errors returned by post-time validation (§7 "Immediate errors")
// and by the verbs surface. These never cross the wire; they are rejected at
// the point of the call, before a work request is ever enqueued.
var (
	ErrQPNotRTS          = errors.New("roce: queue pair is not in RTS state")
	ErrQPNotRTR          = errors.New("roce: queue pair is not in RTR state")
	ErrInvalidOpcode     = errors.New("roce: work request opcode is not send/write/read/atomic")
	ErrMissingImmediate  = errors.New("roce: immediate value required for this opcode")
	ErrAtomicBufferShort = errors.New("roce: atomic local scatter entry shorter than 8 bytes")
	ErrScatterOutOfMR    = errors.New("roce: scatter/gather window lies outside the referenced memory region")
	ErrMRNotFound        = errors.New("roce: memory region not found for given key")
	ErrMRPermission      = errors.New("roce: memory region does not grant the required access flag")
	ErrMRBounds          = errors.New("roce: access lies outside memory region bounds")
	ErrMRMisaligned      = errors.New("roce: atomic address not 8-byte aligned within memory region")
	ErrReceiveQueueEmpty = errors.New("roce: no receive work request posted")
	ErrSequence          = errors.New("roce: packet sequence number is out of order")
	ErrInvalidRequest    = errors.New("roce: packet violates per-position size or opcode-pair legality")
	ErrUnsupportedFamily = errors.New("roce: only the RC transport family carries core semantics")
)
