// Package cq implements the completion queue: a FIFO of completion entries
// pushed by the send and receive queues and drained by polling (§2 item 5,
// §5 "Completions are drained from the CQ by polling").
package cq

import (
	"github.com/samsamfire/roce"
	"github.com/samsamfire/roce/pkg/metrics"
)

// CQE is a completion queue entry (§3).
type CQE struct {
	WRID      uint64
	Status    roce.CompletionStatus
	Opcode    roce.CompletionOpcode
	Length    uint32
	LocalQPN  uint32
	SrcQPN    uint32
	WithImm   bool
	WithInv   bool
	Immediate uint32 // valid when WithImm
	InvRKey   uint32 // valid when WithInv
}

// CQ is a FIFO completion queue. It is not safe for concurrent use; the
// single cooperative loop that owns a QP (§5) is its only writer, and a
// caller's poll loop is its only reader.
type CQ struct {
	entries []CQE
	metrics *metrics.Metrics
}

// New allocates an empty completion queue.
func New() *CQ {
	return &CQ{}
}

// SetMetrics attaches Prometheus instrumentation; passing nil disables it.
func (c *CQ) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Push appends a completion entry.
func (c *CQ) Push(e CQE) {
	c.entries = append(c.entries, e)
	if c.metrics != nil {
		c.metrics.CQEsPushed.Inc()
		c.metrics.CQDepth.Set(float64(len(c.entries)))
	}
}

// Poll removes and returns the oldest entry, or false if the queue is
// empty.
func (c *CQ) Poll() (CQE, bool) {
	if len(c.entries) == 0 {
		return CQE{}, false
	}
	e := c.entries[0]
	c.entries = c.entries[1:]
	if c.metrics != nil {
		c.metrics.CQDepth.Set(float64(len(c.entries)))
	}
	return e, true
}

// Len reports the number of entries currently queued.
func (c *CQ) Len() int {
	return len(c.entries)
}
