package roce

import "fmt"

// CompletionStatus is the status carried by a CQE (§3, §7). Zero is success;
// non-zero values name the class of failure, mirroring the way the teacher's
// ODR return codes name Object Dictionary access failures.
type CompletionStatus uint32

const (
	StatusSuccess CompletionStatus = iota
	// StatusLocLenErr: local length mismatch, e.g. an assembled read
	// response whose total differs from the request's RETH.dlen.
	StatusLocLenErr
	// StatusLocProtErr: a local MR bound or permission violation while
	// landing a read response or atomic-ack.
	StatusLocProtErr
	// StatusRemInvReqErr: peer NAK'd invalid-request (out-of-sequence
	// opcode, bad packet size, misaligned atomic).
	StatusRemInvReqErr
	// StatusRemAccessErr: peer NAK'd remote-access (rkey/permission
	// violation on our write/read/atomic).
	StatusRemAccessErr
	// StatusRemOpErr: peer NAK'd remote-operation error.
	StatusRemOpErr
	// StatusRnrRetryExcErr: RNR NAK retries exhausted.
	StatusRnrRetryExcErr
	// StatusWrFlushErr: work request flushed after the QP entered ERR.
	StatusWrFlushErr
)

var statusDescriptions = map[CompletionStatus]string{
	StatusSuccess:         "success",
	StatusLocLenErr:       "local length error",
	StatusLocProtErr:      "local protection error",
	StatusRemInvReqErr:    "remote invalid request error",
	StatusRemAccessErr:    "remote access error",
	StatusRemOpErr:        "remote operation error",
	StatusRnrRetryExcErr:  "RNR retry counter exceeded",
	StatusWrFlushErr:      "work request flushed in error",
}

func (s CompletionStatus) String() string {
	if d, ok := statusDescriptions[s]; ok {
		return d
	}
	return fmt.Sprintf("CompletionStatus(%d)", uint32(s))
}

func (s CompletionStatus) Error() string { return s.String() }

// AETHCode is the 2-bit syndrome code carried by AETH (§4.1).
type AETHCode uint8

const (
	AETHCodeACK  AETHCode = 0
	AETHCodeRNR  AETHCode = 1
	AETHCodeRsvd AETHCode = 2
	AETHCodeNAK  AETHCode = 3
)

// NAK values carried in AETH.value when Code == AETHCodeNAK (§4.3).
const (
	NAKSequenceError  uint8 = 0
	NAKInvalidRequest uint8 = 1
	NAKRemoteAccess   uint8 = 2
	NAKRemoteOp       uint8 = 3
)

// nakStatus maps a fatal AETH NAK value to the CompletionStatus surfaced on
// the requester's CQE, per §4.3 step 2 and §7.
var nakStatus = map[uint8]CompletionStatus{
	NAKInvalidRequest: StatusRemInvReqErr,
	NAKRemoteAccess:   StatusRemAccessErr,
	NAKRemoteOp:       StatusRemOpErr,
}

// NAKToStatus returns the CompletionStatus for a fatal NAK value and whether
// that value is recognized as fatal (sequence-error, value 0, is not fatal
// here; it drives a retry instead, see pkg/sq).
func NAKToStatus(value uint8) (CompletionStatus, bool) {
	s, ok := nakStatus[value]
	return s, ok
}
