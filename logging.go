package roce

import log "github.com/sirupsen/logrus"

// Log is the package-wide logger. Callers own logging configuration (§1 —
// out of scope for the core); this just gives every package in the module a
// consistent field-structured entry point, the way the teacher's packages
// all call straight into a shared logrus logger.
var Log = log.StandardLogger()

// WithQP returns a log entry tagged with a queue pair's debug identity.
func WithQP(qpn uint32, debugID string) *log.Entry {
	return Log.WithFields(log.Fields{"qpn": qpn, "qp": debugID})
}
