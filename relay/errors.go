package relay

import "fmt"

// Admission rejection codes. These are stable strings surfaced verbatim in
// API error payloads.
const (
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionNotActive    = "SESSION_NOT_ACTIVE"
	CodeSessionNotWaitingDM = "SESSION_NOT_WAITING_DM"
	CodeAlreadyAccepted     = "ALREADY_ACCEPTED"
	CodeTurnMismatch        = "TURN_MISMATCH"
	CodeEpochNotActive      = "EPOCH_NOT_ACTIVE"
	CodeDMEpochMismatch     = "DM_EPOCH_MISMATCH"
	CodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	CodeInvalidAction       = "INVALID_ACTION"
	CodeUnknownMethod       = "UNKNOWN_METHOD"
)

// AdmissionError is a structured rejection from the admission pipeline. The
// optional fields carry the mismatch detail callers need to resubmit
// correctly.
type AdmissionError struct {
	Code         string
	Message      string
	Expected     *uint64
	Got          *uint64
	CurrentState string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func rejection(code, format string, args ...interface{}) *AdmissionError {
	return &AdmissionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func u64(v uint64) *uint64 { return &v }
