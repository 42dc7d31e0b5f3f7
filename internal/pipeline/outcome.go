package pipeline

import (
	"time"

	"github.com/kozaktomas/face-attendance/internal/imaging"
	"github.com/kozaktomas/face-attendance/internal/liveness"
)

// Kind classifies the result of verifying one detection.
type Kind string

const (
	// KindNoFace is image level and only reported when nothing was detected.
	KindNoFace              Kind = "NO_FACE"
	KindNoMatch             Kind = "NO_MATCH"
	KindSpoofRejected       Kind = "SPOOF_REJECTED"
	KindDuplicateSuppressed Kind = "DUPLICATE_SUPPRESSED"
	KindAttendanceRecorded  Kind = "ATTENDANCE_RECORDED"
	// KindLivenessError is reported when the crop could not be scored.
	KindLivenessError Kind = "LIVENESS_ERROR"
	// KindPersistenceError is reported when the ledger or audit write failed
	// or timed out. The record was not advanced.
	KindPersistenceError Kind = "PERSISTENCE_ERROR"
)

// Outcome is the decision for one detection. Count is the new count for
// ATTENDANCE_RECORDED and the current count for DUPLICATE_SUPPRESSED.
type Outcome struct {
	Kind        Kind              `json:"kind"`
	IdentityID  string            `json:"identity_id,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Count       int64             `json:"count,omitempty"`
	BBox        *imaging.Box      `json:"bbox,omitempty"`
	Distance    *float64          `json:"distance,omitempty"`
	Liveness    *liveness.Verdict `json:"liveness,omitempty"`
	EventTime   *time.Time        `json:"event_time,omitempty"`
	Error       string            `json:"error,omitempty"`

	// Err is the underlying error for the two error kinds.
	Err error `json:"-"`
}

// Accepted reports whether the outcome mutated the ledger.
func (o Outcome) Accepted() bool {
	return o.Kind == KindAttendanceRecorded
}

func (o *Outcome) fail(kind Kind, err error) Outcome {
	o.Kind = kind
	o.Err = err
	o.Error = err.Error()
	return *o
}
