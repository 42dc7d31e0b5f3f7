package database

import (
	"time"

	"github.com/kozaktomas/face-attendance/internal/attendance"
)

// EnrolledFace is a gallery embedding stored in the database.
type EnrolledFace struct {
	ID         int64
	IdentityID string
	Embedding  []float32
	Model      string
	Dim        int
	CreatedAt  time.Time
}

// RosterEntry is an identity together with its current attendance record.
type RosterEntry struct {
	Identity attendance.Identity
	Record   attendance.Record
}
