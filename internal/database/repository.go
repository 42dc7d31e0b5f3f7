package database

import (
	"context"

	"github.com/kozaktomas/face-attendance/internal/attendance"
)

// GalleryReader provides read-only access to enrolled face embeddings
type GalleryReader interface {
	// LoadFaces returns every enrolled face ordered by enrollment (id ascending)
	LoadFaces(ctx context.Context) ([]EnrolledFace, error)
	// Count returns the number of enrolled faces
	Count(ctx context.Context) (int, error)
}

// GalleryWriter provides write access to enrolled face embeddings
type GalleryWriter interface {
	GalleryReader

	// SaveFaces appends faces to the gallery, keeping enrollment order
	SaveFaces(ctx context.Context, faces []EnrolledFace) error
	// DeleteIdentityFaces removes all faces of one identity
	DeleteIdentityFaces(ctx context.Context, identityID string) (int64, error)
}

// IdentityWriter maintains the roster of enrolled identities
type IdentityWriter interface {
	attendance.Directory

	// UpsertIdentity creates or renames an identity. New identities start with
	// a zero attendance record.
	UpsertIdentity(ctx context.Context, identity attendance.Identity) error
	// ListRoster returns all identities with their attendance records
	ListRoster(ctx context.Context) ([]RosterEntry, error)
}
