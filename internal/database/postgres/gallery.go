package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// GalleryRepository stores enrolled face embeddings as pgvector columns.
type GalleryRepository struct {
	pool *Pool
}

// NewGalleryRepository creates a new PostgreSQL gallery repository.
func NewGalleryRepository(pool *Pool) *GalleryRepository {
	return &GalleryRepository{pool: pool}
}

// LoadFaces returns every enrolled face in enrollment order.
func (r *GalleryRepository) LoadFaces(ctx context.Context) ([]database.EnrolledFace, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, identity_id, embedding, model, dim, created_at
		FROM enrolled_faces
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query enrolled faces: %w", err)
	}
	defer rows.Close()

	var faces []database.EnrolledFace
	for rows.Next() {
		var face database.EnrolledFace
		var vec pgvector.Vector
		var model sql.NullString
		if err := rows.Scan(&face.ID, &face.IdentityID, &vec, &model, &face.Dim, &face.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan enrolled face: %w", err)
		}
		face.Embedding = vec.Slice()
		if model.Valid {
			face.Model = model.String
		}
		faces = append(faces, face)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrolled faces: %w", err)
	}
	return faces, nil
}

// Count returns the number of enrolled faces.
func (r *GalleryRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM enrolled_faces").Scan(&count); err != nil {
		return 0, fmt.Errorf("count enrolled faces: %w", err)
	}
	return count, nil
}

// SaveFaces inserts faces in one transaction, preserving slice order as
// enrollment order.
func (r *GalleryRepository) SaveFaces(ctx context.Context, faces []database.EnrolledFace) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := range faces {
		face := &faces[i]
		var model sql.NullString
		if face.Model != "" {
			model = sql.NullString{String: face.Model, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO enrolled_faces (identity_id, embedding, model, dim)
			VALUES ($1, $2::vector, $3, $4)
		`, face.IdentityID, pgvector.NewVector(face.Embedding), model, len(face.Embedding)); err != nil {
			return fmt.Errorf("insert face %d (%s): %w", i, face.IdentityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeleteIdentityFaces removes all faces of an identity.
func (r *GalleryRepository) DeleteIdentityFaces(ctx context.Context, identityID string) (int64, error) {
	result, err := r.pool.Exec(ctx, "DELETE FROM enrolled_faces WHERE identity_id = $1", identityID)
	if err != nil {
		return 0, fmt.Errorf("delete faces: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
