package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/gallery"
)

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Manage enrolled face embeddings",
}

var galleryImportCmd = &cobra.Command{
	Use:   "import <gallery.json>",
	Short: "Copy a gallery file into PostgreSQL",
	Long: `Copy enrolled embeddings from a gallery file into PostgreSQL so the server
can run with GALLERY_SOURCE=postgres. Entries keep their file order, which is
the tie-break order when two faces are equally close.

Examples:
  # Append entries
  face-attendance gallery import gallery.json

  # Replace the stored faces of every identity in the file
  face-attendance gallery import --replace gallery.json`,
	Args: cobra.ExactArgs(1),
	RunE: runGalleryImport,
}

var galleryExportCmd = &cobra.Command{
	Use:   "export <gallery.json>",
	Short: "Write the PostgreSQL gallery to a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runGalleryExport,
}

func init() {
	rootCmd.AddCommand(galleryCmd)
	galleryCmd.AddCommand(galleryImportCmd)
	galleryCmd.AddCommand(galleryExportCmd)

	galleryImportCmd.Flags().Bool("replace", false, "Delete existing faces of imported identities first")
	galleryImportCmd.Flags().String("model", "", "Embedding model name stored with each face")
}

func runGalleryImport(cmd *cobra.Command, args []string) error {
	replace := mustGetBool(cmd, "replace")
	model := mustGetString(cmd, "model")

	entries, err := gallery.LoadFile(args[0])
	if err != nil {
		return err
	}
	// Validates dimensions before anything is written.
	if _, err := gallery.New(entries, gallery.Euclidean{}, gallery.Options{}); err != nil {
		return err
	}

	pool, err := connectPostgres()
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx := context.Background()
	store, err := database.GetGalleryWriter(ctx)
	if err != nil {
		return err
	}

	if replace {
		seen := make(map[string]bool)
		for _, e := range entries {
			if seen[e.IdentityID] {
				continue
			}
			seen[e.IdentityID] = true
			n, err := store.DeleteIdentityFaces(ctx, e.IdentityID)
			if err != nil {
				return fmt.Errorf("deleting faces of %s: %w", e.IdentityID, err)
			}
			if n > 0 {
				fmt.Printf("Removed %d faces of %s\n", n, e.IdentityID)
			}
		}
	}

	faces := make([]database.EnrolledFace, len(entries))
	for i, e := range entries {
		faces[i] = database.EnrolledFace{
			IdentityID: e.IdentityID,
			Embedding:  e.Embedding,
			Model:      model,
			Dim:        len(e.Embedding),
		}
	}
	if err := store.SaveFaces(ctx, faces); err != nil {
		return err
	}

	total, err := store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d faces (%d stored)\n", len(faces), total)
	return nil
}

func runGalleryExport(cmd *cobra.Command, args []string) error {
	pool, err := connectPostgres()
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx := context.Background()
	store, err := database.GetGalleryWriter(ctx)
	if err != nil {
		return err
	}
	faces, err := store.LoadFaces(ctx)
	if err != nil {
		return err
	}

	entries := make([]gallery.Entry, len(faces))
	for i, f := range faces {
		entries[i] = gallery.Entry{IdentityID: f.IdentityID, Embedding: f.Embedding}
	}
	if err := gallery.SaveFile(args[0], entries); err != nil {
		return err
	}
	fmt.Printf("Exported %d faces to %s\n", len(entries), args[0])
	return nil
}
