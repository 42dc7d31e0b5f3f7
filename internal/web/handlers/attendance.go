package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/pipeline"
)

// MaxUploadSize caps the multipart body accepted by Submit.
const MaxUploadSize = 32 << 20

// Processor verifies the faces in one encoded photo.
type Processor interface {
	Process(ctx context.Context, data []byte) ([]pipeline.Outcome, error)
}

// AttendanceHandler handles photo submission and record lookups.
type AttendanceHandler struct {
	processor Processor
	ledger    attendance.Ledger
	directory attendance.Directory
	imageRoot string
	log       *slog.Logger
}

// NewAttendanceHandler creates a new attendance handler. directory may be nil
// and imageRoot may be empty, which disables the path based predict route.
func NewAttendanceHandler(processor Processor, ledger attendance.Ledger, directory attendance.Directory, imageRoot string, logger *slog.Logger) *AttendanceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttendanceHandler{
		processor: processor,
		ledger:    ledger,
		directory: directory,
		imageRoot: imageRoot,
		log:       logger.With("component", "http"),
	}
}

// VerifyResponse is returned for every processed photo.
type VerifyResponse struct {
	Faces    int                `json:"faces"`
	Recorded int                `json:"recorded"`
	Outcomes []pipeline.Outcome `json:"outcomes"`
}

// RecordResponse describes the current attendance state of one identity.
type RecordResponse struct {
	attendance.Record
	DisplayName string `json:"display_name"`
}

type predictRequest struct {
	Input string `json:"input"`
}

// Submit handles POST /api/v1/attendance with the photo in the "image" field.
func (h *AttendanceHandler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		respondError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read image")
		return
	}

	h.process(w, r, data)
}

// Predict handles POST /predict with a JSON body naming an image file under
// the configured image root.
func (h *AttendanceHandler) Predict(w http.ResponseWriter, r *http.Request) {
	if h.imageRoot == "" {
		respondError(w, http.StatusNotFound, "path based prediction is disabled")
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	input := strings.TrimSpace(req.Input)
	if input == "" {
		respondError(w, http.StatusBadRequest, "input is required")
		return
	}

	data, err := readUnder(h.imageRoot, input)
	if err != nil {
		h.log.Warn("cannot read image", "input", sanitizeForLog(input), "error", err)
		if errors.Is(err, fs.ErrNotExist) {
			respondError(w, http.StatusNotFound, "image not found")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid image path")
		return
	}

	h.process(w, r, data)
}

// GetRecord handles GET /api/v1/attendance/{id}.
func (h *AttendanceHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "identity id is required")
		return
	}

	rec, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		h.log.Error("failed to read attendance record", "identity", sanitizeForLog(id), "error", err)
		respondError(w, http.StatusInternalServerError, "failed to read attendance record")
		return
	}

	resp := RecordResponse{Record: rec, DisplayName: id}
	resp.IdentityID = id
	if h.directory != nil {
		identity, err := h.directory.Lookup(r.Context(), id)
		switch {
		case err == nil:
			resp.DisplayName = identity.DisplayName
		case errors.Is(err, attendance.ErrNotFound):
			if !rec.Attended() {
				respondError(w, http.StatusNotFound, "identity not found")
				return
			}
		default:
			h.log.Warn("directory lookup failed", "identity", sanitizeForLog(id), "error", err)
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (h *AttendanceHandler) process(w http.ResponseWriter, r *http.Request, data []byte) {
	outcomes, err := h.processor.Process(r.Context(), data)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			h.log.Error("photo verification failed", "error", err)
			respondError(w, status, "failed to process image")
			return
		}
		respondError(w, status, err.Error())
		return
	}

	resp := VerifyResponse{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Kind != pipeline.KindNoFace {
			resp.Faces++
		}
		if o.Accepted() {
			resp.Recorded++
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// readUnder reads name relative to root. Paths escaping root are rejected.
func readUnder(root, name string) ([]byte, error) {
	dir, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("opening image root: %w", err)
	}
	defer dir.Close()

	data, err := dir.ReadFile(strings.TrimPrefix(name, "/"))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}
