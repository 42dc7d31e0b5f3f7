package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/attendance"
)

func TestRespondJSON_SetsHeadersAndStatus(t *testing.T) {
	recorder := httptest.NewRecorder()

	respondJSON(recorder, http.StatusCreated, map[string]any{"count": 42})

	assertStatusCode(t, recorder, http.StatusCreated)
	assertContentType(t, recorder, "application/json")

	var result map[string]any
	parseJSONResponse(t, recorder, &result)
	if result["count"] != float64(42) { // JSON numbers are float64
		t.Errorf("expected count 42, got %v", result["count"])
	}
}

func TestRespondJSON_NilData(t *testing.T) {
	recorder := httptest.NewRecorder()

	respondJSON(recorder, http.StatusOK, nil)

	if recorder.Body.Len() != 0 {
		t.Errorf("expected empty body for nil data, got '%s'", recorder.Body.String())
	}
}

func TestRespondError_ContainsErrorKey(t *testing.T) {
	recorder := httptest.NewRecorder()

	respondError(recorder, http.StatusBadRequest, "something went wrong")

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "something went wrong")
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"input error", &attendance.InputError{Err: attendance.ErrImageUndecodable}, http.StatusBadRequest},
		{"wrapped input error", fmt.Errorf("processing: %w", &attendance.InputError{Err: attendance.ErrImageMissing}), http.StatusBadRequest},
		{"not found", fmt.Errorf("lookup: %w", attendance.ErrNotFound), http.StatusNotFound},
		{"configuration error", attendance.NewConfigurationError("pipeline", errors.New("no models")), http.StatusInternalServerError},
		{"detector failure", errors.New("detecting faces: connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusForError(tc.err); got != tc.want {
				t.Errorf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestSanitizeForLog(t *testing.T) {
	if got := sanitizeForLog("a\nb\rc"); got != "abc" {
		t.Errorf("expected newlines stripped, got %q", got)
	}
}

func TestIndex_Banner(t *testing.T) {
	recorder := httptest.NewRecorder()

	Index(recorder, httptest.NewRequest(http.MethodGet, "/", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	if recorder.Body.String() != "API is running!" {
		t.Errorf("unexpected banner %q", recorder.Body.String())
	}
}

func TestHealthCheck_ReturnsStatusOk(t *testing.T) {
	recorder := httptest.NewRecorder()

	HealthCheck(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "application/json")

	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if result["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", result["status"])
	}
}
