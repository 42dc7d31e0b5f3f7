// Package auditlog provides append-only audit sinks.
package auditlog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/attendance"
)

// Header is the first row of every CSV audit file.
var Header = []string{"id", "identity_id", "display_name", "count_after", "timestamp"}

// CSVSink appends one row per accepted event to a CSV file. The file and its
// header are created on first write; existing rows are never rewritten.
type CSVSink struct {
	path string
	mu   sync.Mutex
}

// NewCSVSink creates a sink writing to path. Parent directories are created
// on first write.
func NewCSVSink(path string) *CSVSink {
	return &CSVSink{path: path}
}

// Path returns the file path of the sink.
func (s *CSVSink) Path() string {
	return s.path
}

// Append writes entry as one CSV row and syncs the file.
func (s *CSVSink) Append(ctx context.Context, entry attendance.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat audit log: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			return fmt.Errorf("write audit header: %w", err)
		}
	}
	if err := w.Write(entryRow(entry)); err != nil {
		return fmt.Errorf("write audit row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush audit log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

func entryRow(e attendance.AuditEntry) []string {
	return []string{
		e.ID,
		e.IdentityID,
		e.DisplayName,
		strconv.FormatInt(e.CountAfter, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// ReadCSV reads all entries from a CSV audit file. A missing file yields no
// entries.
func ReadCSV(path string) ([]attendance.AuditEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(Header)

	var entries []attendance.AuditEntry
	for line := 1; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read audit log: %w", err)
		}
		if line == 1 && row[0] == Header[0] {
			continue
		}
		count, err := strconv.ParseInt(row[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid count %q", line, row[3])
		}
		ts, err := time.Parse(time.RFC3339Nano, row[4])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid timestamp %q", line, row[4])
		}
		entries = append(entries, attendance.AuditEntry{
			ID:          row[0],
			IdentityID:  row[1],
			DisplayName: row[2],
			CountAfter:  count,
			Timestamp:   ts,
		})
	}
	return entries, nil
}
