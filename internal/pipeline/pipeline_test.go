package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/auditlog"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/facedetect"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/imaging"
	"github.com/kozaktomas/face-attendance/internal/liveness"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	emb104  = []float32{0.1, 0.2, 0.3, 0.4}
	emb205  = []float32{0.9, 0.1, 0.5, 0.2}
	embFar  = []float32{9, 9, 9, 9}
	faceBox = imaging.Box{10, 10, 40, 40}
)

// stubDetector returns the same detections for every image.
type stubDetector struct {
	detections []facedetect.Detection
	err        error

	mu    sync.Mutex
	sizes []image.Point
}

func (d *stubDetector) Detect(ctx context.Context, img image.Image) ([]facedetect.Detection, error) {
	d.mu.Lock()
	d.sizes = append(d.sizes, img.Bounds().Size())
	d.mu.Unlock()
	return d.detections, d.err
}

// voteClassifier always returns the same distribution.
type voteClassifier struct {
	probs []float32
}

func (c voteClassifier) Name() string { return "vote" }

func (c voteClassifier) Classify(liveness.Tensor) ([]float32, error) {
	return c.probs, nil
}

var (
	realVote  = voteClassifier{probs: []float32{0.1, 0.9}}
	spoofVote = voteClassifier{probs: []float32{0.8, 0.2}}
)

func detection(emb []float32) facedetect.Detection {
	return facedetect.Detection{BBox: faceBox, Embedding: emb, Score: 0.99}
}

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 400, 400))
	for y := range 400 {
		for x := range 400 {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	pipeline  *Pipeline
	detector  *stubDetector
	ledger    *mock.MockLedger
	audit     *mock.MockAuditSink
	journal   *mock.MockAuditSink
	directory *mock.MockDirectory
	clock     *clock
}

func newFixture(t *testing.T, votes []liveness.Classifier, opts Options, detections ...facedetect.Detection) *fixture {
	t.Helper()

	g, err := gallery.New([]gallery.Entry{
		{IdentityID: "104", Embedding: emb104},
		{IdentityID: "205", Embedding: emb205},
	}, gallery.Euclidean{}, gallery.Options{})
	require.NoError(t, err)

	ensemble, err := liveness.NewEnsemble(16, liveness.CHW, votes...)
	require.NoError(t, err)

	f := &fixture{
		detector: &stubDetector{detections: detections},
		ledger:   mock.NewMockLedger(),
		audit:    mock.NewMockAuditSink(),
		journal:  mock.NewMockAuditSink(),
		clock:    &clock{now: time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)},
	}
	f.directory = mock.NewMockDirectory(f.ledger)
	f.directory.AddIdentity("104", "Jana Nováková")

	opts.Now = f.clock.Now
	f.pipeline, err = New(
		Models{Detector: f.detector, Matcher: g, Liveness: ensemble},
		Stores{Ledger: f.ledger, Audit: f.audit, Journal: f.journal, Directory: f.directory},
		opts,
	)
	require.NoError(t, err)
	return f
}

func TestProcess_CooldownScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []liveness.Classifier{realVote, realVote}, Options{Cooldown: 10 * time.Second}, detection(emb104))
	data := encodePNG(t, testImage())
	t0 := f.clock.Now()

	out, err := f.pipeline.Process(ctx, data)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, KindAttendanceRecorded, out[0].Kind)
	assert.Equal(t, "104", out[0].IdentityID)
	assert.Equal(t, "Jana Nováková", out[0].DisplayName)
	assert.Equal(t, int64(1), out[0].Count)

	f.clock.Set(t0.Add(2 * time.Second))
	out, err = f.pipeline.Process(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, KindDuplicateSuppressed, out[0].Kind)
	assert.Equal(t, int64(1), out[0].Count)

	f.clock.Set(t0.Add(15 * time.Second))
	out, err = f.pipeline.Process(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, KindAttendanceRecorded, out[0].Kind)
	assert.Equal(t, int64(2), out[0].Count)

	rec, err := f.ledger.Get(ctx, "104")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.TotalCount)
	require.NotNil(t, rec.LastEventAt)
	assert.True(t, rec.LastEventAt.Equal(t0.Add(15*time.Second)))

	entries := f.audit.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].CountAfter)
	assert.Equal(t, int64(2), entries[1].CountAfter)
	assert.True(t, entries[0].Timestamp.Equal(t0))
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
	assert.Equal(t, "Jana Nováková", entries[1].DisplayName)
	assert.Equal(t, entries, f.journal.Entries(), "journal gets exactly the committed entries")
}

func TestProcess_SpoofLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []liveness.Classifier{spoofVote, spoofVote, spoofVote}, Options{}, detection(emb104))
	f.ledger.Seed(attendance.Record{IdentityID: "104", TotalCount: 3})

	for range 3 {
		out, err := f.pipeline.ProcessImage(ctx, testImage())
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, KindSpoofRejected, out[0].Kind)
		assert.Equal(t, "104", out[0].IdentityID)
		require.NotNil(t, out[0].Liveness)
		assert.False(t, out[0].Liveness.IsReal)
	}

	rec, _ := f.ledger.Get(ctx, "104")
	assert.Equal(t, int64(3), rec.TotalCount)
	assert.Empty(t, f.ledger.MarkCalls())
	assert.Empty(t, f.audit.Entries())
}

func TestProcess_NoFace(t *testing.T) {
	f := newFixture(t, []liveness.Classifier{realVote}, Options{})

	out, err := f.pipeline.ProcessImage(context.Background(), testImage())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, KindNoFace, out[0].Kind)
	assert.Empty(t, f.ledger.MarkCalls())
	assert.Empty(t, f.audit.Entries())
}

func TestProcess_NoMatchLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, []liveness.Classifier{realVote}, Options{}, detection(embFar))

	out, err := f.pipeline.ProcessImage(context.Background(), testImage())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, KindNoMatch, out[0].Kind)
	assert.Empty(t, out[0].IdentityID)
	assert.Nil(t, out[0].Liveness)
	assert.Empty(t, f.ledger.MarkCalls())
}

func TestProcess_InputErrors(t *testing.T) {
	f := newFixture(t, []liveness.Classifier{realVote}, Options{}, detection(emb104))

	_, err := f.pipeline.Process(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, attendance.IsInputError(err))
	assert.ErrorIs(t, err, attendance.ErrImageMissing)

	_, err = f.pipeline.Process(context.Background(), []byte("definitely not an image"))
	require.Error(t, err)
	assert.True(t, attendance.IsInputError(err))
	assert.ErrorIs(t, err, attendance.ErrImageUndecodable)

	assert.Empty(t, f.detector.sizes, "detection must not run for invalid input")
}

func TestProcess_DetectorErrorIsNotInputError(t *testing.T) {
	f := newFixture(t, []liveness.Classifier{realVote}, Options{})
	f.detector.err = errors.New("embedding server unavailable")

	_, err := f.pipeline.ProcessImage(context.Background(), testImage())
	require.Error(t, err)
	assert.False(t, attendance.IsInputError(err))
}

func TestProcess_DownscaleAndReprojection(t *testing.T) {
	f := newFixture(t, []liveness.Classifier{realVote}, Options{Downscale: 4}, detection(emb104))

	out, err := f.pipeline.ProcessImage(context.Background(), testImage())
	require.NoError(t, err)

	require.Len(t, f.detector.sizes, 1)
	assert.Equal(t, image.Pt(100, 100), f.detector.sizes[0])
	require.NotNil(t, out[0].BBox)
	assert.Equal(t, imaging.Box{40, 40, 160, 160}, *out[0].BBox)
}

func TestProcess_ReprojectionWithUnevenSize(t *testing.T) {
	whole := facedetect.Detection{BBox: imaging.Box{0, 0, 250, 160}, Embedding: emb104}
	f := newFixture(t, []liveness.Classifier{realVote}, Options{Downscale: 4}, whole)
	img := image.NewRGBA(image.Rect(0, 0, 1003, 643))

	out, err := f.pipeline.ProcessImage(context.Background(), img)
	require.NoError(t, err)

	require.Len(t, f.detector.sizes, 1)
	assert.Equal(t, image.Pt(250, 160), f.detector.sizes[0])
	require.NotNil(t, out[0].BBox)
	assert.Equal(t, imaging.Box{0, 0, 1003, 643}, *out[0].BBox)
	assert.Equal(t, KindAttendanceRecorded, out[0].Kind)
}

func TestProcess_PersistenceErrorDoesNotIncrement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []liveness.Classifier{realVote}, Options{PersistRetries: -1}, detection(emb104))
	f.ledger.MarkError = errors.New("connection refused")

	out, err := f.pipeline.ProcessImage(ctx, testImage())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, KindPersistenceError, out[0].Kind)
	assert.Equal(t, "104", out[0].IdentityID)
	assert.NotEmpty(t, out[0].Error)

	var pe *attendance.PersistenceError
	require.ErrorAs(t, out[0].Err, &pe)
	assert.Equal(t, "104", pe.IdentityID)

	f.ledger.MarkError = nil
	rec, _ := f.ledger.Get(ctx, "104")
	assert.Equal(t, int64(0), rec.TotalCount)
	assert.Empty(t, f.audit.Entries())
	assert.Empty(t, f.journal.Entries())
	assert.Len(t, f.ledger.MarkCalls(), 1)
}

func TestProcess_RetriesWithSameEventTime(t *testing.T) {
	f := newFixture(t, []liveness.Classifier{realVote}, Options{PersistRetries: 2}, detection(emb104))
	f.ledger.MarkError = errors.New("deadlock detected")
	f.ledger.FailMarks = 2

	out, err := f.pipeline.ProcessImage(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, KindAttendanceRecorded, out[0].Kind)
	assert.Equal(t, int64(1), out[0].Count)

	calls := f.ledger.MarkCalls()
	require.Len(t, calls, 3)
	for _, c := range calls[1:] {
		assert.True(t, c.At.Equal(calls[0].At), "retry must reuse the event time")
	}
	require.NotNil(t, out[0].EventTime)
	assert.True(t, out[0].EventTime.Equal(calls[0].At))
	assert.Len(t, f.audit.Entries(), 1)
}

func TestProcess_AuditFailureAbortsCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []liveness.Classifier{realVote}, Options{PersistRetries: -1}, detection(emb104))
	f.audit.AppendError = errors.New("disk full")

	out, err := f.pipeline.ProcessImage(ctx, testImage())
	require.NoError(t, err)
	assert.Equal(t, KindPersistenceError, out[0].Kind)

	var pe *attendance.PersistenceError
	require.ErrorAs(t, out[0].Err, &pe)
	assert.Equal(t, "audit entry", pe.Op)

	rec, _ := f.ledger.Get(ctx, "104")
	assert.Equal(t, int64(0), rec.TotalCount)
	assert.False(t, rec.Attended())
	assert.Empty(t, f.journal.Entries())
}

func TestProcess_FailedCommitRetryKeepsAuditInStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []liveness.Classifier{realVote}, Options{PersistRetries: 2}, detection(emb104))
	csvPath := filepath.Join(t.TempDir(), "audit.csv")
	f.pipeline.stores.Journal = auditlog.NewCSVSink(csvPath)
	f.ledger.CommitError = errors.New("could not serialize access")
	f.ledger.FailCommits = 1

	out, err := f.pipeline.ProcessImage(ctx, testImage())
	require.NoError(t, err)
	assert.Equal(t, KindAttendanceRecorded, out[0].Kind)
	assert.Equal(t, int64(1), out[0].Count)
	assert.Len(t, f.ledger.MarkCalls(), 2)

	rec, _ := f.ledger.Get(ctx, "104")
	require.Equal(t, int64(1), rec.TotalCount)

	// The in-transaction sink saw the rolled back attempt too. Both appends
	// carry one ID, which the database sinks collapse into one row.
	ids := make(map[string]struct{})
	for _, e := range f.audit.Entries() {
		ids[e.ID] = struct{}{}
	}
	assert.Len(t, ids, int(rec.TotalCount))

	rows, err := auditlog.ReadCSV(csvPath)
	require.NoError(t, err)
	require.Len(t, rows, int(rec.TotalCount))
	assert.Equal(t, AuditID("104", f.clock.Now()), rows[0].ID)
	assert.Equal(t, int64(1), rows[0].CountAfter)
}

func TestProcess_LostAcknowledgementIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []liveness.Classifier{realVote}, Options{PersistRetries: 2}, detection(emb104))
	f.ledger.CommitError = errors.New("connection reset by peer")
	f.ledger.LostAcks = 1

	out, err := f.pipeline.ProcessImage(ctx, testImage())
	require.NoError(t, err)
	assert.Equal(t, KindAttendanceRecorded, out[0].Kind)
	assert.Equal(t, int64(1), out[0].Count)
	assert.Len(t, f.ledger.MarkCalls(), 2)

	rec, _ := f.ledger.Get(ctx, "104")
	assert.Equal(t, int64(1), rec.TotalCount)
	assert.Len(t, f.audit.Entries(), 1)
	require.Len(t, f.journal.Entries(), 1)
	assert.Equal(t, int64(1), f.journal.Entries()[0].CountAfter)

	// A later submission inside the window is still a duplicate.
	f.clock.Set(f.clock.Now().Add(time.Second))
	out, err = f.pipeline.ProcessImage(ctx, testImage())
	require.NoError(t, err)
	assert.Equal(t, KindDuplicateSuppressed, out[0].Kind)
	assert.Len(t, f.journal.Entries(), 1)
}

func TestProcess_JournalFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry)
	require.NoError(t, err)
	f := newFixture(t, []liveness.Classifier{realVote}, Options{Metrics: metrics}, detection(emb104))
	f.journal.AppendError = errors.New("read-only file system")

	out, err := f.pipeline.ProcessImage(ctx, testImage())
	require.NoError(t, err)
	assert.Equal(t, KindAttendanceRecorded, out[0].Kind)

	rec, _ := f.ledger.Get(ctx, "104")
	assert.Equal(t, int64(1), rec.TotalCount)
	assert.Len(t, f.audit.Entries(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JournalFailures))
}

func TestAuditID(t *testing.T) {
	t0 := time.Date(2024, 3, 4, 8, 0, 0, 123456789, time.UTC)

	id := AuditID("104", t0)
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())

	assert.Equal(t, id, AuditID("104", t0.In(time.FixedZone("CET", 3600))), "same instant, other zone")
	assert.NotEqual(t, id, AuditID("205", t0))
	assert.NotEqual(t, id, AuditID("104", t0.Add(time.Nanosecond)))
}

func TestSameInstant(t *testing.T) {
	t0 := time.Date(2024, 3, 4, 8, 0, 0, 123456789, time.UTC)
	stored := t0.Round(time.Microsecond)

	assert.True(t, sameInstant(&stored, t0))
	assert.False(t, sameInstant(nil, t0))
	later := t0.Add(time.Millisecond)
	assert.False(t, sameInstant(&later, t0))
}

func TestProcess_PersistTimeout(t *testing.T) {
	f := newFixture(t, []liveness.Classifier{realVote}, Options{PersistTimeout: 20 * time.Millisecond, PersistRetries: -1}, detection(emb104))
	f.ledger.MarkDelay = time.Second

	start := time.Now()
	out, err := f.pipeline.ProcessImage(context.Background(), testImage())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, KindPersistenceError, out[0].Kind)
	assert.ErrorIs(t, out[0].Err, context.DeadlineExceeded)
}

func TestProcess_CancelledBeforeCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := newFixture(t, []liveness.Classifier{realVote}, Options{}, detection(emb104))

	out, err := f.pipeline.ProcessImage(ctx, testImage())
	require.NoError(t, err)
	assert.Equal(t, KindPersistenceError, out[0].Kind)
	assert.ErrorIs(t, out[0].Err, context.Canceled)
	assert.Empty(t, f.ledger.MarkCalls())
}

func TestProcess_OutcomesKeepDetectionOrder(t *testing.T) {
	ctx := context.Background()
	outside := facedetect.Detection{BBox: imaging.Box{500, 500, 600, 600}, Embedding: emb205}
	f := newFixture(t, []liveness.Classifier{realVote}, Options{Workers: 2},
		detection(emb104), detection(embFar), outside, detection(emb205))

	out, err := f.pipeline.ProcessImage(ctx, testImage())
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, KindAttendanceRecorded, out[0].Kind)
	assert.Equal(t, KindNoMatch, out[1].Kind)
	assert.Equal(t, KindLivenessError, out[2].Kind)
	assert.ErrorIs(t, out[2].Err, imaging.ErrEmptyCrop)
	assert.Equal(t, KindAttendanceRecorded, out[3].Kind)

	// Unknown to the directory, so the id is the display name.
	assert.Equal(t, "205", out[3].DisplayName)
}

func TestProcess_SameIdentityTwiceInOneImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []liveness.Classifier{realVote}, Options{Workers: 8},
		detection(emb104), detection(emb104), detection(emb104), detection(emb104))

	out, err := f.pipeline.ProcessImage(ctx, testImage())
	require.NoError(t, err)

	recorded := 0
	for _, o := range out {
		switch o.Kind {
		case KindAttendanceRecorded:
			recorded++
		case KindDuplicateSuppressed:
		default:
			t.Errorf("unexpected outcome %s", o.Kind)
		}
		assert.Equal(t, int64(1), o.Count)
	}
	assert.Equal(t, 1, recorded)
	assert.Len(t, f.audit.Entries(), 1)
}

func TestProcess_AuditMatchesLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []liveness.Classifier{realVote}, Options{Cooldown: 10 * time.Second}, detection(emb104))
	t0 := f.clock.Now()

	for i := range 20 {
		f.clock.Set(t0.Add(time.Duration(i) * 4 * time.Second))
		_, err := f.pipeline.ProcessImage(ctx, testImage())
		require.NoError(t, err)
	}

	rec, _ := f.ledger.Get(ctx, "104")
	assert.Equal(t, int64(len(f.audit.Entries())), rec.TotalCount)
	prev := int64(0)
	for _, e := range f.audit.Entries() {
		assert.Equal(t, prev+1, e.CountAfter)
		prev = e.CountAfter
	}
}

func TestProcess_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry)
	require.NoError(t, err)

	f := newFixture(t, []liveness.Classifier{realVote}, Options{Metrics: metrics}, detection(emb104), detection(embFar))

	_, err = f.pipeline.ProcessImage(context.Background(), testImage())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Outcomes.WithLabelValues(string(KindAttendanceRecorded))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Outcomes.WithLabelValues(string(KindNoMatch))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Images.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveVerifications))

	_, err = NewMetrics(registry)
	assert.Error(t, err, "registering twice must fail")
}

func TestNew_MissingCollaborators(t *testing.T) {
	_, err := New(Models{}, Stores{}, Options{})
	require.Error(t, err)
	assert.True(t, attendance.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "liveness scorer is required")
}

func TestNew_Defaults(t *testing.T) {
	f := newFixture(t, []liveness.Classifier{realVote}, Options{})
	assert.Equal(t, attendance.DefaultCooldown, f.pipeline.Cooldown())
	assert.Equal(t, DefaultDownscale, f.pipeline.opts.Downscale)
	assert.Equal(t, DefaultPersistRetries, f.pipeline.opts.PersistRetries)
}
