// Package pipeline turns a submitted photo into attendance decisions: detect
// faces, match them against the gallery, check liveness, apply the cooldown
// rule and persist accepted events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/facedetect"
	"github.com/kozaktomas/face-attendance/internal/gallery"
	"github.com/kozaktomas/face-attendance/internal/imaging"
	"github.com/kozaktomas/face-attendance/internal/liveness"
)

// Default processing parameters.
const (
	DefaultDownscale      = 4
	DefaultPersistTimeout = 5 * time.Second
	DefaultPersistRetries = 2
	DefaultWorkers        = 4
)

// Models is the read-only model context, built once at startup and shared by
// all requests.
type Models struct {
	Detector facedetect.Detector
	Matcher  gallery.Matcher
	Liveness liveness.Scorer
}

// Stores are the persistence collaborators.
//
// Audit is written inside the ledger's critical section and must join the
// ledger transaction, so it commits or rolls back with the record. Journal is
// optional and receives the same entry only after the ledger has committed;
// sinks that cannot take part in the transaction, such as the CSV log, belong
// there. Directory is optional; without it the identity ID doubles as display
// name.
type Stores struct {
	Ledger    attendance.Ledger
	Audit     attendance.AuditSink
	Journal   attendance.AuditSink
	Directory attendance.Directory
}

// Options tune the pipeline. Zero values select the defaults.
type Options struct {
	Cooldown       time.Duration
	Downscale      int
	PersistTimeout time.Duration
	// PersistRetries is the number of extra attempts after a failed mark.
	// Negative disables retries.
	PersistRetries int
	Workers        int

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *Metrics
}

func (o *Options) applyDefaults() {
	if o.Cooldown <= 0 {
		o.Cooldown = attendance.DefaultCooldown
	}
	if o.Downscale <= 0 {
		o.Downscale = DefaultDownscale
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = DefaultPersistTimeout
	}
	if o.PersistRetries == 0 {
		o.PersistRetries = DefaultPersistRetries
	} else if o.PersistRetries < 0 {
		o.PersistRetries = 0
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Pipeline verifies submitted photos. It is safe for concurrent use.
type Pipeline struct {
	models Models
	stores Stores
	opts   Options
	log    *slog.Logger
}

// New validates the collaborators and returns a pipeline. Missing models or
// stores are configuration errors.
func New(models Models, stores Stores, opts Options) (*Pipeline, error) {
	var missing []error
	if models.Detector == nil {
		missing = append(missing, errors.New("face detector is required"))
	}
	if models.Matcher == nil {
		missing = append(missing, errors.New("gallery matcher is required"))
	}
	if models.Liveness == nil {
		missing = append(missing, errors.New("liveness scorer is required"))
	}
	if stores.Ledger == nil {
		missing = append(missing, errors.New("attendance ledger is required"))
	}
	if stores.Audit == nil {
		missing = append(missing, errors.New("audit sink is required"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, attendance.NewConfigurationError("pipeline", err)
	}

	opts.applyDefaults()
	return &Pipeline{
		models: models,
		stores: stores,
		opts:   opts,
		log:    opts.Logger.With("component", "pipeline"),
	}, nil
}

// Cooldown returns the dedup window in use.
func (p *Pipeline) Cooldown() time.Duration {
	return p.opts.Cooldown
}

// Process decodes image bytes and verifies every face in them. Missing or
// undecodable data is an InputError returned before detection runs.
func (p *Pipeline) Process(ctx context.Context, data []byte) ([]Outcome, error) {
	if len(data) == 0 {
		p.opts.Metrics.recordImage("invalid")
		return nil, &attendance.InputError{Err: attendance.ErrImageMissing}
	}
	img, err := imaging.Decode(data)
	if err != nil {
		p.opts.Metrics.recordImage("invalid")
		return nil, &attendance.InputError{Err: fmt.Errorf("%w: %v", attendance.ErrImageUndecodable, err)}
	}
	return p.ProcessImage(ctx, img)
}

// ProcessImage verifies every face in img. Outcomes are returned in detection
// order; an image without faces yields a single NO_FACE outcome.
func (p *Pipeline) ProcessImage(ctx context.Context, img image.Image) ([]Outcome, error) {
	if img == nil {
		p.opts.Metrics.recordImage("invalid")
		return nil, &attendance.InputError{Err: attendance.ErrImageMissing}
	}

	start := time.Now()
	small, ratio := imaging.Downscale(img, p.opts.Downscale)
	detections, err := p.models.Detector.Detect(ctx, small)
	p.opts.Metrics.observeDetect(time.Since(start).Seconds())
	if err != nil {
		p.opts.Metrics.recordImage("error")
		return nil, fmt.Errorf("detecting faces: %w", err)
	}

	p.opts.Metrics.recordImage("ok")
	if len(detections) == 0 {
		p.opts.Metrics.recordOutcome(KindNoFace)
		p.log.Debug("no faces detected")
		return []Outcome{{Kind: KindNoFace}}, nil
	}

	outcomes := make([]Outcome, len(detections))
	sem := make(chan struct{}, p.opts.Workers)
	var wg sync.WaitGroup
	for i, det := range detections {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, det facedetect.Detection) {
			defer wg.Done()
			defer func() { <-sem }()
			p.opts.Metrics.addActive(1)
			defer p.opts.Metrics.addActive(-1)

			outcomes[i] = p.verify(ctx, img, ratio, det)
			p.opts.Metrics.recordOutcome(outcomes[i].Kind)
		}(i, det)
	}
	wg.Wait()

	return outcomes, nil
}

// verify runs match, liveness and the cooldown rule for one detection. The
// detection's box is relative to the downscaled image described by ratio.
func (p *Pipeline) verify(ctx context.Context, img image.Image, ratio imaging.Ratio, det facedetect.Detection) Outcome {
	box := det.BBox.Scale(ratio)
	out := Outcome{BBox: &box}

	res := p.models.Matcher.Match(det.Embedding)
	if !res.Matched {
		out.Kind = KindNoMatch
		return out
	}
	dist := res.Distance
	out.IdentityID = res.IdentityID
	out.Distance = &dist

	crop, err := imaging.Crop(img, box)
	if err != nil {
		p.log.Warn("cannot crop face", "identity", res.IdentityID, "bbox", box, "error", err)
		return out.fail(KindLivenessError, err)
	}
	start := time.Now()
	verdict, err := p.models.Liveness.Score(crop)
	p.opts.Metrics.observeLiveness(time.Since(start).Seconds())
	if err != nil {
		p.log.Warn("liveness scoring failed", "identity", res.IdentityID, "error", err)
		return out.fail(KindLivenessError, err)
	}
	out.Liveness = &verdict
	if !verdict.IsReal {
		out.Kind = KindSpoofRejected
		p.log.Info("spoof rejected", "identity", res.IdentityID, "confidence", verdict.Confidence)
		return out
	}

	identity := p.lookup(ctx, res.IdentityID)
	out.DisplayName = identity.DisplayName

	// t is captured once so retries cannot double count.
	t := p.opts.Now()
	out.EventTime = &t

	tr, err := p.persist(ctx, identity, t)
	if err != nil {
		p.log.Error("failed to persist attendance", "identity", identity.ID, "error", err)
		return out.fail(KindPersistenceError, err)
	}

	out.Count = tr.Next.TotalCount
	if !tr.Accepted {
		out.Kind = KindDuplicateSuppressed
		p.log.Debug("duplicate suppressed", "identity", identity.ID, "count", out.Count)
		return out
	}
	out.Kind = KindAttendanceRecorded
	p.log.Info("attendance recorded", "identity", identity.ID, "name", identity.DisplayName, "count", out.Count)
	p.journal(ctx, auditEntry(identity, t, out.Count))
	return out
}

// lookup resolves the display name, falling back to the ID.
func (p *Pipeline) lookup(ctx context.Context, identityID string) attendance.Identity {
	fallback := attendance.Identity{ID: identityID, DisplayName: identityID}
	if p.stores.Directory == nil {
		return fallback
	}
	identity, err := p.stores.Directory.Lookup(ctx, identityID)
	if err != nil {
		if !errors.Is(err, attendance.ErrNotFound) {
			p.log.Warn("directory lookup failed", "identity", identityID, "error", err)
		}
		return fallback
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identityID
	}
	identity.ID = identityID
	return identity
}

// persist marks the ledger at t, appending the audit row inside the ledger's
// critical section. Failed attempts are retried with the same t.
func (p *Pipeline) persist(ctx context.Context, identity attendance.Identity, t time.Time) (attendance.Transition, error) {
	var lastErr error
	for attempt := 0; attempt <= p.opts.PersistRetries; attempt++ {
		// Nothing is committed once the caller is gone.
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		if attempt > 0 {
			p.opts.Metrics.incRetry()
			p.log.Debug("retrying attendance mark", "identity", identity.ID, "attempt", attempt)
		}

		start := time.Now()
		tr, err := p.markOnce(ctx, identity, t)
		p.opts.Metrics.observePersist(time.Since(start).Seconds(), err)
		if err != nil {
			lastErr = err
			continue
		}
		// An earlier attempt may have committed before its acknowledgement
		// was lost. The stored last event is then this very event.
		if !tr.Accepted && attempt > 0 && sameInstant(tr.Previous.LastEventAt, t) {
			p.log.Info("recovered attendance committed by an earlier attempt", "identity", identity.ID, "attempt", attempt)
			tr.Accepted = true
		}
		return tr, nil
	}

	var pe *attendance.PersistenceError
	if errors.As(lastErr, &pe) {
		return attendance.Transition{}, lastErr
	}
	return attendance.Transition{}, &attendance.PersistenceError{IdentityID: identity.ID, Op: "attendance record", Err: lastErr}
}

func (p *Pipeline) markOnce(ctx context.Context, identity attendance.Identity, t time.Time) (attendance.Transition, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.PersistTimeout)
	defer cancel()

	onAccept := func(ctx context.Context, next attendance.Record) error {
		if err := p.stores.Audit.Append(ctx, auditEntry(identity, t, next.TotalCount)); err != nil {
			return &attendance.PersistenceError{IdentityID: identity.ID, Op: "audit entry", Err: err}
		}
		return nil
	}

	return p.stores.Ledger.Mark(ctx, identity.ID, t, p.opts.Cooldown, onAccept)
}

// journal writes a committed event to the post-commit sink. The record is
// already durable, so a failure is logged and does not change the outcome.
// Cancelling the request no longer stops the write.
func (p *Pipeline) journal(ctx context.Context, entry attendance.AuditEntry) {
	if p.stores.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.PersistTimeout)
	defer cancel()
	if err := p.stores.Journal.Append(ctx, entry); err != nil {
		p.opts.Metrics.incJournalFailure()
		p.log.Error("failed to write audit journal", "identity", entry.IdentityID, "audit_id", entry.ID, "error", err)
	}
}

// auditNamespace scopes the name-based audit IDs.
var auditNamespace = uuid.MustParse("8d3c1f4e-2b7a-4c59-9e61-5a0f3b2d7c18")

// AuditID derives the audit row ID from the identity and event time. Retries
// of one event produce the same ID, so sinks can drop the repeat.
func AuditID(identityID string, t time.Time) string {
	name := identityID + "@" + t.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(auditNamespace, []byte(name)).String()
}

func auditEntry(identity attendance.Identity, t time.Time, count int64) attendance.AuditEntry {
	return attendance.AuditEntry{
		ID:          AuditID(identity.ID, t),
		IdentityID:  identity.ID,
		DisplayName: identity.DisplayName,
		CountAfter:  count,
		Timestamp:   t,
	}
}

// sameInstant compares a stored event time with t. SQL backends keep
// microseconds, so anything closer than that is the same event.
func sameInstant(stored *time.Time, t time.Time) bool {
	if stored == nil {
		return false
	}
	d := stored.Sub(t)
	return d > -time.Microsecond && d < time.Microsecond
}
