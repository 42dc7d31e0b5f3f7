// Package redis stores attendance records in Redis hashes, one per identity.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
)

const (
	defaultPrefix = "attendance:record:"
	// maxCASAttempts bounds optimistic retries when the watched key changes.
	maxCASAttempts = 8

	fieldCount = "count"
	fieldLast  = "last_event_at"
)

// Ledger keeps records in hashes with fields count and last_event_at.
// Mark is a WATCH/MULTI/EXEC compare-and-set, so processes sharing the
// Redis instance cannot both accept within one cooldown window.
type Ledger struct {
	client *goredis.Client
	prefix string

	// locks serializes marks for one identity inside this process so the
	// audit callback does not run for a transaction that then loses the race.
	locks sync.Map
}

// NewClient connects to the Redis instance at url (redis://host:port/db).
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	if url == "" {
		return nil, errors.New("redis URL is required")
	}
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := goredis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// NewLedger creates a ledger using keys prefix+identityID. An empty prefix
// selects the default.
func NewLedger(client *goredis.Client, prefix string) *Ledger {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Ledger{client: client, prefix: prefix}
}

// Initialize connects and registers the ledger with the database provider.
func Initialize(ctx context.Context, url string) (*goredis.Client, error) {
	client, err := NewClient(ctx, url)
	if err != nil {
		return nil, err
	}
	ledger := NewLedger(client, "")
	database.RegisterLedger(config.BackendRedis, func() attendance.Ledger { return ledger })
	return client, nil
}

func (l *Ledger) key(identityID string) string {
	return l.prefix + identityID
}

func (l *Ledger) lock(identityID string) func() {
	v, _ := l.locks.LoadOrStore(identityID, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func parseRecord(identityID string, vals []any) (attendance.Record, error) {
	rec := attendance.Record{IdentityID: identityID}
	if len(vals) != 2 {
		return rec, fmt.Errorf("unexpected reply length %d", len(vals))
	}
	if s, ok := vals[0].(string); ok && s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return rec, fmt.Errorf("invalid count %q: %w", s, err)
		}
		rec.TotalCount = n
	}
	if s, ok := vals[1].(string); ok && s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return rec, fmt.Errorf("invalid last_event_at %q: %w", s, err)
		}
		rec.LastEventAt = &t
	}
	return rec, nil
}

// hashReader is satisfied by both *goredis.Client and *goredis.Tx.
type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *goredis.SliceCmd
}

func readRecord(ctx context.Context, c hashReader, key, identityID string) (attendance.Record, error) {
	vals, err := c.HMGet(ctx, key, fieldCount, fieldLast).Result()
	if err != nil {
		return attendance.Record{IdentityID: identityID}, fmt.Errorf("read attendance record: %w", err)
	}
	return parseRecord(identityID, vals)
}

// Get returns the record for identityID, or a zero record when absent.
func (l *Ledger) Get(ctx context.Context, identityID string) (attendance.Record, error) {
	return readRecord(ctx, l.client, l.key(identityID), identityID)
}

// Mark applies the cooldown rule with an optimistic transaction. onAccept
// runs after the decision and before EXEC; its error discards the write.
func (l *Ledger) Mark(ctx context.Context, identityID string, t time.Time, window time.Duration, onAccept attendance.AcceptFunc) (attendance.Transition, error) {
	unlock := l.lock(identityID)
	defer unlock()

	key := l.key(identityID)
	var tr attendance.Transition

	txf := func(tx *goredis.Tx) error {
		rec, err := readRecord(ctx, tx, key, identityID)
		if err != nil {
			return err
		}
		tr = attendance.Decide(rec, t, window)
		if !tr.Accepted {
			return nil
		}
		if onAccept != nil {
			if err := onAccept(ctx, tr.Next); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldCount, tr.Next.TotalCount,
				fieldLast, t.UTC().Format(time.RFC3339Nano),
			)
			return nil
		})
		return err
	}

	for range maxCASAttempts {
		if err := ctx.Err(); err != nil {
			return attendance.Transition{}, err
		}
		err := l.client.Watch(ctx, txf, key)
		if err == nil {
			return tr, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return attendance.Transition{}, err
	}
	return attendance.Transition{}, attendance.ErrConflict
}

// Seed writes a record unconditionally, used by roster import.
func (l *Ledger) Seed(ctx context.Context, rec attendance.Record) error {
	fields := []any{fieldCount, rec.TotalCount}
	if rec.LastEventAt != nil {
		fields = append(fields, fieldLast, rec.LastEventAt.UTC().Format(time.RFC3339Nano))
	}
	if err := l.client.HSet(ctx, l.key(rec.IdentityID), fields...).Err(); err != nil {
		return fmt.Errorf("seed attendance record: %w", err)
	}
	return nil
}
