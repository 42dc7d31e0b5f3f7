package roster

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kozaktomas/face-attendance/internal/attendance"
)

// notFound marks a cached negative lookup.
type notFound struct{}

// CachedDirectory memoizes lookups of a slower directory, such as the
// database identity table. Unknown identities are cached too. Other errors
// are not cached.
type CachedDirectory struct {
	next  attendance.Directory
	cache *cache.Cache
}

// NewCachedDirectory wraps next with a TTL cache. The cache has no janitor
// goroutine; expired items are dropped on access.
func NewCachedDirectory(next attendance.Directory, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		next:  next,
		cache: cache.New(ttl, 0),
	}
}

// Lookup implements attendance.Directory.
func (d *CachedDirectory) Lookup(ctx context.Context, identityID string) (attendance.Identity, error) {
	if v, ok := d.cache.Get(identityID); ok {
		switch v := v.(type) {
		case attendance.Identity:
			return v, nil
		case notFound:
			return attendance.Identity{}, attendance.ErrNotFound
		}
	}

	identity, err := d.next.Lookup(ctx, identityID)
	switch {
	case err == nil:
		d.cache.SetDefault(identityID, identity)
	case errors.Is(err, attendance.ErrNotFound):
		d.cache.SetDefault(identityID, notFound{})
	}
	return identity, err
}

// Invalidate drops a cached identity, e.g. after a rename.
func (d *CachedDirectory) Invalidate(identityID string) {
	d.cache.Delete(identityID)
}

// Flush drops all cached identities.
func (d *CachedDirectory) Flush() {
	d.cache.Flush()
}
