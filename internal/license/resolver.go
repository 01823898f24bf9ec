package license

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pilotcrew/agentgate/internal/metrics"
	"github.com/pilotcrew/agentgate/internal/models"
	"github.com/pilotcrew/agentgate/internal/store"
)

const (
	// PositiveTTL bounds how long a resolved license is served without
	// re-checking the store. Plan changes land within this window unless
	// Invalidate is called explicitly.
	PositiveTTL = 5 * time.Minute

	// NegativeTTL bounds how long a known-bad key short-circuits to 401.
	NegativeTTL = 2 * time.Minute

	sweepInterval = time.Minute
)

// KeyStore is the external key/subscription store consumed on cache misses.
type KeyStore interface {
	GetSubscriptionByKey(ctx context.Context, licenseKey string) (*models.Subscription, error)
}

// Resolver resolves opaque license keys to license records through a
// two-tier in-memory cache: a positive tier for valid licenses and a
// negative tier for keys known to be invalid. Each tier has its own TTL.
type Resolver struct {
	store KeyStore

	mu       sync.Mutex
	positive map[string]*models.LicenseRecord
	negative map[string]time.Time

	now func() time.Time

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func NewResolver(keyStore KeyStore) *Resolver {
	return &Resolver{
		store:     keyStore,
		positive:  make(map[string]*models.LicenseRecord),
		negative:  make(map[string]time.Time),
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}
}

// ValidKeyFormat reports whether key looks like an issued license key:
// "sclw_" followed by 24-64 base64url characters. Keys failing this check
// can never resolve, so callers may reject them without a store hit.
func ValidKeyFormat(key string) bool {
	const prefix = "sclw_"
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	suffix := key[len(prefix):]
	if len(suffix) < 24 || len(suffix) > 64 {
		return false
	}
	for i := 0; i < len(suffix); i++ {
		b := suffix[i]
		switch {
		case b >= 'a' && b <= 'z':
		case b >= 'A' && b <= 'Z':
		case b >= '0' && b <= '9':
		case b == '-' || b == '_' || b == '=':
		default:
			return false
		}
	}
	return true
}

// Resolve maps a license key to its record. The second return is false when
// the key is unknown, revoked, or its subscription is cancelled/inactive.
// A store failure is treated as unresolved and is never cached, so the next
// request retries instead of being wrongly denied for a whole TTL window.
func (r *Resolver) Resolve(ctx context.Context, key string) (*models.LicenseRecord, bool) {
	now := r.now()

	r.mu.Lock()
	if rec, ok := r.positive[key]; ok {
		if now.Sub(rec.CachedAt) < PositiveTTL {
			r.mu.Unlock()
			metrics.LicenseCacheLookups.WithLabelValues("hit").Inc()
			return rec, true
		}
		delete(r.positive, key)
	}
	if negAt, ok := r.negative[key]; ok {
		if now.Sub(negAt) < NegativeTTL {
			r.mu.Unlock()
			metrics.LicenseCacheLookups.WithLabelValues("negative_hit").Inc()
			return nil, false
		}
		delete(r.negative, key)
	}
	r.mu.Unlock()

	metrics.LicenseCacheLookups.WithLabelValues("miss").Inc()

	sub, err := r.store.GetSubscriptionByKey(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		r.mu.Lock()
		r.negative[key] = now
		r.mu.Unlock()
		return nil, false
	}
	if err != nil {
		// Transient backend failure: fail closed for this request but do
		// not poison the cache.
		log.Printf("⚠️  License lookup failed: %v", err)
		return nil, false
	}

	if sub.Status == models.StatusCancelled || sub.Status == models.StatusInactive {
		r.mu.Lock()
		r.negative[key] = now
		r.mu.Unlock()
		return nil, false
	}

	// past_due keeps working on the free tier until billing recovers.
	// The effective plan is what gets cached, never the raw one.
	plan := sub.Plan
	if sub.Status == models.StatusPastDue {
		plan = models.PlanFree
	}

	rec := &models.LicenseRecord{
		OwnerID:  sub.OwnerID,
		Plan:     plan,
		Status:   sub.Status,
		CachedAt: now,
	}

	r.mu.Lock()
	r.positive[key] = rec
	r.mu.Unlock()

	return rec, true
}

// Invalidate drops both cache tiers for a key. Called after plan changes so
// the next request resolves fresh instead of riding out the TTL.
func (r *Resolver) Invalidate(key string) {
	r.mu.Lock()
	delete(r.positive, key)
	delete(r.negative, key)
	r.mu.Unlock()
}

// Stats returns current entry counts for the admin surface.
func (r *Resolver) Stats() (positive, negative int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.positive), len(r.negative)
}

// StartSweeper runs a periodic sweep that evicts expired entries. Reads
// already check TTLs, so this only bounds memory for keys never seen again.
func (r *Resolver) StartSweeper() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopSweep:
				return
			}
		}
	}()
}

func (r *Resolver) StopSweeper() {
	r.sweepOnce.Do(func() { close(r.stopSweep) })
}

func (r *Resolver) sweep() {
	now := r.now()
	r.mu.Lock()
	for key, rec := range r.positive {
		if now.Sub(rec.CachedAt) >= PositiveTTL {
			delete(r.positive, key)
		}
	}
	for key, negAt := range r.negative {
		if now.Sub(negAt) >= NegativeTTL {
			delete(r.negative, key)
		}
	}
	r.mu.Unlock()
}
