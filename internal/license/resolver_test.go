package license

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotcrew/agentgate/internal/models"
	"github.com/pilotcrew/agentgate/internal/store"
)

type fakeStore struct {
	subs  map[string]*models.Subscription
	err   error
	calls int
}

func (f *fakeStore) GetSubscriptionByKey(ctx context.Context, key string) (*models.Subscription, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[key]
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	return sub, nil
}

const testKey = "sclw_abcdefghijklmnopqrstuvwxyz012345"

func newTestResolver(fs *fakeStore) (*Resolver, *time.Time) {
	r := NewResolver(fs)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestResolveCachesPositive(t *testing.T) {
	fs := &fakeStore{subs: map[string]*models.Subscription{
		testKey: {OwnerID: "own_1", Plan: models.PlanPro, Status: models.StatusActive},
	}}
	r, _ := newTestResolver(fs)

	rec, ok := r.Resolve(context.Background(), testKey)
	require.True(t, ok)
	assert.Equal(t, "own_1", rec.OwnerID)
	assert.Equal(t, models.PlanPro, rec.Plan)

	// Repeated resolves within the TTL hit the cache, not the store.
	for i := 0; i < 5; i++ {
		again, ok := r.Resolve(context.Background(), testKey)
		require.True(t, ok)
		assert.Same(t, rec, again)
	}
	assert.Equal(t, 1, fs.calls)
}

func TestResolvePositiveTTLExpiry(t *testing.T) {
	fs := &fakeStore{subs: map[string]*models.Subscription{
		testKey: {OwnerID: "own_1", Plan: models.PlanPro, Status: models.StatusActive},
	}}
	r, now := newTestResolver(fs)

	_, ok := r.Resolve(context.Background(), testKey)
	require.True(t, ok)

	*now = now.Add(PositiveTTL + time.Second)
	_, ok = r.Resolve(context.Background(), testKey)
	require.True(t, ok)
	assert.Equal(t, 2, fs.calls)
}

func TestResolveCachesNegative(t *testing.T) {
	tests := []struct {
		name string
		sub  *models.Subscription
	}{
		{"unknown key", nil},
		{"cancelled", &models.Subscription{OwnerID: "own_1", Plan: models.PlanPro, Status: models.StatusCancelled}},
		{"inactive", &models.Subscription{OwnerID: "own_1", Plan: models.PlanPro, Status: models.StatusInactive}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeStore{subs: map[string]*models.Subscription{}}
			if tt.sub != nil {
				fs.subs[testKey] = tt.sub
			}
			r, now := newTestResolver(fs)

			_, ok := r.Resolve(context.Background(), testKey)
			assert.False(t, ok)

			_, ok = r.Resolve(context.Background(), testKey)
			assert.False(t, ok)
			assert.Equal(t, 1, fs.calls, "second resolve must come from the negative cache")

			*now = now.Add(NegativeTTL + time.Second)
			_, ok = r.Resolve(context.Background(), testKey)
			assert.False(t, ok)
			assert.Equal(t, 2, fs.calls)
		})
	}
}

func TestResolvePastDueDowngradesToFree(t *testing.T) {
	fs := &fakeStore{subs: map[string]*models.Subscription{
		testKey: {OwnerID: "own_1", Plan: models.PlanUltra, Status: models.StatusPastDue},
	}}
	r, _ := newTestResolver(fs)

	rec, ok := r.Resolve(context.Background(), testKey)
	require.True(t, ok)
	assert.Equal(t, models.PlanFree, rec.Plan, "past_due must be served on the free tier")
	assert.Equal(t, models.StatusPastDue, rec.Status)
}

func TestResolveBackendErrorNotCached(t *testing.T) {
	fs := &fakeStore{err: errors.New("connection refused")}
	r, _ := newTestResolver(fs)

	_, ok := r.Resolve(context.Background(), testKey)
	assert.False(t, ok)

	// The failure must not be cached: once the store recovers, the very
	// next request succeeds.
	fs.err = nil
	fs.subs = map[string]*models.Subscription{
		testKey: {OwnerID: "own_1", Plan: models.PlanPro, Status: models.StatusActive},
	}
	_, ok = r.Resolve(context.Background(), testKey)
	assert.True(t, ok)
	assert.Equal(t, 2, fs.calls)
}

func TestInvalidateForcesFreshLookup(t *testing.T) {
	fs := &fakeStore{subs: map[string]*models.Subscription{
		testKey: {OwnerID: "own_1", Plan: models.PlanFree, Status: models.StatusActive},
	}}
	r, _ := newTestResolver(fs)

	_, ok := r.Resolve(context.Background(), testKey)
	require.True(t, ok)

	r.Invalidate(testKey)

	fs.subs[testKey].Plan = models.PlanUltra
	rec, ok := r.Resolve(context.Background(), testKey)
	require.True(t, ok)
	assert.Equal(t, models.PlanUltra, rec.Plan)
	assert.Equal(t, 2, fs.calls)
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	fs := &fakeStore{subs: map[string]*models.Subscription{
		testKey: {OwnerID: "own_1", Plan: models.PlanPro, Status: models.StatusActive},
	}}
	r, now := newTestResolver(fs)

	r.Resolve(context.Background(), testKey)
	r.Resolve(context.Background(), "sclw_unknownkeyunknownkey0000000000")

	pos, neg := r.Stats()
	assert.Equal(t, 1, pos)
	assert.Equal(t, 1, neg)

	*now = now.Add(PositiveTTL + time.Second)
	r.sweep()

	pos, neg = r.Stats()
	assert.Equal(t, 0, pos)
	assert.Equal(t, 0, neg)
}

func TestValidKeyFormat(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"sclw_" + "abcdefghijklmnopqrstuvwxyzABCDEF0123456-_=", true},
		{"sclw_abcdefghijklmnopqrstuvwx", true},
		{"sclw_short", false},
		{"sk-ant-REDACTED", false},
		{"", false},
		{"sclw_", false},
		{"sclw_abcdefghijklmnopqrst!vwxyz012345", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidKeyFormat(tt.key), "key %q", tt.key)
	}
}
