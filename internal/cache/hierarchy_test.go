package cache

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTier struct {
	mu        sync.Mutex
	name      string
	values    map[string]string
	getErr    error
	setResult WriteResult
	keys      []string
	purged    int
	disposed  bool
	sets      int
}

func newFakeTier(name string) *fakeTier {
	return &fakeTier{name: name, values: map[string]string{}, setResult: WriteSuccess}
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", false, f.getErr
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeTier) Set(_ context.Context, key string, value string) WriteResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.setResult == WriteSuccess {
		f.values[key] = value
	}
	return f.setResult
}

func (f *fakeTier) Delete(_ context.Context, key string) WriteResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return WriteFailure
	}
	delete(f.values, key)
	return WriteSuccess
}

func (f *fakeTier) Keys(_ context.Context) ([]string, error) {
	return append([]string(nil), f.keys...), nil
}

func (f *fakeTier) Purge(_ context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged++
}

func (f *fakeTier) Dispose(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
	if f.name == "broken" {
		return errors.New("close failed")
	}
	return nil
}

func TestNewHierarchyValidation(t *testing.T) {
	t.Parallel()

	_, err := NewHierarchy[string](nil)
	require.Error(t, err)

	_, err = NewHierarchy([]Cache[string]{newFakeTier("a")}, WithAuthority(3))
	require.Error(t, err)
}

func TestHierarchyGetReturnsFirstHit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fast, slow := newFakeTier("fast"), newFakeTier("slow")
	fast.values["k"] = "fast-value"
	slow.values["k"] = "slow-value"
	slow.values["only-slow"] = "deep"

	h, err := NewHierarchy([]Cache[string]{fast, slow})
	require.NoError(t, err)

	v, ok, err := h.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fast-value", v)

	v, ok, err = h.Get(ctx, "only-slow")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "deep", v)
	require.Zero(t, fast.sets, "no read-through unless enabled")

	_, ok, err = h.Get(ctx, "absent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHierarchyReadThroughBackfillsFasterTiers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fast, slow := newFakeTier("fast"), newFakeTier("slow")
	slow.values["k"] = "v"
	h, err := NewHierarchy([]Cache[string]{fast, slow}, WithReadThrough())
	require.NoError(t, err)

	_, ok, err := h.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", fast.values["k"])
}

func TestHierarchyGetSkipsFailingTier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	broken, healthy := newFakeTier("net"), newFakeTier("local")
	broken.getErr = errors.New("connection refused")
	healthy.values["k"] = "v"

	h, err := NewHierarchy([]Cache[string]{broken, healthy})
	require.NoError(t, err)
	v, ok, err := h.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	only, err := NewHierarchy([]Cache[string]{broken})
	require.NoError(t, err)
	_, ok, err = only.Get(ctx, "k")
	require.Error(t, err)
	require.False(t, ok)
}

func TestHierarchyWritesCombineTierResults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		results []WriteResult
		want    WriteResult
	}{
		{"all tiers succeed", []WriteResult{WriteSuccess, WriteSuccess}, WriteSuccess},
		{"one tier fails", []WriteResult{WriteSuccess, WriteFailure}, WritePartial},
		{"every tier fails", []WriteResult{WriteFailure, WriteFailure}, WriteFailure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tiers := make([]Cache[string], len(tc.results))
			for i, r := range tc.results {
				tier := newFakeTier("tier")
				tier.setResult = r
				tiers[i] = tier
			}
			h, err := NewHierarchy(tiers)
			require.NoError(t, err)
			require.Equal(t, tc.want, h.Set(ctx, "k", "v"))
		})
	}
}

func TestHierarchyDeleteAcrossTiers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, b := newFakeTier("a"), newFakeTier("b")
	h, err := NewHierarchy([]Cache[string]{a, b})
	require.NoError(t, err)

	require.Equal(t, WriteSuccess, h.Set(ctx, "k", "v"))
	delete(b.values, "k")
	require.Equal(t, WritePartial, h.Delete(ctx, "k"))
	require.Equal(t, WriteFailure, h.Delete(ctx, "k"))
}

func TestHierarchyKeysComeFromAuthority(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, b := newFakeTier("a"), newFakeTier("b")
	a.keys = []string{"local-only"}
	b.keys = []string{"x", "y"}

	h, err := NewHierarchy([]Cache[string]{a, b})
	require.NoError(t, err)
	keys, err := h.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, keys)

	h, err = NewHierarchy([]Cache[string]{a, b}, WithAuthority(0))
	require.NoError(t, err)
	keys, err = h.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"local-only"}, keys)
}

func TestHierarchyPurgeAndDisposeReachEveryTier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, b := newFakeTier("a"), newFakeTier("broken")
	h, err := NewHierarchy([]Cache[string]{a, b})
	require.NoError(t, err)
	require.Equal(t, 2, h.Tiers())

	h.Purge(ctx)
	require.Equal(t, 1, a.purged)
	require.Equal(t, 1, b.purged)

	err = h.Dispose(ctx)
	require.ErrorContains(t, err, "close failed")
	require.True(t, a.disposed)
	require.True(t, b.disposed)
}
