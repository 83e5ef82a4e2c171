package learning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localops/warden/pkg/clock"
	"github.com/localops/warden/pkg/store"
	"github.com/localops/warden/pkg/store/memstore"
)

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected float64
	}{
		{"identical fingerprints", "ContainerDown|host=nexus|container=nginx", "ContainerDown|host=nexus|container=nginx", 1.0},
		{"different alertname caps at 0.5", "ContainerDown|host=nexus", "HighCPU|host=nexus", 0.5},
		{"disjoint labels same alertname", "ContainerDown|host=nexus", "ContainerDown|host=outpost", 0.5},
		{"no labels either side", "ContainerDown", "ContainerDown", 1.0},
		{"partial label overlap", "ContainerDown|host=nexus|container=nginx", "ContainerDown|host=nexus|container=redis", 0.5 + 0.5*(1.0/3.0)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Similarity(tc.a, tc.b)
			assert.InDelta(t, tc.expected, got, 0.001)
		})
	}
}

func TestSimilarity_AlertNameMismatchAtMostHalf(t *testing.T) {
	got := Similarity("A|x=1|y=2", "B|x=1|y=2")
	assert.LessOrEqual(t, got, 0.5)
}

func TestConfidence_RepeatingSuccessNeverDecreases(t *testing.T) {
	now := time.Now()
	c1 := Confidence(1, 0, now, now)
	c2 := Confidence(2, 0, now, now)
	assert.GreaterOrEqual(t, c2, c1)
}

func TestConfidence_BoundedToUnitInterval(t *testing.T) {
	now := time.Now()
	assert.LessOrEqual(t, Confidence(100, 0, now, now), 1.0)
	assert.GreaterOrEqual(t, Confidence(0, 0, now, now), 0.0)
}

func TestConfidence_DecaysWithAge(t *testing.T) {
	now := time.Now()
	fresh := Confidence(5, 0, now, now)
	stale := Confidence(5, 0, now.Add(-60*24*time.Hour), now)
	assert.Greater(t, fresh, stale)
}

func TestLookup_Tier0CacheHit(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	clk := clock.NewFrozen(time.Now())
	eng := New(s, clk, []string{"host", "container"})

	fingerprint := eng.SymptomFingerprint("ContainerDown", map[string]string{"host": "nexus", "container": "nginx"})
	for i := 0; i < tier0MinSuccesses; i++ {
		require.NoError(t, s.UpsertPatternSuccess(ctx, "ContainerDown", fingerprint, []string{"docker restart nginx"}, clk.Now()))
	}

	lookup, err := eng.Lookup(ctx, "ContainerDown", map[string]string{"host": "nexus", "container": "nginx"})
	require.NoError(t, err)
	assert.Equal(t, TierCache, lookup.Tier)
	assert.Equal(t, []string{"docker restart nginx"}, lookup.Commands)
}

func TestLookup_Tier0MissesBelowMinSuccesses(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	clk := clock.NewFrozen(time.Now())
	eng := New(s, clk, []string{"host", "container"})

	fingerprint := eng.SymptomFingerprint("ContainerDown", map[string]string{"host": "nexus", "container": "nginx"})
	require.NoError(t, s.UpsertPatternSuccess(ctx, "ContainerDown", fingerprint, []string{"docker restart nginx"}, clk.Now()))

	lookup, err := eng.Lookup(ctx, "ContainerDown", map[string]string{"host": "nexus", "container": "nginx"})
	require.NoError(t, err)
	assert.NotEqual(t, TierCache, lookup.Tier)
}

func TestLookup_Tier0SkipsKnownFailure(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	clk := clock.NewFrozen(time.Now())
	eng := New(s, clk, []string{"host"})

	fingerprint := eng.SymptomFingerprint("HighCPU", map[string]string{"host": "nexus"})
	for i := 0; i < tier0MinSuccesses; i++ {
		require.NoError(t, s.UpsertPatternSuccess(ctx, "HighCPU", fingerprint, []string{"systemctl restart app"}, clk.Now()))
	}
	require.NoError(t, s.RecordFailurePattern(ctx, store.FailurePattern{AlertName: "HighCPU", PatternSignature: fingerprint}))

	lookup, err := eng.Lookup(ctx, "HighCPU", map[string]string{"host": "nexus"})
	require.NoError(t, err)
	assert.NotEqual(t, TierCache, lookup.Tier)
}

func TestLookup_NoCandidateReturnsTierNone(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	clk := clock.NewFrozen(time.Now())
	eng := New(s, clk, []string{"host"})

	lookup, err := eng.Lookup(ctx, "UnseenAlert", map[string]string{"host": "nexus"})
	require.NoError(t, err)
	assert.Equal(t, TierNone, lookup.Tier)
}

func TestLookup_Tier1HintFromSimilarPattern(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	clk := clock.NewFrozen(time.Now())
	eng := New(s, clk, []string{"host", "container"})

	seedFingerprint := eng.SymptomFingerprint("ContainerDown", map[string]string{"host": "nexus", "container": "nginx"})
	require.NoError(t, s.UpsertPatternSuccess(ctx, "ContainerDown", seedFingerprint, []string{"docker restart nginx"}, clk.Now()))

	lookup, err := eng.Lookup(ctx, "ContainerDown", map[string]string{"host": "nexus", "container": "nginx-sidecar"})
	require.NoError(t, err)
	assert.Equal(t, TierHint, lookup.Tier)
	assert.Equal(t, []string{"docker restart nginx"}, lookup.Commands)
}

func TestRecordFailure_AvoidsKnownFailure(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	clk := clock.NewFrozen(time.Now())
	eng := New(s, clk, []string{"host"})

	require.NoError(t, eng.RecordFailure(ctx, "HighCPU", "sig1", []string{"systemctl restart app"}, "verification timed out"))

	known, err := s.IsKnownFailure(ctx, "HighCPU", "sig1")
	require.NoError(t, err)
	assert.True(t, known)
}

func TestRankedPatterns_OrdersByDescendingConfidence(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	now := time.Now()
	clk := clock.NewFrozen(now)
	eng := New(s, clk, nil)

	require.NoError(t, s.UpsertPatternSuccess(ctx, "HighCPU", "sig-old", []string{"a"}, now.Add(-90*24*time.Hour)))
	require.NoError(t, s.UpsertPatternSuccess(ctx, "HighCPU", "sig-new", []string{"b"}, now))

	ranked, err := eng.RankedPatterns(ctx, "HighCPU", now)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "sig-new", ranked[0].SymptomFingerprint)
}
