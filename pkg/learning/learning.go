// Package learning implements the Learning Engine (spec §4.9): tiered
// solution lookup, pattern extraction from verified successes, confidence
// scoring, and failure-pattern avoidance.
package learning

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/localops/warden/pkg/alert"
	"github.com/localops/warden/pkg/clock"
	"github.com/localops/warden/pkg/store"
)

// Tier identifies which lookup path produced a result (spec §4.9).
type Tier int

const (
	// TierNone means no candidate was found; the Reasoning Agent runs with
	// diagnostic tools only.
	TierNone Tier = iota
	// TierCache is a direct high-confidence match: commands are reused
	// verbatim with no LLM call.
	TierCache
	// TierHint is a similarity-weighted candidate attached as a hint to the
	// Reasoning Agent, which may accept, modify, or discard it.
	TierHint
)

const (
	tier0MinConfidence = 0.75
	tier0MinSuccesses  = 5
	tier1MinSimilarity = 0.6

	recencyHalfLifeDays = 30.0
)

// Lookup is the Learning Engine's answer for one alert.
type Lookup struct {
	Tier     Tier
	Commands []string
	Pattern  store.Pattern
}

// Engine ties pattern storage to the tiered-lookup and scoring rules of
// spec §4.9.
type Engine struct {
	store           store.PatternStore
	clk             clock.Clock
	signatureLabels []string
}

// New constructs an Engine. signatureLabels names which Alert labels
// participate in the symptom fingerprint (spec §3 "configured_signature_labels").
func New(s store.PatternStore, clk clock.Clock, signatureLabels []string) *Engine {
	return &Engine{store: s, clk: clk, signatureLabels: signatureLabels}
}

// SymptomFingerprint computes the pattern identity key for alertName/labels,
// scoped to this Engine's configured signature labels.
func (e *Engine) SymptomFingerprint(alertName string, labels map[string]string) string {
	return alert.SymptomFingerprint(alertName, labels, e.signatureLabels)
}

// Lookup runs the three tiered lookups of spec §4.9 in increasing cost order.
func (e *Engine) Lookup(ctx context.Context, alertName string, labels map[string]string) (Lookup, error) {
	fingerprint := e.SymptomFingerprint(alertName, labels)

	if hit, found, err := e.tier0(ctx, alertName, fingerprint); err != nil {
		return Lookup{}, err
	} else if found {
		return hit, nil
	}

	if hit, found, err := e.tier1(ctx, alertName, fingerprint); err != nil {
		return Lookup{}, err
	} else if found {
		return hit, nil
	}

	return Lookup{Tier: TierNone}, nil
}

func (e *Engine) tier0(ctx context.Context, alertName, fingerprint string) (Lookup, bool, error) {
	p, found, err := e.store.GetPattern(ctx, alertName, fingerprint)
	if err != nil || !found {
		return Lookup{}, false, err
	}
	// confidence_score is recomputed from counts and recency rather than
	// trusted from storage, per the pattern-monotonicity invariant (spec §8.7).
	p.ConfidenceScore = Confidence(p.SuccessCount, p.FailureCount, p.LastUsedAt, e.clk.Now())
	if p.ConfidenceScore < tier0MinConfidence || p.SuccessCount < tier0MinSuccesses {
		return Lookup{}, false, nil
	}
	known, err := e.store.IsKnownFailure(ctx, alertName, fingerprint)
	if err != nil {
		return Lookup{}, false, err
	}
	if known {
		return Lookup{}, false, nil
	}
	return Lookup{Tier: TierCache, Commands: p.Commands, Pattern: p}, true, nil
}

func (e *Engine) tier1(ctx context.Context, alertName, fingerprint string) (Lookup, bool, error) {
	candidates, err := e.store.RecentPatternsForAlert(ctx, alertName, 50)
	if err != nil {
		return Lookup{}, false, err
	}

	var best store.Pattern
	bestScore := 0.0
	for _, c := range candidates {
		score := Similarity(fingerprint, c.SymptomFingerprint)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if bestScore < tier1MinSimilarity {
		return Lookup{}, false, nil
	}
	return Lookup{Tier: TierHint, Commands: best.Commands, Pattern: best}, true, nil
}

// Similarity computes the weighted-Jaccard score between two symptom
// fingerprints (spec §4.9): alertname contributes 0.5 if equal, the
// remaining label-value tokens contribute the other 0.5 via set Jaccard.
func Similarity(a, b string) float64 {
	aParts := strings.Split(a, "|")
	bParts := strings.Split(b, "|")
	if len(aParts) == 0 || len(bParts) == 0 {
		return 0
	}

	score := 0.0
	if aParts[0] == bParts[0] {
		score += 0.5
	}

	aTokens := toSet(aParts[1:])
	bTokens := toSet(bParts[1:])
	if len(aTokens) == 0 && len(bTokens) == 0 {
		score += 0.5
		return score
	}
	inter, union := 0, len(aTokens)
	seen := make(map[string]bool, len(aTokens))
	for t := range aTokens {
		seen[t] = true
	}
	for t := range bTokens {
		if seen[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return score
	}
	score += 0.5 * (float64(inter) / float64(union))
	return score
}

func toSet(tokens []string) map[string]bool {
	out := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		out[t] = true
	}
	return out
}

// Confidence computes confidence_score = (success/(success+failure)) *
// exp(-age_days/30), bounded to [0,1] (spec §4.9).
func Confidence(successCount, failureCount int, lastUsedAt, now time.Time) float64 {
	total := successCount + failureCount
	if total == 0 {
		return 0
	}
	successRate := float64(successCount) / float64(total)
	ageDays := math.Max(0, now.Sub(lastUsedAt).Hours()/24)
	recencyDecay := math.Exp(-ageDays / recencyHalfLifeDays)
	score := successRate * recencyDecay
	return math.Max(0, math.Min(1, score))
}

// RecordSuccess credits the pattern for alertName/fingerprint with a verified
// success, inserting a new pattern if none exists (spec §3, §4.9 "Pattern
// extraction"). The underlying store's upsert is the idempotency boundary
// for concurrent credits.
func (e *Engine) RecordSuccess(ctx context.Context, alertName, fingerprint string, commands []string) error {
	return e.store.UpsertPatternSuccess(ctx, alertName, fingerprint, commands, e.clk.Now())
}

// RecordFailure increments the pattern's failure_count and records a
// FailurePattern so future lookups avoid the same command sequence
// (spec §4.9 "On verified failure of a pattern application").
func (e *Engine) RecordFailure(ctx context.Context, alertName, fingerprint string, commandsAttempted []string, reason string) error {
	if err := e.store.RecordPatternFailure(ctx, alertName, fingerprint, e.clk.Now()); err != nil {
		return err
	}
	return e.store.RecordFailurePattern(ctx, store.FailurePattern{
		AlertName:         alertName,
		PatternSignature:  fingerprint,
		CommandsAttempted: commandsAttempted,
		FailureReason:     reason,
		LastFailedAt:      e.clk.Now(),
	})
}

// RankedPatterns returns recent patterns for alertName ordered by descending
// confidence, recomputed against now.
func (e *Engine) RankedPatterns(ctx context.Context, alertName string, now time.Time) ([]store.Pattern, error) {
	patterns, err := e.store.RecentPatternsForAlert(ctx, alertName, 100)
	if err != nil {
		return nil, err
	}
	for i := range patterns {
		patterns[i].ConfidenceScore = Confidence(patterns[i].SuccessCount, patterns[i].FailureCount, patterns[i].LastUsedAt, now)
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].ConfidenceScore > patterns[j].ConfidenceScore })
	return patterns, nil
}
