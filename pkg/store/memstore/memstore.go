// Package memstore is an in-memory store.Store: wardend's backend when
// store.backend is "memory" (the default), and the store used by the
// learning-engine, admin-API and Redis-cache tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localops/warden/pkg/store"
)

// Store implements store.Store entirely in memory.
type Store struct {
	mu sync.Mutex

	attempts     []store.Attempt
	fingerprints map[string]time.Time
	cooldowns    map[string]time.Time
	windows      map[string]store.MaintenanceWindow
	patterns     map[string]store.Pattern
	failures     map[string]store.FailurePattern
	snapshots    map[string]store.StateSnapshot
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		fingerprints: make(map[string]time.Time),
		cooldowns:    make(map[string]time.Time),
		windows:      make(map[string]store.MaintenanceWindow),
		patterns:     make(map[string]store.Pattern),
		failures:     make(map[string]store.FailurePattern),
		snapshots:    make(map[string]store.StateSnapshot),
	}
}

func cooldownKey(alertName, instance string) string { return alertName + "|" + instance }
func patternKey(alertName, symptomFingerprint string) string { return alertName + "|" + symptomFingerprint }

func (s *Store) AppendAttempt(_ context.Context, a store.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *Store) CountActionableAttempts(_ context.Context, alertName, instance string, window time.Duration, diagnosticHeads map[string]bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-window)
	count := 0
	for _, a := range s.attempts {
		if a.AlertName == alertName && a.Instance == instance && a.Timestamp.After(cutoff) && a.IsActionable(diagnosticHeads) {
			count++
		}
	}
	return count, nil
}

func (s *Store) RecentAttempts(_ context.Context, limit int) ([]store.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Attempt, len(s.attempts))
	copy(out, s.attempts)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Admit(_ context.Context, fingerprint string, cooldown time.Duration) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	prior, seen := s.fingerprints[fingerprint]
	if seen && now.Sub(prior) < cooldown {
		return false, prior, nil
	}
	s.fingerprints[fingerprint] = now
	return true, now, nil
}

func (s *Store) SetEscalationCooldown(_ context.Context, alertName, instance string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[cooldownKey(alertName, instance)] = at
	return nil
}

func (s *Store) GetEscalationCooldown(_ context.Context, alertName, instance string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.cooldowns[cooldownKey(alertName, instance)]
	return at, ok, nil
}

func (s *Store) ClearEscalationCooldown(_ context.Context, alertName, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cooldowns, cooldownKey(alertName, instance))
	return nil
}

func (s *Store) StartMaintenance(_ context.Context, w store.MaintenanceWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.IsActive = true
	s.windows[w.ID] = w
	return nil
}

func (s *Store) EndMaintenance(_ context.Context, id string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok {
		return nil
	}
	w.EndedAt = &endedAt
	w.IsActive = false
	s.windows[id] = w
	return nil
}

func (s *Store) ListActive(_ context.Context) ([]store.MaintenanceWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.MaintenanceWindow, 0)
	for _, w := range s.windows {
		if w.IsActive {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *Store) IsSuppressed(_ context.Context, host string) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.windows {
		if !w.IsActive {
			continue
		}
		if w.Host == nil || equalFold(*w.Host, host) {
			return true, w.Reason, nil
		}
	}
	return false, "", nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (s *Store) GetPattern(_ context.Context, alertName, symptomFingerprint string) (store.Pattern, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[patternKey(alertName, symptomFingerprint)]
	return p, ok, nil
}

func (s *Store) UpsertPatternSuccess(_ context.Context, alertName, symptomFingerprint string, commands []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := patternKey(alertName, symptomFingerprint)
	p, ok := s.patterns[key]
	if !ok {
		p = store.Pattern{AlertName: alertName, SymptomFingerprint: symptomFingerprint, CreatedAt: at}
	}
	p.SuccessCount++
	p.Commands = commands
	p.LastUsedAt = at
	s.patterns[key] = p
	return nil
}

func (s *Store) RecordPatternFailure(_ context.Context, alertName, symptomFingerprint string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := patternKey(alertName, symptomFingerprint)
	p, ok := s.patterns[key]
	if !ok {
		p = store.Pattern{AlertName: alertName, SymptomFingerprint: symptomFingerprint}
	}
	p.FailureCount++
	s.patterns[key] = p
	return nil
}

func (s *Store) RecentPatternsForAlert(_ context.Context, alertName string, limit int) ([]store.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Pattern, 0)
	for _, p := range s.patterns {
		if p.AlertName == alertName {
			out = append(out, p)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecentPatterns(_ context.Context, limit int) ([]store.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, p)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RecordFailurePattern(_ context.Context, fp store.FailurePattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := patternKey(fp.AlertName, fp.PatternSignature)
	existing, ok := s.failures[key]
	if ok {
		existing.FailureCount++
		existing.LastFailedAt = fp.LastFailedAt
		existing.FailureReason = fp.FailureReason
		existing.CommandsAttempted = fp.CommandsAttempted
		s.failures[key] = existing
		return nil
	}
	fp.FailureCount = 1
	s.failures[key] = fp
	return nil
}

func (s *Store) IsKnownFailure(_ context.Context, alertName, patternSignature string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failures[patternKey(alertName, patternSignature)]
	return ok, nil
}

func (s *Store) InsertSnapshot(_ context.Context, snap store.StateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.SnapshotID == "" {
		snap.SnapshotID = uuid.NewString()
	}
	s.snapshots[snap.SnapshotID] = snap
	return nil
}

func (s *Store) GetSnapshot(_ context.Context, id string) (store.StateSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	return snap, ok, nil
}

var _ store.Store = (*Store)(nil)
