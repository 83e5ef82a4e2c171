package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/localops/warden/pkg/store"
	"github.com/localops/warden/pkg/wardenerr"
)

// Store implements store.Store against a Postgres database.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-connected, already-migrated *sqlx.DB.
func New(db *sqlx.DB) *Store { return &Store{db: db} }

func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	return wardenerr.New(wardenerr.KindStorageUnavailable, "", err)
}

// AppendAttempt persists one Attempt row.
func (s *Store) AppendAttempt(ctx context.Context, a store.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (id, alert_fingerprint, alertname, instance, attempt_number, severity,
		                       analysis_text, commands_executed, exit_codes, success, escalated,
		                       error, duration_seconds, investigation_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		a.ID, a.AlertFingerprint, a.AlertName, a.Instance, a.AttemptNumber, a.Severity,
		a.AnalysisText, pq.Array(a.CommandsExecuted), pq.Array(a.ExitCodes), a.Success, a.Escalated,
		a.Error, a.DurationSeconds, nullableJSON(a.InvestigationJSON))
	return wrapTransient(err)
}

// CountActionableAttempts counts attempts within window whose
// commands_executed array contains at least one non-diagnostic head. The
// diagnostic-head filtering happens in Go (store.Attempt.IsActionable)
// against the rows fetched in the window, since the diagnostic list is
// operator-configured and may change without a migration.
func (s *Store) CountActionableAttempts(ctx context.Context, alertName, instance string, window time.Duration, diagnosticHeads map[string]bool) (int, error) {
	rows, err := s.RecentAttemptsFor(ctx, alertName, instance, window)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, a := range rows {
		if a.IsActionable(diagnosticHeads) {
			count++
		}
	}
	return count, nil
}

// RecentAttemptsFor returns attempts for (alertName, instance) within
// window, newest first.
func (s *Store) RecentAttemptsFor(ctx context.Context, alertName, instance string, window time.Duration) ([]store.Attempt, error) {
	var rows []attemptRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, alert_fingerprint, alertname, instance, attempt_number, severity, analysis_text,
		       commands_executed, exit_codes, success, escalated, error, duration_seconds, created_at
		FROM attempts
		WHERE alertname = $1 AND instance = $2 AND created_at > now() - $3::interval
		ORDER BY created_at DESC`,
		alertName, instance, fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return nil, wrapTransient(err)
	}
	out := make([]store.Attempt, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAttempt())
	}
	return out, nil
}

// RecentAttempts returns the most recent attempts across all alerts, for the
// admin control surface.
func (s *Store) RecentAttempts(ctx context.Context, limit int) ([]store.Attempt, error) {
	var rows []attemptRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, alert_fingerprint, alertname, instance, attempt_number, severity, analysis_text,
		       commands_executed, exit_codes, success, escalated, error, duration_seconds, created_at
		FROM attempts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, wrapTransient(err)
	}
	out := make([]store.Attempt, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAttempt())
	}
	return out, nil
}

type attemptRow struct {
	ID               string         `db:"id"`
	AlertFingerprint string         `db:"alert_fingerprint"`
	AlertName        string         `db:"alertname"`
	Instance         string         `db:"instance"`
	AttemptNumber    int            `db:"attempt_number"`
	Severity         string         `db:"severity"`
	AnalysisText     string         `db:"analysis_text"`
	CommandsExecuted pq.StringArray `db:"commands_executed"`
	ExitCodes        pq.Int64Array  `db:"exit_codes"`
	Success          bool           `db:"success"`
	Escalated        bool           `db:"escalated"`
	Error            string         `db:"error"`
	DurationSeconds  float64        `db:"duration_seconds"`
	CreatedAt        time.Time      `db:"created_at"`
}

func (r attemptRow) toAttempt() store.Attempt {
	exitCodes := make([]int, len(r.ExitCodes))
	for i, c := range r.ExitCodes {
		exitCodes[i] = int(c)
	}
	return store.Attempt{
		ID:               r.ID,
		AlertFingerprint: r.AlertFingerprint,
		AlertName:        r.AlertName,
		Instance:         r.Instance,
		AttemptNumber:    r.AttemptNumber,
		Severity:         r.Severity,
		AnalysisText:     r.AnalysisText,
		CommandsExecuted: []string(r.CommandsExecuted),
		ExitCodes:        exitCodes,
		Success:          r.Success,
		Escalated:        r.Escalated,
		Error:            r.Error,
		DurationSeconds:  r.DurationSeconds,
		Timestamp:        r.CreatedAt,
	}
}

// Admit implements the atomic fingerprint cooldown check-and-set via a
// single conditional upsert (spec §4.5).
func (s *Store) Admit(ctx context.Context, fingerprint string, cooldown time.Duration) (bool, time.Time, error) {
	var admittedAt time.Time
	var wasAdmitted bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO fingerprint_cache (fingerprint, admitted_at)
		VALUES ($1, now())
		ON CONFLICT (fingerprint) DO UPDATE
		SET admitted_at = CASE
			WHEN fingerprint_cache.admitted_at < now() - $2::interval THEN now()
			ELSE fingerprint_cache.admitted_at
		END
		RETURNING admitted_at, (admitted_at = now()) AS just_admitted`,
		fingerprint, fmt.Sprintf("%d seconds", int(cooldown.Seconds())),
	).Scan(&admittedAt, &wasAdmitted)
	if err != nil {
		return false, time.Time{}, wrapTransient(err)
	}
	return wasAdmitted, admittedAt, nil
}

func (s *Store) SetEscalationCooldown(ctx context.Context, alertName, instance string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalation_cooldowns (alertname, instance, escalated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (alertname, instance) DO UPDATE SET escalated_at = EXCLUDED.escalated_at`,
		alertName, instance, at)
	return wrapTransient(err)
}

func (s *Store) GetEscalationCooldown(ctx context.Context, alertName, instance string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.GetContext(ctx, &at, `SELECT escalated_at FROM escalation_cooldowns WHERE alertname=$1 AND instance=$2`, alertName, instance)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrapTransient(err)
	}
	return at, true, nil
}

func (s *Store) ClearEscalationCooldown(ctx context.Context, alertName, instance string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM escalation_cooldowns WHERE alertname=$1 AND instance=$2`, alertName, instance)
	return wrapTransient(err)
}

func (s *Store) StartMaintenance(ctx context.Context, w store.MaintenanceWindow) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO maintenance_windows (id, host, started_at, reason, created_by, is_active)
		VALUES ($1,$2,$3,$4,$5,TRUE)`,
		w.ID, w.Host, w.StartedAt, w.Reason, w.CreatedBy)
	return wrapTransient(err)
}

func (s *Store) EndMaintenance(ctx context.Context, id string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE maintenance_windows SET ended_at=$2, is_active=FALSE WHERE id=$1`, id, endedAt)
	return wrapTransient(err)
}

func (s *Store) ListActive(ctx context.Context) ([]store.MaintenanceWindow, error) {
	var rows []maintenanceRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id, host, started_at, ended_at, reason, created_by, is_active FROM maintenance_windows WHERE is_active`)
	if err != nil {
		return nil, wrapTransient(err)
	}
	out := make([]store.MaintenanceWindow, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toWindow())
	}
	return out, nil
}

func (s *Store) IsSuppressed(ctx context.Context, host string) (bool, string, error) {
	var reason string
	err := s.db.GetContext(ctx, &reason, `
		SELECT reason FROM maintenance_windows
		WHERE is_active AND (host IS NULL OR lower(host) = lower($1))
		ORDER BY started_at DESC LIMIT 1`, host)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", wrapTransient(err)
	}
	return true, reason, nil
}

type maintenanceRow struct {
	ID        string     `db:"id"`
	Host      *string    `db:"host"`
	StartedAt time.Time  `db:"started_at"`
	EndedAt   *time.Time `db:"ended_at"`
	Reason    string     `db:"reason"`
	CreatedBy string     `db:"created_by"`
	IsActive  bool        `db:"is_active"`
}

func (r maintenanceRow) toWindow() store.MaintenanceWindow {
	return store.MaintenanceWindow{
		ID: r.ID, Host: r.Host, StartedAt: r.StartedAt, EndedAt: r.EndedAt,
		Reason: r.Reason, CreatedBy: r.CreatedBy, IsActive: r.IsActive,
	}
}

func (s *Store) GetPattern(ctx context.Context, alertName, symptomFingerprint string) (store.Pattern, bool, error) {
	var row patternRow
	err := s.db.GetContext(ctx, &row, `
		SELECT alertname, symptom_fingerprint, commands, success_count, failure_count,
		       confidence_score, last_used_at, created_at
		FROM patterns WHERE alertname=$1 AND symptom_fingerprint=$2`, alertName, symptomFingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Pattern{}, false, nil
	}
	if err != nil {
		return store.Pattern{}, false, wrapTransient(err)
	}
	return row.toPattern(), true, nil
}

// UpsertPatternSuccess is an idempotent-under-concurrency conditional
// upsert: a single INSERT .. ON CONFLICT statement increments success_count
// rather than racing a read-then-write pair (spec §4.9).
func (s *Store) UpsertPatternSuccess(ctx context.Context, alertName, symptomFingerprint string, commands []string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (alertname, symptom_fingerprint, commands, success_count, failure_count,
		                       confidence_score, last_used_at, created_at)
		VALUES ($1,$2,$3,1,0,1,$4,$4)
		ON CONFLICT (alertname, symptom_fingerprint) DO UPDATE
		SET success_count = patterns.success_count + 1,
		    last_used_at  = $4,
		    commands      = EXCLUDED.commands`,
		alertName, symptomFingerprint, pq.Array(commands), at)
	return wrapTransient(err)
}

func (s *Store) RecordPatternFailure(ctx context.Context, alertName, symptomFingerprint string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patterns SET failure_count = failure_count + 1 WHERE alertname=$1 AND symptom_fingerprint=$2`,
		alertName, symptomFingerprint)
	_ = at
	return wrapTransient(err)
}

func (s *Store) RecentPatternsForAlert(ctx context.Context, alertName string, limit int) ([]store.Pattern, error) {
	var rows []patternRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT alertname, symptom_fingerprint, commands, success_count, failure_count,
		       confidence_score, last_used_at, created_at
		FROM patterns WHERE alertname=$1 ORDER BY last_used_at DESC LIMIT $2`, alertName, limit)
	if err != nil {
		return nil, wrapTransient(err)
	}
	return toPatterns(rows), nil
}

func (s *Store) RecentPatterns(ctx context.Context, limit int) ([]store.Pattern, error) {
	var rows []patternRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT alertname, symptom_fingerprint, commands, success_count, failure_count,
		       confidence_score, last_used_at, created_at
		FROM patterns ORDER BY last_used_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, wrapTransient(err)
	}
	return toPatterns(rows), nil
}

func toPatterns(rows []patternRow) []store.Pattern {
	out := make([]store.Pattern, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPattern())
	}
	return out
}

type patternRow struct {
	AlertName          string         `db:"alertname"`
	SymptomFingerprint string         `db:"symptom_fingerprint"`
	Commands           pq.StringArray `db:"commands"`
	SuccessCount       int            `db:"success_count"`
	FailureCount       int            `db:"failure_count"`
	ConfidenceScore    float64        `db:"confidence_score"`
	LastUsedAt         time.Time      `db:"last_used_at"`
	CreatedAt          time.Time      `db:"created_at"`
}

func (r patternRow) toPattern() store.Pattern {
	return store.Pattern{
		AlertName: r.AlertName, SymptomFingerprint: r.SymptomFingerprint,
		Commands: []string(r.Commands), SuccessCount: r.SuccessCount, FailureCount: r.FailureCount,
		ConfidenceScore: r.ConfidenceScore, LastUsedAt: r.LastUsedAt, CreatedAt: r.CreatedAt,
	}
}

func (s *Store) RecordFailurePattern(ctx context.Context, fp store.FailurePattern) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_patterns (alertname, pattern_signature, commands_attempted, failure_reason, failure_count, last_failed_at)
		VALUES ($1,$2,$3,$4,1,now())
		ON CONFLICT (alertname, pattern_signature) DO UPDATE
		SET failure_count = failure_patterns.failure_count + 1,
		    failure_reason = EXCLUDED.failure_reason,
		    last_failed_at = now()`,
		fp.AlertName, fp.PatternSignature, pq.Array(fp.CommandsAttempted), fp.FailureReason)
	return wrapTransient(err)
}

func (s *Store) IsKnownFailure(ctx context.Context, alertName, patternSignature string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT count(*) FROM failure_patterns WHERE alertname=$1 AND pattern_signature=$2`, alertName, patternSignature)
	if err != nil {
		return false, wrapTransient(err)
	}
	return count > 0, nil
}

func (s *Store) InsertSnapshot(ctx context.Context, snap store.StateSnapshot) error {
	if snap.SnapshotID == "" {
		snap.SnapshotID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_snapshots (snapshot_id, host, target, inspect_raw, recent_logs, captured_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		snap.SnapshotID, snap.Host, snap.Target, snap.InspectRaw, pq.Array(snap.RecentLogs), snap.CapturedAt)
	return wrapTransient(err)
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (store.StateSnapshot, bool, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `SELECT snapshot_id, host, target, inspect_raw, recent_logs, captured_at FROM state_snapshots WHERE snapshot_id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.StateSnapshot{}, false, nil
	}
	if err != nil {
		return store.StateSnapshot{}, false, wrapTransient(err)
	}
	return store.StateSnapshot{
		SnapshotID: row.SnapshotID, Host: row.Host, Target: row.Target,
		InspectRaw: row.InspectRaw, RecentLogs: []string(row.RecentLogs), CapturedAt: row.CapturedAt,
	}, true, nil
}

type snapshotRow struct {
	SnapshotID string         `db:"snapshot_id"`
	Host       string         `db:"host"`
	Target     string         `db:"target"`
	InspectRaw string         `db:"inspect_raw"`
	RecentLogs pq.StringArray `db:"recent_logs"`
	CapturedAt time.Time      `db:"captured_at"`
}

func nullableJSON(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}
