// Package orchestrator implements the Remediation Orchestrator (spec
// §4.11): the per-alert state machine that ties the Suppressor, Host
// Monitor, Persistent Store, Learning Engine, Reasoning Agent, and
// Notification Sink together into one admit → investigate → execute →
// verify pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/localops/warden/pkg/agent"
	"github.com/localops/warden/pkg/alert"
	"github.com/localops/warden/pkg/clock"
	"github.com/localops/warden/pkg/hostmonitor"
	"github.com/localops/warden/pkg/learning"
	"github.com/localops/warden/pkg/metrics"
	"github.com/localops/warden/pkg/notify"
	"github.com/localops/warden/pkg/queue"
	"github.com/localops/warden/pkg/store"
	"github.com/localops/warden/pkg/suppressor"
	"github.com/localops/warden/pkg/validator"
	"github.com/localops/warden/pkg/wardenerr"
)

// Terminal is the state the pipeline settled in for one alert delivery
// (spec §4.11's terminal states, collapsed to a single result value).
type Terminal string

const (
	TerminalDeduplicated       Terminal = "deduplicated"
	TerminalSuppressed         Terminal = "suppressed"
	TerminalSuppressedCascade  Terminal = "suppressed_by_cascade"
	TerminalHostOffline        Terminal = "host_offline"
	TerminalClearedCooldowns   Terminal = "cleared_cooldowns"
	TerminalSucceeded          Terminal = "succeeded"
	TerminalFailedEscalated    Terminal = "escalated"
	TerminalQueuedDegraded     Terminal = "queued_degraded"
)

// Config bounds admission, retry, and verification behavior (spec §3, §5;
// defaults taken from spec.md's Timeouts section and Open Questions §9).
type Config struct {
	MaxAttempts        int
	AttemptWindow      time.Duration // default 2h
	EscalationCooldown time.Duration // default 4h
	DedupCooldown      time.Duration // default 5m; no fixed default in spec, operator-tunable
	VerifyDeadline     time.Duration // default 120s
	// DiagnosticHeads is the operator-configured set of read-only command
	// heads (policy/data.yaml's diagnostic_heads), used to decide whether an
	// attempt consumed the attempt budget (store.Attempt.IsActionable).
	DiagnosticHeads map[string]bool
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptWindow <= 0 {
		c.AttemptWindow = 2 * time.Hour
	}
	if c.EscalationCooldown <= 0 {
		c.EscalationCooldown = 4 * time.Hour
	}
	if c.DedupCooldown <= 0 {
		c.DedupCooldown = 5 * time.Minute
	}
	if c.VerifyDeadline <= 0 {
		c.VerifyDeadline = 120 * time.Second
	}
	return c
}

// HostResolver maps an alert's instance/labels to the TargetHost the
// Reasoning Agent and SSH Executor will operate against.
type HostResolver interface {
	Resolve(in alert.Alert) (alert.TargetHost, error)
}

// Verifier confirms whether a remediation cleared the alert. Satisfied by
// *monitoring.Client (VerifyResolution).
type Verifier interface {
	VerifyResolution(ctx context.Context, alertName, instance string, deadline, pollInterval time.Duration) (bool, string)
}

// Orchestrator wires every collaborator named in spec §4.11.
type Orchestrator struct {
	store      store.Store
	suppressor *suppressor.Suppressor
	hosts      *hostmonitor.Monitor
	learning   *learning.Engine
	agent      *agent.Agent
	validator  agent.Validator
	verifier   Verifier
	resolver   HostResolver
	notifier   notify.Sink
	degraded   *queue.Queue
	metrics    *metrics.Metrics
	clk        clock.Clock
	log        *logrus.Logger
	cfg        Config
	exec       agent.Executor

	keyLocks   keyedMutex
	storeDown  atomic.Bool
	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc
}

// New constructs an Orchestrator. metrics may be nil to disable instrumentation.
func New(
	st store.Store,
	sup *suppressor.Suppressor,
	hosts *hostmonitor.Monitor,
	le *learning.Engine,
	ag *agent.Agent,
	v agent.Validator,
	exec agent.Executor,
	verifier Verifier,
	resolver HostResolver,
	notifier notify.Sink,
	degraded *queue.Queue,
	m *metrics.Metrics,
	clk clock.Clock,
	log *logrus.Logger,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		store:      st,
		suppressor: sup,
		hosts:      hosts,
		learning:   le,
		agent:      ag,
		validator:  v,
		exec:       exec,
		verifier:   verifier,
		resolver:   resolver,
		notifier:   notifier,
		degraded:   degraded,
		metrics:    m,
		clk:        clk,
		log:        log,
		cfg:        cfg.withDefaults(),
	}
}

const commandTimeout = 30 * time.Second

// Handle drives one alert delivery through the full state machine (spec
// §4.11). It serializes on the alert's (alertname,instance) key so no two
// concurrent deliveries for the same episode race past admission.
func (o *Orchestrator) Handle(ctx context.Context, a alert.Alert) (Terminal, error) {
	a = a.EnsureFingerprint()
	key := a.Key()

	unlock := o.keyLocks.Lock(key)
	defer unlock()

	if a.Status == alert.StatusResolved {
		return o.handleResolved(ctx, a)
	}

	ctx, cancel := context.WithCancel(ctx)
	o.registerInFlight(a.Fingerprint, cancel)
	defer o.clearInFlight(a.Fingerprint)

	admitted, err := o.admit(ctx, a)
	if err != nil {
		if wardenerr.Is(err, wardenerr.KindStorageUnavailable) {
			o.storeDown.Store(true)
			o.degraded.Enqueue(a)
			o.log.WithField("alert_fingerprint", a.Fingerprint).Warn("store unavailable, alert queued in degraded mode")
			return TerminalQueuedDegraded, nil
		}
		return "", err
	}
	o.storeDown.Store(false)
	if !admitted {
		return TerminalDeduplicated, nil
	}

	if suppressed, reason, err := o.store.IsSuppressed(ctx, o.hostNameOrEmpty(a)); err == nil && suppressed {
		o.countSuppressed("maintenance")
		o.log.WithFields(logrus.Fields{"alertname": a.AlertName, "reason": reason}).Info("alert suppressed by maintenance window")
		return TerminalSuppressed, nil
	}

	if decision := o.suppressor.Evaluate(a.AlertName, serviceFromLabels(a.Labels)); decision.Suppressed {
		o.countSuppressed(decision.Reason)
		o.log.WithFields(logrus.Fields{"alertname": a.AlertName, "reason": decision.Reason, "by": decision.SuppressedBy}).Info("alert suppressed by correlation")
		return TerminalSuppressedCascade, nil
	}

	host, err := o.resolver.Resolve(a)
	if err != nil {
		return "", fmt.Errorf("orchestrator: resolve host: %w", err)
	}
	if !host.IsLocalhost {
		if available, warn := o.hosts.IsAvailable(host.Name); !available {
			o.log.WithField("host", host.Name).Warn("host offline, skipping remediation without counting an attempt")
			return TerminalHostOffline, nil
		} else if warn {
			o.log.WithField("host", host.Name).Warn("host flaky, proceeding with remediation")
		}
	}

	if escalatedAt, found, err := o.store.GetEscalationCooldown(ctx, a.AlertName, a.Instance); err == nil && found {
		if o.clk.Now().Sub(escalatedAt) < o.cfg.EscalationCooldown {
			o.log.WithFields(logrus.Fields{"alertname": a.AlertName, "instance": a.Instance}).
				Info("already escalated within cooldown, not re-attempting")
			return TerminalFailedEscalated, nil
		}
	}

	count, err := o.store.CountActionableAttempts(ctx, a.AlertName, a.Instance, o.cfg.AttemptWindow, o.cfg.DiagnosticHeads)
	if err != nil {
		return "", fmt.Errorf("orchestrator: count attempts: %w", err)
	}
	if count >= o.cfg.MaxAttempts {
		return o.escalate(ctx, a, count, "attempt budget exhausted", nil, "")
	}

	return o.investigate(ctx, a, host, count+1)
}

// handleResolved implements the resolved-event branch: skip remediation,
// clear the escalation cooldown and any cascade marker for this key, and
// emit an informational notification (spec §4.11).
func (o *Orchestrator) handleResolved(ctx context.Context, a alert.Alert) (Terminal, error) {
	if err := o.store.ClearEscalationCooldown(ctx, a.AlertName, a.Instance); err != nil {
		o.log.WithError(err).Warn("failed to clear escalation cooldown on resolve")
	}
	o.suppressor.ClearFiring(serviceFromLabels(a.Labels))

	_ = o.notifier.Notify(ctx, notify.Notification{
		AlertName: a.AlertName,
		Instance:  a.Instance,
		Outcome:   "resolved",
		Summary:   "alert resolved upstream",
	})
	return TerminalClearedCooldowns, nil
}

// admit performs the atomic dedup check-and-set (spec §4.5, §5).
func (o *Orchestrator) admit(ctx context.Context, a alert.Alert) (bool, error) {
	admitted, _, err := o.store.Admit(ctx, a.Fingerprint, o.cfg.DedupCooldown)
	if err != nil {
		return false, err
	}
	return admitted, nil
}

// investigate runs the Learning Engine's tiered lookup, falling through to
// the Reasoning Agent when no cached/hinted commands are confident enough
// to skip straight to execution (spec §4.9, §4.11 "Investigating").
func (o *Orchestrator) investigate(ctx context.Context, a alert.Alert, host alert.TargetHost, attemptNumber int) (Terminal, error) {
	lookup, err := o.learning.Lookup(ctx, a.AlertName, a.Labels)
	if err != nil {
		o.log.WithError(err).Warn("learning engine lookup failed, continuing with full reasoning")
		lookup = learning.Lookup{Tier: learning.TierNone}
	}
	o.countLearningTier(lookup.Tier)

	var commands []string
	var rationale string
	var destructive bool

	switch lookup.Tier {
	case learning.TierCache:
		commands = lookup.Commands
		rationale = "tier 0 cache hit"
	default:
		hint := lookup.Commands // empty unless TierHint
		result, err := o.agent.Run(ctx, agent.Input{
			Host:      host,
			AlertName: a.AlertName,
			Labels:    a.Labels,
			Hint:      hint,
		})
		if err != nil {
			return o.escalate(ctx, a, attemptNumber, fmt.Sprintf("reasoning agent error: %v", err), nil, "")
		}
		if result.Proposal == nil {
			return o.escalate(ctx, a, attemptNumber, fmt.Sprintf("reasoning agent stopped: %s", result.Reason), nil, "")
		}
		commands = result.Proposal.Commands
		rationale = result.Proposal.Rationale
		destructive = result.Proposal.Destructive
	}

	return o.executeAndVerify(ctx, a, host, attemptNumber, commands, rationale, destructive, lookup)
}

// executeAndVerify independently validates every proposed command (the
// Agent's own validation during run_diagnostic does not cover
// propose_action output), executes, and verifies resolution (spec §4.11
// "Executing"/"Verifying").
func (o *Orchestrator) executeAndVerify(ctx context.Context, a alert.Alert, host alert.TargetHost, attemptNumber int, commands []string, rationale string, destructive bool, lookup learning.Lookup) (Terminal, error) {
	start := o.clk.Now()

	for _, cmd := range commands {
		decision, err := o.validator.Validate(ctx, cmd, validator.Context{Host: host.Name, AlertName: a.AlertName})
		if err != nil {
			return o.escalate(ctx, a, attemptNumber, fmt.Sprintf("validation error: %v", err), commands, rationale)
		}
		if !decision.Allow {
			return o.escalate(ctx, a, attemptNumber, fmt.Sprintf("validator denied %q: %s", cmd, decision.Reason), commands, rationale)
		}
	}

	if destructive {
		o.captureSnapshot(ctx, a, host)
	}

	exitCodes, execErr := o.runCommands(ctx, host, commands)

	verified, verifyReason := o.verifier.VerifyResolution(ctx, a.AlertName, a.Instance, o.cfg.VerifyDeadline, 5*time.Second)
	success := execErr == nil && verified

	attempt := store.Attempt{
		AlertFingerprint: a.Fingerprint,
		AlertName:        a.AlertName,
		Instance:         a.Instance,
		AttemptNumber:    attemptNumber,
		Severity:         a.Severity,
		AnalysisText:     rationale,
		CommandsExecuted: commands,
		ExitCodes:        exitCodes,
		Success:          success,
		DurationSeconds:  o.clk.Now().Sub(start).Seconds(),
		Timestamp:        start,
	}
	if execErr != nil {
		attempt.Error = execErr.Error()
	} else if !verified {
		attempt.Error = verifyReason
	}
	if err := o.store.AppendAttempt(ctx, attempt); err != nil {
		o.log.WithError(err).Warn("failed to persist attempt")
	}
	o.countAttempt(a.AlertName, success)

	if success {
		return o.learnAndNotify(ctx, a, lookup, commands)
	}
	return o.failAndRetry(ctx, a, host, attemptNumber, commands, rationale, attempt.Error, lookup)
}

// captureSnapshot takes a best-effort pre-change observation of the target
// container/service before a destructive action runs (spec §3 StateSnapshot).
// Failure to validate, execute, or persist the inspect command never blocks
// remediation; it only means the snapshot is missing for later inspection.
func (o *Orchestrator) captureSnapshot(ctx context.Context, a alert.Alert, host alert.TargetHost) {
	target := a.Labels["container"]
	if target == "" {
		target = a.Instance
	}

	command := fmt.Sprintf("docker inspect %s", target)
	decision, err := o.validator.Validate(ctx, command, validator.Context{Host: host.Name, AlertName: a.AlertName})
	if err != nil || !decision.Allow {
		return
	}
	res, err := o.exec.Execute(ctx, host, command, commandTimeout)
	if err != nil {
		return
	}

	snap := store.StateSnapshot{
		Host:       host.Name,
		Target:     target,
		InspectRaw: res.Stdout,
		CapturedAt: o.clk.Now(),
	}
	if err := o.store.InsertSnapshot(ctx, snap); err != nil {
		o.log.WithError(err).Debug("failed to persist pre-change state snapshot")
	}
}

func (o *Orchestrator) runCommands(ctx context.Context, host alert.TargetHost, commands []string) ([]int, error) {
	exitCodes := make([]int, 0, len(commands))
	for _, cmd := range commands {
		res, err := o.exec.Execute(ctx, host, cmd, commandTimeout)
		if err != nil {
			return exitCodes, err
		}
		exitCodes = append(exitCodes, res.ExitCode)
		if res.ExitCode != 0 {
			return exitCodes, fmt.Errorf("command %q exited %d", cmd, res.ExitCode)
		}
	}
	return exitCodes, nil
}

// learnAndNotify credits the Learning Engine with a verified success and
// emits the outcome notification (spec §4.11 "Succeeded").
func (o *Orchestrator) learnAndNotify(ctx context.Context, a alert.Alert, lookup learning.Lookup, commands []string) (Terminal, error) {
	fingerprint := o.learning.SymptomFingerprint(a.AlertName, a.Labels)
	if err := o.learning.RecordSuccess(ctx, a.AlertName, fingerprint, commands); err != nil {
		o.log.WithError(err).Warn("failed to record learning success")
	}

	_ = o.notifier.Notify(ctx, notify.Notification{
		AlertName: a.AlertName,
		Instance:  a.Instance,
		Outcome:   "succeeded",
		Summary:   "remediation verified",
		Commands:  commands,
	})
	return TerminalSucceeded, nil
}

// failAndRetry records a FailurePattern when the attempt used a
// pattern-proposed command set, then either starts a new attempt or
// escalates once the budget is exhausted (spec §4.11 "Failed"/"NextAttempt?").
func (o *Orchestrator) failAndRetry(ctx context.Context, a alert.Alert, host alert.TargetHost, attemptNumber int, commands []string, rationale, reason string, lookup learning.Lookup) (Terminal, error) {
	if lookup.Tier != learning.TierNone {
		fingerprint := o.learning.SymptomFingerprint(a.AlertName, a.Labels)
		if err := o.learning.RecordFailure(ctx, a.AlertName, fingerprint, commands, reason); err != nil {
			o.log.WithError(err).Warn("failed to record learning failure")
		}
	}

	if attemptNumber >= o.cfg.MaxAttempts {
		return o.escalate(ctx, a, attemptNumber, reason, commands, rationale)
	}

	return o.investigate(ctx, a, host, attemptNumber+1)
}

// escalate sets the escalation cooldown, emits a notification with the
// context an operator needs, and counts an escalation metric (spec §4.11,
// §6 "Escalation notifications include alertname, instance, attempts, last
// analysis, last commands, and last error").
func (o *Orchestrator) escalate(ctx context.Context, a alert.Alert, attempts int, reason string, commands []string, rationale string) (Terminal, error) {
	if err := o.store.SetEscalationCooldown(ctx, a.AlertName, a.Instance, o.clk.Now()); err != nil {
		o.log.WithError(err).Warn("failed to set escalation cooldown")
	}
	o.countEscalation(reason)

	summary := fmt.Sprintf("escalated after %d attempt(s): %s", attempts, reason)
	if rationale != "" {
		summary += "; last analysis: " + rationale
	}
	_ = o.notifier.Notify(ctx, notify.Notification{
		AlertName: a.AlertName,
		Instance:  a.Instance,
		Outcome:   "escalated",
		Summary:   summary,
		Commands:  commands,
	})
	return TerminalFailedEscalated, nil
}

func (o *Orchestrator) registerInFlight(fingerprint string, cancel context.CancelFunc) {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	if o.inflight == nil {
		o.inflight = make(map[string]context.CancelFunc)
	}
	o.inflight[fingerprint] = cancel
}

func (o *Orchestrator) clearInFlight(fingerprint string) {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	delete(o.inflight, fingerprint)
}

// Cancel aborts the in-flight handoff for fingerprint, if one is currently
// running (spec §7 control surface "cancel in-flight handoff"). The
// Reasoning Agent and SSH Executor both respect context cancellation, so a
// cancel takes effect at their next blocking call. Reports whether a
// matching in-flight task was found.
func (o *Orchestrator) Cancel(fingerprint string) bool {
	o.inflightMu.Lock()
	cancel, ok := o.inflight[fingerprint]
	o.inflightMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Resume drains the degraded-mode queue and re-admits every entry through
// Handle, in FIFO order (spec §4.7 "queue drain preserves order", §7
// control surface "resume after self-initiated restart"). Returns the
// number of alerts drained.
func (o *Orchestrator) Resume(ctx context.Context) int {
	entries := o.degraded.Drain()
	for _, e := range entries {
		if _, err := o.Handle(ctx, e.Alert); err != nil {
			o.log.WithError(err).Warn("failed to resume queued alert")
		}
	}
	return len(entries)
}

// Health reports the degraded/healthy state named in spec §4.7: degraded
// when the alert queue is non-empty or the store was last seen
// unreachable.
func (o *Orchestrator) Health() queue.HealthState {
	if o.storeDown.Load() || o.degraded.Health() == queue.HealthDegraded {
		return queue.HealthDegraded
	}
	return queue.HealthHealthy
}

func (o *Orchestrator) hostNameOrEmpty(a alert.Alert) string {
	if host, ok := a.Labels["host"]; ok {
		return host
	}
	return a.Instance
}

func serviceFromLabels(labels map[string]string) string {
	if s, ok := labels["service"]; ok {
		return s
	}
	return ""
}

func (o *Orchestrator) countSuppressed(reason string) {
	if o.metrics != nil {
		o.metrics.SuppressedTotal.WithLabelValues(reason).Inc()
	}
}

func (o *Orchestrator) countEscalation(reason string) {
	if o.metrics != nil {
		o.metrics.EscalatedTotal.WithLabelValues(reason).Inc()
	}
}

func (o *Orchestrator) countAttempt(alertName string, success bool) {
	if o.metrics == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	o.metrics.AttemptsTotal.WithLabelValues(alertName, outcome).Inc()
}

func (o *Orchestrator) countLearningTier(tier learning.Tier) {
	if o.metrics == nil {
		return
	}
	label := "none"
	switch tier {
	case learning.TierCache:
		label = "cache"
	case learning.TierHint:
		label = "hint"
	}
	o.metrics.LearningTierTotal.WithLabelValues(label).Inc()
}

// keyedMutex serializes all operations on a single (alertname,instance)
// key, the sole mechanism preventing double-remediation (spec §5).
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock acquires the per-key mutex for key, creating it on first use, and
// returns a func to release it.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
