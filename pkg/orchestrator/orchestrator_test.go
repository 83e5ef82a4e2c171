package orchestrator_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"

	"github.com/localops/warden/pkg/agent"
	"github.com/localops/warden/pkg/alert"
	"github.com/localops/warden/pkg/clock"
	"github.com/localops/warden/pkg/hostmonitor"
	"github.com/localops/warden/pkg/learning"
	"github.com/localops/warden/pkg/llm"
	"github.com/localops/warden/pkg/notify"
	"github.com/localops/warden/pkg/orchestrator"
	"github.com/localops/warden/pkg/queue"
	"github.com/localops/warden/pkg/sshexec"
	"github.com/localops/warden/pkg/store"
	"github.com/localops/warden/pkg/suppressor"
	"github.com/localops/warden/pkg/validator"
	"github.com/localops/warden/pkg/wardenerr"
)

func TestOrchestrator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "orchestrator")
}

// memStore is a minimal in-memory store.Store double for orchestrator tests.
type memStore struct {
	admitted    map[string]time.Time
	cooldowns   map[string]time.Time
	maintenance bool
	patterns    map[string]store.Pattern
	failures    map[string]bool
	attempts    []store.Attempt
	failAdmit   bool
}

func newMemStore() *memStore {
	return &memStore{
		admitted:  make(map[string]time.Time),
		cooldowns: make(map[string]time.Time),
		patterns:  make(map[string]store.Pattern),
		failures:  make(map[string]bool),
	}
}

func (m *memStore) Admit(ctx context.Context, fingerprint string, cooldown time.Duration) (bool, time.Time, error) {
	if m.failAdmit {
		return false, time.Time{}, wardenerr.New(wardenerr.KindStorageUnavailable, fingerprint, storageUnavailable{})
	}
	if prior, ok := m.admitted[fingerprint]; ok {
		return false, prior, nil
	}
	m.admitted[fingerprint] = time.Now()
	return true, time.Time{}, nil
}

type storageUnavailable struct{}

func (storageUnavailable) Error() string { return "storage unavailable" }

func (m *memStore) AppendAttempt(ctx context.Context, a store.Attempt) error {
	m.attempts = append(m.attempts, a)
	return nil
}
func (m *memStore) CountActionableAttempts(ctx context.Context, alertName, instance string, window time.Duration, diagnosticHeads map[string]bool) (int, error) {
	n := 0
	for _, a := range m.attempts {
		if a.AlertName == alertName && a.Instance == instance {
			n++
		}
	}
	return n, nil
}
func (m *memStore) RecentAttempts(ctx context.Context, limit int) ([]store.Attempt, error) {
	return m.attempts, nil
}
func (m *memStore) SetEscalationCooldown(ctx context.Context, alertName, instance string, at time.Time) error {
	m.cooldowns[alertName+"|"+instance] = at
	return nil
}
func (m *memStore) GetEscalationCooldown(ctx context.Context, alertName, instance string) (time.Time, bool, error) {
	t, ok := m.cooldowns[alertName+"|"+instance]
	return t, ok, nil
}
func (m *memStore) ClearEscalationCooldown(ctx context.Context, alertName, instance string) error {
	delete(m.cooldowns, alertName+"|"+instance)
	return nil
}
func (m *memStore) StartMaintenance(ctx context.Context, w store.MaintenanceWindow) error { return nil }
func (m *memStore) EndMaintenance(ctx context.Context, id string, endedAt time.Time) error { return nil }
func (m *memStore) ListActive(ctx context.Context) ([]store.MaintenanceWindow, error)      { return nil, nil }
func (m *memStore) IsSuppressed(ctx context.Context, host string) (bool, string, error) {
	if m.maintenance {
		return true, "maintenance window", nil
	}
	return false, "", nil
}
func (m *memStore) GetPattern(ctx context.Context, alertName, fp string) (store.Pattern, bool, error) {
	p, ok := m.patterns[alertName+"|"+fp]
	return p, ok, nil
}
func (m *memStore) UpsertPatternSuccess(ctx context.Context, alertName, fp string, commands []string, at time.Time) error {
	key := alertName + "|" + fp
	p := m.patterns[key]
	p.AlertName, p.SymptomFingerprint, p.Commands = alertName, fp, commands
	p.SuccessCount++
	p.LastUsedAt = at
	m.patterns[key] = p
	return nil
}
func (m *memStore) RecordPatternFailure(ctx context.Context, alertName, fp string, at time.Time) error {
	key := alertName + "|" + fp
	p := m.patterns[key]
	p.FailureCount++
	m.patterns[key] = p
	return nil
}
func (m *memStore) RecentPatternsForAlert(ctx context.Context, alertName string, limit int) ([]store.Pattern, error) {
	var out []store.Pattern
	for _, p := range m.patterns {
		if p.AlertName == alertName {
			out = append(out, p)
		}
	}
	return out, nil
}
func (m *memStore) RecentPatterns(ctx context.Context, limit int) ([]store.Pattern, error) { return nil, nil }
func (m *memStore) RecordFailurePattern(ctx context.Context, fp store.FailurePattern) error {
	m.failures[fp.AlertName+"|"+fp.PatternSignature] = true
	return nil
}
func (m *memStore) IsKnownFailure(ctx context.Context, alertName, sig string) (bool, error) {
	return m.failures[alertName+"|"+sig], nil
}
func (m *memStore) InsertSnapshot(ctx context.Context, s store.StateSnapshot) error { return nil }
func (m *memStore) GetSnapshot(ctx context.Context, id string) (store.StateSnapshot, bool, error) {
	return store.StateSnapshot{}, false, nil
}

// fakeVerifier always reports the scripted outcome.
type fakeVerifier struct {
	ok     bool
	reason string
}

func (f fakeVerifier) VerifyResolution(ctx context.Context, alertName, instance string, deadline, poll time.Duration) (bool, string) {
	return f.ok, f.reason
}

type passResolver struct{ host alert.TargetHost }

func (p passResolver) Resolve(a alert.Alert) (alert.TargetHost, error) { return p.host, nil }

type allowValidator struct{}

func (allowValidator) Validate(ctx context.Context, command string, vctx validator.Context) (validator.Decision, error) {
	return validator.Decision{Allow: true, Risk: validator.RiskLow}, nil
}

type denyValidator struct{}

func (denyValidator) Validate(ctx context.Context, command string, vctx validator.Context) (validator.Decision, error) {
	return validator.Decision{Allow: false, Risk: validator.RiskHigh, Reason: "blocked"}, nil
}

type scriptedExecutor struct {
	result sshexec.Result
	err    error
}

func (s scriptedExecutor) Execute(ctx context.Context, host alert.TargetHost, command string, timeout time.Duration) (sshexec.Result, error) {
	return s.result, s.err
}

type recordingNotifier struct{ notes []notify.Notification }

func (r *recordingNotifier) Notify(ctx context.Context, n notify.Notification) error {
	r.notes = append(r.notes, n)
	return nil
}

func toolCall(id, name string, args map[string]any) llms.ToolCall {
	raw, _ := json.Marshal(args)
	return llms.ToolCall{ID: id, Type: "function", FunctionCall: &llms.FunctionCall{Name: name, Arguments: string(raw)}}
}

// proposingProvider scripts exactly the two turns needed for the Reasoning
// Agent to accept a mutating proposal: raise confidence, then propose.
type proposingProvider struct {
	commands []string
	calls    int
}

func (p *proposingProvider) Complete(ctx context.Context, messages []llms.MessageContent, tools []llms.Tool) (llm.Response, error) {
	p.calls++
	switch p.calls {
	case 1:
		return llm.Response{ToolCalls: []llms.ToolCall{toolCall("1", "update_confidence", map[string]any{"new_value": 0.9, "rationale": "investigated"})}}, nil
	case 2:
		return llm.Response{ToolCalls: []llms.ToolCall{toolCall("2", "propose_action", map[string]any{
			"host": "nexus", "commands": toAnySlice(p.commands), "rationale": "investigated",
		})}}, nil
	default:
		return llm.Response{}, nil
	}
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func newTestAgent(v agent.Validator, exec agent.Executor, commands []string) *agent.Agent {
	provider := &proposingProvider{commands: commands}
	return agent.New(provider, v, exec, nil, nil, clock.NewFrozen(time.Now()), logrus.New(), agent.Config{})
}

var _ = Describe("Orchestrator", func() {
	var (
		st       *memStore
		clk      *clock.Frozen
		notifier *recordingNotifier
		host     alert.TargetHost
		log      *logrus.Logger
	)

	BeforeEach(func() {
		st = newMemStore()
		clk = clock.NewFrozen(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		notifier = &recordingNotifier{}
		host = alert.TargetHost{Name: "nexus", IsLocalhost: true}
		log = logrus.New()
		log.SetOutput(GinkgoWriter)
	})

	buildOrchestrator := func(v agent.Validator, exec agent.Executor, verified bool) *orchestrator.Orchestrator {
		sup := suppressor.New(suppressor.Config{}, clk)
		hosts := hostmonitor.New(log, clk, nil)
		le := learning.New(st, clk, nil)
		ag := newTestAgent(v, exec, []string{"docker restart nginx"})
		return orchestrator.New(
			st, sup, hosts, le, ag, v, exec,
			fakeVerifier{ok: verified, reason: "resolved"},
			passResolver{host: host},
			notifier,
			queue.New(log, clk),
			nil,
			clk, log,
			orchestrator.Config{},
		)
	}

	It("deduplicates a second delivery of the same fingerprint within the cooldown window", func() {
		orch := buildOrchestrator(allowValidator{}, scriptedExecutor{result: sshexec.Result{ExitCode: 0}}, true)
		a := alert.Alert{AlertName: "DiskFull", Instance: "nexus:9100", Fingerprint: "fp-1", Status: alert.StatusFiring, StartsAt: clk.Now()}

		// First delivery is admitted and runs to completion; only the second
		// delivery's terminal matters for this test.
		_, _ = orch.Handle(context.Background(), a)

		term, err := orch.Handle(context.Background(), a)
		Expect(err).NotTo(HaveOccurred())
		Expect(term).To(Equal(orchestrator.TerminalDeduplicated))
	})

	It("suppresses an alert covered by an active maintenance window", func() {
		st.maintenance = true
		orch := buildOrchestrator(allowValidator{}, scriptedExecutor{}, true)
		a := alert.Alert{AlertName: "DiskFull", Instance: "nexus:9100", Fingerprint: "fp-2", Status: alert.StatusFiring, StartsAt: clk.Now()}

		term, err := orch.Handle(context.Background(), a)
		Expect(err).NotTo(HaveOccurred())
		Expect(term).To(Equal(orchestrator.TerminalSuppressed))
	})

	It("queues to the degraded-mode queue when the store is unavailable", func() {
		st.failAdmit = true
		q := queue.New(log, clk)
		sup := suppressor.New(suppressor.Config{}, clk)
		hosts := hostmonitor.New(log, clk, nil)
		le := learning.New(st, clk, nil)
		ag := newTestAgent(allowValidator{}, scriptedExecutor{}, []string{"docker restart nginx"})
		orch := orchestrator.New(st, sup, hosts, le, ag, allowValidator{}, scriptedExecutor{},
			fakeVerifier{ok: true}, passResolver{host: host}, notifier, q, nil, clk, log, orchestrator.Config{})

		a := alert.Alert{AlertName: "DiskFull", Instance: "nexus:9100", Fingerprint: "fp-3", Status: alert.StatusFiring, StartsAt: clk.Now()}
		term, err := orch.Handle(context.Background(), a)
		Expect(err).NotTo(HaveOccurred())
		Expect(term).To(Equal(orchestrator.TerminalQueuedDegraded))
		Expect(q.Len()).To(Equal(1))
	})

	It("clears the escalation cooldown and notifies on a resolved event without remediating", func() {
		orch := buildOrchestrator(allowValidator{}, scriptedExecutor{}, true)
		_ = st.SetEscalationCooldown(context.Background(), "DiskFull", "nexus:9100", clk.Now())

		a := alert.Alert{AlertName: "DiskFull", Instance: "nexus:9100", Fingerprint: "fp-4", Status: alert.StatusResolved, StartsAt: clk.Now()}
		term, err := orch.Handle(context.Background(), a)
		Expect(err).NotTo(HaveOccurred())
		Expect(term).To(Equal(orchestrator.TerminalClearedCooldowns))

		_, found, _ := st.GetEscalationCooldown(context.Background(), "DiskFull", "nexus:9100")
		Expect(found).To(BeFalse())
		Expect(notifier.notes).To(HaveLen(1))
		Expect(notifier.notes[0].Outcome).To(Equal("resolved"))
	})

	It("skips a host reported offline without counting an attempt", func() {
		remoteHost := alert.TargetHost{Name: "nexus", IsLocalhost: false}
		hosts := hostmonitor.New(log, clk, nil)
		hosts.ReportOutcome("nexus", false)
		hosts.ReportOutcome("nexus", false)
		hosts.ReportOutcome("nexus", false)

		sup := suppressor.New(suppressor.Config{}, clk)
		le := learning.New(st, clk, nil)
		ag := newTestAgent(allowValidator{}, scriptedExecutor{}, []string{"docker restart nginx"})
		orch := orchestrator.New(st, sup, hosts, le, ag, allowValidator{}, scriptedExecutor{},
			fakeVerifier{ok: true}, passResolver{host: remoteHost}, notifier, queue.New(log, clk), nil, clk, log, orchestrator.Config{})

		a := alert.Alert{AlertName: "DiskFull", Instance: "nexus:9100", Fingerprint: "fp-5", Status: alert.StatusFiring, StartsAt: clk.Now()}
		term, err := orch.Handle(context.Background(), a)
		Expect(err).NotTo(HaveOccurred())
		Expect(term).To(Equal(orchestrator.TerminalHostOffline))

		count, _ := st.CountActionableAttempts(context.Background(), "DiskFull", "nexus:9100", time.Hour, nil)
		Expect(count).To(Equal(0))
	})

	It("escalates when the validator denies every command the agent would propose via a cached pattern", func() {
		fp := "DiskFull"
		st.patterns["DiskFull|"+fp] = store.Pattern{
			AlertName: "DiskFull", SymptomFingerprint: fp,
			Commands: []string{"rm -rf /var/log/old"}, SuccessCount: 10, LastUsedAt: clk.Now(),
		}
		orch := buildOrchestrator(denyValidator{}, scriptedExecutor{}, true)

		a := alert.Alert{AlertName: "DiskFull", Instance: "nexus:9100", Fingerprint: "fp-6", Status: alert.StatusFiring, StartsAt: clk.Now()}
		term, err := orch.Handle(context.Background(), a)
		Expect(err).NotTo(HaveOccurred())
		Expect(term).To(Equal(orchestrator.TerminalFailedEscalated))

		_, found, _ := st.GetEscalationCooldown(context.Background(), "DiskFull", "nexus:9100")
		Expect(found).To(BeTrue())
		Expect(notifier.notes).To(HaveLen(1))
		Expect(notifier.notes[0].Outcome).To(Equal("escalated"))
	})

	It("reports degraded health once an alert is queued, and resumes it through Handle", func() {
		st.failAdmit = true
		q := queue.New(log, clk)
		sup := suppressor.New(suppressor.Config{}, clk)
		hosts := hostmonitor.New(log, clk, nil)
		le := learning.New(st, clk, nil)
		ag := newTestAgent(allowValidator{}, scriptedExecutor{result: sshexec.Result{ExitCode: 0}}, []string{"docker restart nginx"})
		orch := orchestrator.New(st, sup, hosts, le, ag, allowValidator{}, scriptedExecutor{result: sshexec.Result{ExitCode: 0}},
			fakeVerifier{ok: true}, passResolver{host: host}, notifier, q, nil, clk, log, orchestrator.Config{})

		a := alert.Alert{AlertName: "DiskFull", Instance: "nexus:9100", Fingerprint: "fp-7", Status: alert.StatusFiring, StartsAt: clk.Now()}
		_, err := orch.Handle(context.Background(), a)
		Expect(err).NotTo(HaveOccurred())
		Expect(orch.Health()).To(Equal(queue.HealthDegraded))

		st.failAdmit = false
		n := orch.Resume(context.Background())
		Expect(n).To(Equal(1))
		Expect(q.Len()).To(Equal(0))
	})

	It("reports no in-flight handoff for an unknown fingerprint", func() {
		orch := buildOrchestrator(allowValidator{}, scriptedExecutor{}, true)
		Expect(orch.Cancel("no-such-fingerprint")).To(BeFalse())
	})
})
