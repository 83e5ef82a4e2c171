// Package validator implements the Command Validator (spec §4.1): a pure,
// synchronous function deciding whether a proposed shell command may run
// against a target host. Rules 2-5 (self-protection, hard blocklist,
// shell-composition guard, allowlist) are authored as an OPA/Rego policy
// module so the blocklist is a single, diffable, human-authored artifact
// rather than buried in Go control flow (spec §1 Non-goals, SPEC_FULL §4.1).
package validator

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"gopkg.in/yaml.v3"

	"github.com/localops/warden/pkg/wardenerr"
)

// Risk is the severity classification attached to a decision.
type Risk string

const (
	RiskNone   Risk = "none"
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// MaxCommandLength is the hard length cap from spec §4.1 rule 1. Exactly
// 4096 is allowed; 4097 is denied.
const MaxCommandLength = 4096

// Context carries the caller-side facts the policy needs: which host the
// command targets and which alert is driving it.
type Context struct {
	Host      string
	AlertName string
}

// Decision is the validator's deterministic output.
type Decision struct {
	Allow  bool
	Risk   Risk
	Reason string
}

// PolicyData is the operator-authored table the Rego module evaluates
// against (policy/data.yaml). Kept as a typed Go struct so it can be loaded,
// hot-reloaded, and unit-tested independent of OPA.
type PolicyData struct {
	SelfIdentities    []string         `yaml:"self_identities"`
	BlocklistPatterns []BlocklistEntry `yaml:"blocklist_patterns"`
	SafePipes         []SafePipe       `yaml:"safe_pipes"`
	Allowlist         []AllowlistEntry `yaml:"allowlist"`
	// DiagnosticHeads lists command heads that are always read-only
	// regardless of flags (spec §3 Attempt invariant, §9 "the exact set of
	// diagnostic command heads ... should be promoted to configuration").
	// A head that can also mutate (e.g. "docker", "systemctl") must not
	// appear here even though some of its subcommands are read-only.
	DiagnosticHeads []string `yaml:"diagnostic_heads"`
}

// DiagnosticHeadSet returns DiagnosticHeads as a lookup set, for
// store.Attempt.IsActionable.
func (d PolicyData) DiagnosticHeadSet() map[string]bool {
	set := make(map[string]bool, len(d.DiagnosticHeads))
	for _, h := range d.DiagnosticHeads {
		set[h] = true
	}
	return set
}

type BlocklistEntry struct {
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

type SafePipe struct {
	Left  string `yaml:"left"`
	Right string `yaml:"right"`
}

type AllowlistEntry struct {
	Head  string   `yaml:"head"`
	Flags []string `yaml:"flags"`
}

// LoadPolicyData reads and parses a data.yaml file.
func LoadPolicyData(path string) (PolicyData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PolicyData{}, fmt.Errorf("read policy data %s: %w", path, err)
	}
	var data PolicyData
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return PolicyData{}, fmt.Errorf("parse policy data %s: %w", path, err)
	}
	return data, nil
}

// Validator evaluates the compiled Rego decision document for each command.
// It is stateless and side-effect-free after construction, which is what
// makes it safe for property-based testing (spec §4.1).
type Validator struct {
	query rego.PreparedEvalQuery
	data  map[string]any
}

// New compiles the policy module in regoSource against data and returns a
// ready-to-use Validator. regoSource is normally the contents of
// policy/validator.rego; data is normally LoadPolicyData's output, converted
// to a generic map for Rego's input binding.
func New(ctx context.Context, regoSource string, data PolicyData) (*Validator, error) {
	dataMap, err := toMap(data)
	if err != nil {
		return nil, fmt.Errorf("marshal policy data: %w", err)
	}

	r := rego.New(
		rego.Query("data.warden.validator.decision"),
		rego.Module("validator.rego", regoSource),
		rego.Store(inmemStore(dataMap)),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile validator policy: %w", err)
	}
	return &Validator{query: pq, data: dataMap}, nil
}

// Validate applies the rules of spec §4.1 in order; the first match wins.
func (v *Validator) Validate(ctx context.Context, command string, vctx Context) (Decision, error) {
	// Rule 1: length cap. Cheapest check, runs before touching the policy.
	if len(command) > MaxCommandLength {
		return Decision{Allow: false, Risk: RiskHigh, Reason: "command exceeds maximum length"}, nil
	}

	input := map[string]any{
		"command":   command,
		"host":      vctx.Host,
		"alertname": vctx.AlertName,
	}

	rs, err := v.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, wardenerr.New(wardenerr.KindValidation, vctx.AlertName, fmt.Errorf("policy evaluation: %w", err))
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		// No decision document matched anything, including the default —
		// this should not happen given the policy's `default decision`, but
		// fail closed if it ever does.
		return Decision{Allow: false, Risk: RiskMedium, Reason: "not on allowlist"}, nil
	}

	decision, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, wardenerr.New(wardenerr.KindValidation, vctx.AlertName, fmt.Errorf("malformed policy decision: %T", rs[0].Expressions[0].Value))
	}
	return decisionFromMap(decision), nil
}

func decisionFromMap(m map[string]any) Decision {
	d := Decision{Risk: RiskMedium, Reason: "not on allowlist"}
	if allow, ok := m["allow"].(bool); ok {
		d.Allow = allow
	}
	if risk, ok := m["risk"].(string); ok {
		d.Risk = Risk(risk)
	}
	if reason, ok := m["reason"].(string); ok {
		d.Reason = reason
	}
	return d
}

func toMap(data PolicyData) (map[string]any, error) {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
