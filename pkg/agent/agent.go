// Package agent implements the Reasoning Agent (spec §4.10): a bounded
// tool-calling loop that drives an llm.Provider through investigation and
// ends either with a proposed remediation or a typed non-outcome (deadline,
// step budget, or a malformed model turn). The agent never executes a
// mutating command itself — propose_action hands the decision to the
// Remediation Orchestrator, which independently re-validates and executes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"

	"github.com/localops/warden/pkg/alert"
	"github.com/localops/warden/pkg/clock"
	"github.com/localops/warden/pkg/llm"
	"github.com/localops/warden/pkg/logs"
	"github.com/localops/warden/pkg/monitoring"
	"github.com/localops/warden/pkg/sshexec"
	"github.com/localops/warden/pkg/validator"
	"github.com/localops/warden/pkg/wardenerr"
)

const (
	defaultMaxSteps       = 8
	defaultMaxDurationS   = 60
	mutatingConfidence    = 0.70
	destructiveConfidence = 0.90
	diagnosticTimeout     = 15 * time.Second
)

// destructiveVerbs flags a proposed command sequence as destructive rather
// than merely mutating, gating it behind the higher confidence bar (spec
// §4.10). Overlaps the self-protection verb set in policy/validator.rego
// (restart and down are left out; shutdown and reboot are added): these are the verbs that stop a process or discard data, as opposed to
// ordinary restarts or config pokes.
var destructiveVerbs = []string{"rm ", "delete", "drop", "truncate", "kill", "shutdown", "reboot", " stop"}

// Executor is the narrow SSH execution contract the agent needs to run
// diagnostics. Satisfied by *sshexec.Executor.
type Executor interface {
	Execute(ctx context.Context, host alert.TargetHost, command string, timeout time.Duration) (sshexec.Result, error)
}

// Validator is the narrow command-validation contract. Satisfied by
// *validator.Validator.
type Validator interface {
	Validate(ctx context.Context, command string, vctx validator.Context) (validator.Decision, error)
}

// MetricClient is the narrow monitoring-query contract. Satisfied by
// *monitoring.Client.
type MetricClient interface {
	QueryInstant(ctx context.Context, expr string) ([]monitoring.Series, error)
	QueryRange(ctx context.Context, expr string, start, end time.Time, step time.Duration) ([]monitoring.Series, error)
}

// LogClient is the narrow log-query contract. Satisfied by *logs.Client.
type LogClient interface {
	Query(ctx context.Context, expr string, start, end time.Time, limit int) ([]logs.Line, error)
}

// Proposal is the terminal, accepted output of a run: a command sequence
// the model wants executed, pending the Orchestrator's own validation pass.
type Proposal struct {
	Host       alert.TargetHost
	Commands   []string
	Rationale  string
	Confidence float64
	Destructive bool
}

// Reason explains why a run ended without a Proposal.
type Reason string

const (
	ReasonDeadline Reason = "deadline"
	ReasonMaxSteps Reason = "max_steps"
)

// Result is the outcome of one Run.
type Result struct {
	Proposal *Proposal
	Reason   Reason // set only when Proposal is nil
	Steps    int
}

// Input describes one investigation task.
type Input struct {
	Host      alert.TargetHost
	AlertName string
	Labels    map[string]string
	// Hint carries Tier 1 learning candidates, if any (spec §4.9). The
	// model may accept, modify, or discard them.
	Hint []string
}

// Config bounds one Run (spec §4.10: max_steps default 8, max_duration_s
// default 60).
type Config struct {
	MaxSteps    int
	MaxDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = defaultMaxSteps
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = defaultMaxDurationS * time.Second
	}
	return c
}

// Agent wires an llm.Provider to the diagnostic collaborators and enforces
// the confidence-gated tool-calling loop.
type Agent struct {
	provider  llm.Provider
	validator Validator
	exec      Executor
	metrics   MetricClient
	logs      LogClient
	clk       clock.Clock
	log       *logrus.Logger
	cfg       Config
}

// New constructs an Agent. cfg's zero value resolves to spec defaults.
func New(provider llm.Provider, v Validator, exec Executor, metrics MetricClient, logClient LogClient, clk clock.Clock, log *logrus.Logger, cfg Config) *Agent {
	return &Agent{
		provider:  provider,
		validator: v,
		exec:      exec,
		metrics:   metrics,
		logs:      logClient,
		clk:       clk,
		log:       log,
		cfg:       cfg.withDefaults(),
	}
}

// state carries the running confidence estimate and the accepted proposal,
// if any, across the loop's steps. It is not shared across Run calls.
type state struct {
	confidence float64
	proposal   *Proposal
}

// Run drives the loop until the model emits an accepted propose_action, the
// step budget or deadline is exhausted, or the model produces a turn with
// neither a tool call nor usable terminal content.
func (a *Agent) Run(ctx context.Context, in Input) (Result, error) {
	deadline := a.clk.Now().Add(a.cfg.MaxDuration)
	messages := a.buildTranscript(in)
	tools := toolDefinitions()
	st := &state{}

	for step := 1; step <= a.cfg.MaxSteps; step++ {
		if a.clk.Now().After(deadline) {
			return Result{Reason: ReasonDeadline, Steps: step - 1}, nil
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		resp, err := a.provider.Complete(ctx, messages, tools)
		if err != nil {
			return Result{}, fmt.Errorf("agent: model turn at step %d: %w", step, err)
		}

		if len(resp.ToolCalls) == 0 {
			a.log.WithFields(logrus.Fields{"alertname": in.AlertName, "step": step}).
				Warn("reasoning agent turn produced no tool call")
			return Result{}, fmt.Errorf("agent: step %d: %w", step, llm.ErrNoToolCall)
		}

		messages = append(messages, assistantTurn(resp))

		for _, tc := range resp.ToolCalls {
			result := a.dispatch(ctx, in, st, tc)
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: tc.ID,
					Name:       tc.FunctionCall.Name,
					Content:    result,
				}},
			})
		}

		if st.proposal != nil {
			return Result{Proposal: st.proposal, Steps: step}, nil
		}
	}

	return Result{Reason: ReasonMaxSteps, Steps: a.cfg.MaxSteps}, nil
}

func assistantTurn(resp llm.Response) llms.MessageContent {
	parts := make([]llms.ContentPart, 0, len(resp.ToolCalls)+1)
	if resp.Content != "" {
		parts = append(parts, llms.TextContent{Text: resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		parts = append(parts, tc)
	}
	return llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts}
}

func (a *Agent) buildTranscript(in Input) []llms.MessageContent {
	var sys strings.Builder
	sys.WriteString("You are Warden's remediation investigator. ")
	sys.WriteString("Use the read-only tools to gather evidence before proposing a fix. ")
	sys.WriteString("Never interpolate alert label values into a command string yourself; ")
	sys.WriteString("call propose_action with the exact commands you want run and a rationale, ")
	sys.WriteString("and the platform will validate and execute them independently. ")
	sys.WriteString("Call update_confidence whenever your evidence materially changes your certainty.")

	var user strings.Builder
	fmt.Fprintf(&user, "Alert %q fired on host %q.\n", in.AlertName, in.Host.Name)
	if len(in.Labels) > 0 {
		user.WriteString("Labels:\n")
		for k, v := range in.Labels {
			fmt.Fprintf(&user, "  %s=%s\n", k, v)
		}
	}
	if len(in.Hint) > 0 {
		user.WriteString("A similar past incident was resolved with:\n")
		for _, c := range in.Hint {
			fmt.Fprintf(&user, "  %s\n", c)
		}
		user.WriteString("You may accept, modify, or discard this hint.\n")
	}

	return []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextContent{Text: sys.String()}}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextContent{Text: user.String()}}},
	}
}

// dispatch routes one tool call by name — the tagged variant is the tool
// call's Name field, and this switch is the dispatcher. An unrecognized
// name is a typed protocol error surfaced back to the model as tool output,
// not a panic or a silently-ignored call.
func (a *Agent) dispatch(ctx context.Context, in Input, st *state, tc llms.ToolCall) string {
	if tc.FunctionCall == nil {
		return "error: tool call missing function payload"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &args); err != nil {
		return fmt.Sprintf("error: malformed arguments: %v", err)
	}

	switch tc.FunctionCall.Name {
	case "run_diagnostic":
		return a.runDiagnostic(ctx, in, args)
	case "gather_logs":
		return a.gatherLogs(ctx, in, args)
	case "query_metric":
		return a.queryMetric(ctx, args)
	case "query_logs":
		return a.queryLogs(ctx, args)
	case "check_service_status":
		return a.checkServiceStatus(ctx, in, args)
	case "propose_action":
		return a.proposeAction(ctx, in, st, args)
	case "update_confidence":
		return a.updateConfidence(st, args)
	default:
		return fmt.Sprintf("error: unknown tool %q", tc.FunctionCall.Name)
	}
}

func (a *Agent) runDiagnostic(ctx context.Context, in Input, args map[string]any) string {
	command, _ := args["command"].(string)
	decision, err := a.validator.Validate(ctx, command, validator.Context{Host: in.Host.Name, AlertName: in.AlertName})
	if err != nil {
		return fmt.Sprintf("error: validation: %v", err)
	}
	if !decision.Allow {
		return fmt.Sprintf("denied: %s (risk=%s)", decision.Reason, decision.Risk)
	}

	res, err := a.exec.Execute(ctx, in.Host, command, diagnosticTimeout)
	if err != nil {
		if wardenerr.Is(err, wardenerr.KindRemoteUnavailable) {
			return fmt.Sprintf("error: host unreachable: %v", err)
		}
		return fmt.Sprintf("error: %v", err)
	}
	return formatExecResult(res)
}

func (a *Agent) gatherLogs(ctx context.Context, in Input, args map[string]any) string {
	serviceType, _ := args["service_type"].(string)
	serviceName, _ := args["service_name"].(string)
	lines := intArg(args, "lines", 100)

	command, err := logTailCommand(serviceType, serviceName, lines)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return a.runDiagnostic(ctx, in, map[string]any{"command": command})
}

func (a *Agent) checkServiceStatus(ctx context.Context, in Input, args map[string]any) string {
	serviceType, _ := args["service_type"].(string)
	serviceName, _ := args["service_name"].(string)

	command, err := statusCommand(serviceType, serviceName)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return a.runDiagnostic(ctx, in, map[string]any{"command": command})
}

func (a *Agent) queryMetric(ctx context.Context, args map[string]any) string {
	expr, _ := args["expr"].(string)
	rangeSecs := intArg(args, "range", 0)
	if rangeSecs <= 0 {
		series, err := a.metrics.QueryInstant(ctx, expr)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return formatSeries(series)
	}
	end := a.clk.Now()
	start := end.Add(-time.Duration(rangeSecs) * time.Second)
	series, err := a.metrics.QueryRange(ctx, expr, start, end, 30*time.Second)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return formatSeries(series)
}

func (a *Agent) queryLogs(ctx context.Context, args map[string]any) string {
	expr, _ := args["expr"].(string)
	minutes := intArg(args, "minutes", 15)
	limit := intArg(args, "limit", 100)

	end := a.clk.Now()
	start := end.Add(-time.Duration(minutes) * time.Minute)
	lines, err := a.logs.Query(ctx, expr, start, end, limit)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "[%s] %s\n", l.Timestamp.Format(time.RFC3339), l.Message)
	}
	if b.Len() == 0 {
		return "no matching log lines"
	}
	return b.String()
}

// proposeAction is the only path by which the loop can terminate with a
// remediation. Confidence gating happens here, before the proposal is
// accepted: a command sequence classified destructive needs
// destructiveConfidence, anything else needs mutatingConfidence. A rejected
// proposal is returned to the model as tool output so it can gather more
// evidence or raise its confidence instead of the run failing outright.
func (a *Agent) proposeAction(ctx context.Context, in Input, st *state, args map[string]any) string {
	commandsRaw, _ := args["commands"].([]any)
	commands := make([]string, 0, len(commandsRaw))
	for _, c := range commandsRaw {
		if s, ok := c.(string); ok {
			commands = append(commands, s)
		}
	}
	rationale, _ := args["rationale"].(string)

	if len(commands) == 0 {
		return "error: propose_action requires at least one command"
	}

	destructive := isDestructive(commands)
	required := mutatingConfidence
	if destructive {
		required = destructiveConfidence
	}
	if st.confidence < required {
		return fmt.Sprintf("rejected: confidence %.2f below required %.2f for a %s action; gather more evidence or call update_confidence",
			st.confidence, required, destructiveLabel(destructive))
	}

	st.proposal = &Proposal{
		Host:        in.Host,
		Commands:    commands,
		Rationale:   rationale,
		Confidence:  st.confidence,
		Destructive: destructive,
	}
	return "accepted: proposal recorded, orchestrator will validate and execute"
}

func (a *Agent) updateConfidence(st *state, args map[string]any) string {
	newValue, ok := args["new_value"].(float64)
	if !ok {
		return "error: update_confidence requires a numeric new_value"
	}
	if newValue < 0 {
		newValue = 0
	}
	if newValue > 1 {
		newValue = 1
	}
	st.confidence = newValue
	return fmt.Sprintf("confidence updated to %.2f", newValue)
}

func isDestructive(commands []string) bool {
	for _, c := range commands {
		lower := strings.ToLower(c)
		for _, verb := range destructiveVerbs {
			if strings.Contains(lower, verb) {
				return true
			}
		}
	}
	return false
}

func destructiveLabel(destructive bool) string {
	if destructive {
		return "destructive"
	}
	return "mutating"
}

func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key].(float64)
	if !ok {
		return def
	}
	return int(v)
}

func formatExecResult(res sshexec.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit_code=%d\n", res.ExitCode)
	if res.Stdout != "" {
		fmt.Fprintf(&b, "stdout:\n%s\n", res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", res.Stderr)
	}
	return b.String()
}

func formatSeries(series []monitoring.Series) string {
	if len(series) == 0 {
		return "no matching series"
	}
	var b strings.Builder
	for _, s := range series {
		fmt.Fprintf(&b, "%v:\n", s.Labels)
		for _, sample := range s.Samples {
			fmt.Fprintf(&b, "  %s = %g\n", sample.Timestamp.Format(time.RFC3339), sample.Value)
		}
	}
	return b.String()
}

// logTailCommand and statusCommand translate the agent's service-kind
// abstraction into the actual shell command the Validator and Executor see.
// Only the two service kinds Warden targets (systemd units and Docker
// containers) are supported; anything else is a typed error rather than a
// best-effort guess at an unsupported CLI.
func logTailCommand(serviceType, serviceName string, lines int) (string, error) {
	switch serviceType {
	case "systemd":
		return fmt.Sprintf("journalctl -u %s -n %d --no-pager", serviceName, lines), nil
	case "docker":
		return fmt.Sprintf("docker logs --tail %d %s", lines, serviceName), nil
	default:
		return "", fmt.Errorf("unsupported service_type %q", serviceType)
	}
}

func statusCommand(serviceType, serviceName string) (string, error) {
	switch serviceType {
	case "systemd":
		return fmt.Sprintf("systemctl status %s --no-pager", serviceName), nil
	case "docker":
		return fmt.Sprintf("docker inspect --format {{.State.Status}} %s", serviceName), nil
	default:
		return "", fmt.Errorf("unsupported service_type %q", serviceType)
	}
}

func toolDefinitions() []llms.Tool {
	return []llms.Tool{
		llm.ToolDefinition("run_diagnostic", "Executes a read-only diagnostic command on the target host; never counts as a remediation attempt.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"host":    map[string]any{"type": "string"},
				"command": map[string]any{"type": "string"},
			},
			"required": []string{"host", "command"},
		}),
		llm.ToolDefinition("gather_logs", "Returns the tail of logs from a systemd unit or Docker container.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"host":         map[string]any{"type": "string"},
				"service_type": map[string]any{"type": "string", "enum": []string{"systemd", "docker"}},
				"service_name": map[string]any{"type": "string"},
				"lines":        map[string]any{"type": "integer"},
			},
			"required": []string{"host", "service_type", "service_name"},
		}),
		llm.ToolDefinition("query_metric", "Runs an instant or range query against the monitoring system.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expr":  map[string]any{"type": "string"},
				"range": map[string]any{"type": "integer", "description": "lookback window in seconds; omit for an instant query"},
			},
			"required": []string{"expr"},
		}),
		llm.ToolDefinition("query_logs", "Searches the log aggregator for lines matching expr.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expr":    map[string]any{"type": "string"},
				"minutes": map[string]any{"type": "integer"},
				"limit":   map[string]any{"type": "integer"},
			},
			"required": []string{"expr"},
		}),
		llm.ToolDefinition("check_service_status", "Returns the running/exit state of a systemd unit or Docker container.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"host":         map[string]any{"type": "string"},
				"service_type": map[string]any{"type": "string", "enum": []string{"systemd", "docker"}},
				"service_name": map[string]any{"type": "string"},
			},
			"required": []string{"host", "service_type", "service_name"},
		}),
		llm.ToolDefinition("propose_action", "Proposes a command sequence for the orchestrator to independently validate and execute. Do not run mutating commands yourself.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"host":      map[string]any{"type": "string"},
				"commands":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"rationale": map[string]any{"type": "string"},
			},
			"required": []string{"host", "commands", "rationale"},
		}),
		llm.ToolDefinition("update_confidence", "Adjusts the agent's running confidence estimate, which gates whether propose_action may be accepted.", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"new_value": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				"rationale": map[string]any{"type": "string"},
			},
			"required": []string{"new_value", "rationale"},
		}),
	}
}
