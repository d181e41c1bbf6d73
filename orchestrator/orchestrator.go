// Package orchestrator drives the AI/tool-call loop. Given an operator
// question and a gating mode, it alternates backend completions with
// validated, policy-gated bridge tool calls until the mode's completion
// gate accepts a final answer or the run fails.
//
//	o := orchestrator.New(backend, dispatcher, catalog, conv)
//	result, err := o.Run(ctx, "what does this apk talk to?", orchestrator.ModeStrict)
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r2bridge/console/ai"
	"github.com/r2bridge/console/bridge"
	"github.com/r2bridge/console/core/protocol"
	"github.com/r2bridge/console/history"
	"github.com/r2bridge/console/observability"
	"github.com/r2bridge/console/policy"
	"github.com/r2bridge/console/schema"
	"github.com/r2bridge/console/session"
)

// State is the orchestrator's run state.
type State string

const (
	StateAwaitingModel  State = "AWAITING_MODEL"
	StateExecutingTools State = "EXECUTING_TOOLS"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

var (
	// ErrMaxTurns is returned when the loop exhausts its turn budget
	// without an accepted final answer.
	ErrMaxTurns = errors.New("max turns reached without a final answer")
	// ErrGateUnsatisfied is returned when the strict completion gate
	// stays unmet after the corrective re-prompt budget.
	ErrGateUnsatisfied = errors.New("strict completion gate unsatisfied after retries")
	// ErrToolFailures is returned when consecutive non-recoverable tool
	// failures hit the cutoff.
	ErrToolFailures = errors.New("consecutive tool failures, run stopped")
)

// Dispatcher executes one validated tool call against the bridge.
type Dispatcher interface {
	CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// Confirmer resolves a needs-confirmation policy verdict with the
// operator. Returning false blocks the call.
type Confirmer interface {
	Confirm(ctx context.Context, tool, command, rule string) bool
}

// denyAll is the default confirmer: with nobody to ask, block.
type denyAll struct{}

func (denyAll) Confirm(context.Context, string, string, string) bool { return false }

// Config bounds one orchestration run.
type Config struct {
	// GateRetries is the corrective re-prompt budget for the strict gate.
	// Zero disables the re-prompt; negative falls back to the default.
	GateRetries int
	// MaxTurns caps backend rounds per run.
	MaxTurns int
	// MaxFailures is the consecutive non-recoverable tool failure cutoff.
	MaxFailures int
}

// DefaultConfig returns the standard run bounds.
func DefaultConfig() Config {
	return Config{GateRetries: 1, MaxTurns: 24, MaxFailures: 4}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GateRetries < 0 {
		c.GateRetries = d.GateRetries
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = d.MaxTurns
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	return c
}

// Result holds the outcome of one run.
type Result struct {
	Text      string
	State     State
	TraceID   string
	Turns     int
	ToolCalls int
}

// Option configures an Orchestrator after construction.
type Option func(*Orchestrator)

// WithPolicy installs the dangerous-command policy.
func WithPolicy(p *policy.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithSessions overrides the session registry.
func WithSessions(r *session.Registry) Option {
	return func(o *Orchestrator) { o.sessions = r }
}

// WithConfirmer installs the operator confirmation hook.
func WithConfirmer(c Confirmer) Option {
	return func(o *Orchestrator) { o.confirm = c }
}

// WithObserver overrides the default no-op observer.
func WithObserver(obs observability.Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithConfig overrides the run bounds.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg.withDefaults() }
}

// Orchestrator is the tool-call state machine for one conversation.
type Orchestrator struct {
	backend  ai.Client
	tools    Dispatcher
	catalog  *schema.Catalog
	conv     *history.Conversation
	policy   *policy.Policy
	sessions *session.Registry
	confirm  Confirmer
	observer observability.Observer
	cfg      Config

	lastTraceID string
}

// New creates an Orchestrator over the shared catalog and conversation.
// Without options it uses a fresh session registry, no dangerous-command
// policy, a deny-all confirmer, and default bounds.
func New(backend ai.Client, tools Dispatcher, catalog *schema.Catalog, conv *history.Conversation, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:  backend,
		tools:    tools,
		catalog:  catalog,
		conv:     conv,
		sessions: session.NewRegistry(),
		confirm:  denyAll{},
		observer: observability.NoOpObserver{},
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sessions returns the registry the orchestrator harvests into.
func (o *Orchestrator) Sessions() *session.Registry { return o.sessions }

// LastTraceID returns the trace id of the most recent run.
func (o *Orchestrator) LastTraceID() string { return o.lastTraceID }

// Run appends the question to the conversation and drives the loop under
// the given mode.
func (o *Orchestrator) Run(ctx context.Context, question string, mode Mode) (*Result, error) {
	o.conv.Append(protocol.NewMessage(protocol.RoleUser, question))
	return o.loop(ctx, mode)
}

// continuePrompt resumes an interrupted analysis.
const continuePrompt = "Continue the previous analysis from where it stopped. " +
	"Issue the next tool calls, or produce the final Markdown report."

// Continue re-enters the loop on the existing trimmed context. Strict
// mode is forced so an unfinished, ungated answer cannot slip through on
// resume.
func (o *Orchestrator) Continue(ctx context.Context, instruction string) (*Result, error) {
	if instruction == "" {
		instruction = continuePrompt
	}
	o.conv.Append(protocol.NewMessage(protocol.RoleUser, instruction))
	return o.loop(ctx, ModeStrict)
}

func (o *Orchestrator) loop(ctx context.Context, mode Mode) (*Result, error) {
	o.conv.SetSystem(systemPrompt(mode, o.catalog))

	traceID := uuid.NewString()
	o.lastTraceID = traceID
	result := &Result{TraceID: traceID, State: StateAwaitingModel}

	gateRetries := 0
	var failures []string

	o.emit(ctx, traceID, EventRunStart, observability.LevelInfo, map[string]any{
		"mode":  string(mode),
		"tools": o.catalog.Len(),
	})

	for turn := 1; turn <= o.cfg.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, result, err)
		}
		result.Turns = turn

		o.emit(ctx, traceID, EventTurnStart, observability.LevelVerbose, map[string]any{
			"turn": turn,
		})

		completion, err := o.backend.Complete(ctx, o.conv.Messages(), o.catalog.Tools())
		if err != nil {
			return o.fail(ctx, result, fmt.Errorf("backend call failed: %w", err))
		}

		if len(completion.ToolCalls) == 0 {
			if !gateSatisfied(mode, result.ToolCalls, completion.Text) {
				if gateRetries < o.cfg.GateRetries {
					gateRetries++
					o.emit(ctx, traceID, EventGateRetry, observability.LevelWarning, map[string]any{
						"turn":  turn,
						"retry": gateRetries,
					})
					o.conv.Append(protocol.Message{Role: protocol.RoleAssistant, Content: completion.Text})
					o.conv.Append(protocol.NewMessage(protocol.RoleUser, gatePrompt))
					continue
				}
				return o.fail(ctx, result, ErrGateUnsatisfied)
			}

			o.conv.Append(protocol.Message{Role: protocol.RoleAssistant, Content: completion.Text})
			result.Text = completion.Text
			result.State = StateDone
			o.emit(ctx, traceID, EventResponse, observability.LevelInfo, map[string]any{
				"turn":            turn,
				"response_length": len(result.Text),
			})
			return result, nil
		}

		result.State = StateExecutingTools
		o.conv.Append(protocol.Message{
			Role:      protocol.RoleAssistant,
			Content:   completion.Text,
			ToolCalls: completion.ToolCalls,
		})

		for _, tc := range completion.ToolCalls {
			outcome, fatal := o.executeOne(ctx, traceID, tc)
			if fatal != nil {
				return o.fail(ctx, result, fatal)
			}
			if outcome.succeeded {
				result.ToolCalls++
				failures = nil
			} else if !outcome.recoverable {
				failures = append(failures, outcome.errText)
				if len(failures) >= o.cfg.MaxFailures {
					return o.fail(ctx, result, fmt.Errorf("%w: %v", ErrToolFailures, failures))
				}
			}
		}
		result.State = StateAwaitingModel
	}

	return o.fail(ctx, result, ErrMaxTurns)
}

type callOutcome struct {
	succeeded   bool
	recoverable bool
	errText     string
}

// executeOne validates, policy-gates, and dispatches one tool call, then
// appends its result to the conversation. Every failure short of a
// transport error becomes a synthetic tool result the model can correct;
// a transport error is returned as fatal.
func (o *Orchestrator) executeOne(ctx context.Context, traceID string, tc protocol.ToolCall) (callOutcome, error) {
	o.emit(ctx, traceID, EventToolCall, observability.LevelVerbose, map[string]any{
		"name": tc.Name,
	})

	args := map[string]any{}
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return o.syntheticResult(ctx, traceID, tc, args,
				fmt.Sprintf("arguments are not a JSON object: %v", err), true), nil
		}
	}

	validated, err := o.catalog.Validate(tc.Name, args, o.sessions.Active())
	if err != nil {
		return o.syntheticResult(ctx, traceID, tc, args,
			fmt.Sprintf("argument validation failed: %v", err), true), nil
	}

	if o.policy != nil {
		if command := policy.CommandText(validated); command != "" {
			decision := o.policy.Classify(command)
			blocked := decision.Verdict == policy.VerdictDeny
			if decision.Verdict == policy.VerdictConfirm {
				blocked = !o.confirm.Confirm(ctx, tc.Name, command, decision.MatchedRule)
			}
			if blocked {
				o.emit(ctx, traceID, EventPolicyBlock, observability.LevelWarning, map[string]any{
					"name": tc.Name,
					"rule": decision.MatchedRule,
				})
				return o.syntheticResult(ctx, traceID, tc, validated,
					fmt.Sprintf("dangerous command blocked (%s): %s", decision.MatchedRule, command), true), nil
			}
		}
	}

	payload, err := o.tools.CallTool(ctx, tc.Name, validated)
	if err != nil {
		var transport *bridge.TransportError
		if errors.As(err, &transport) {
			// Surface the error to the history before failing so the
			// context stays replayable on a later continue.
			o.appendToolError(tc, validated, err.Error())
			return callOutcome{}, err
		}
		return o.syntheticResult(ctx, traceID, tc, validated, err.Error(), false), nil
	}

	if errText := bridge.ErrorText(payload); errText != "" {
		recoverable := payload["recoverable"] == true
		o.appendToolError(tc, validated, errText)
		o.emit(ctx, traceID, EventToolComplete, observability.LevelWarning, map[string]any{
			"name":  tc.Name,
			"ok":    false,
			"error": truncate(errText, 220),
		})
		return callOutcome{recoverable: recoverable, errText: fmt.Sprintf("%s: %s", tc.Name, truncate(errText, 160))}, nil
	}

	o.sessions.Harvest(payload)

	content, err := json.Marshal(payload)
	if err != nil {
		content = []byte(fmt.Sprintf(`{"error":"unencodable tool result: %v"}`, err))
	}
	o.conv.AppendToolResult(tc.ID, string(content))

	o.emit(ctx, traceID, EventToolComplete, observability.LevelVerbose, map[string]any{
		"name": tc.Name,
		"ok":   true,
	})
	return callOutcome{succeeded: true}, nil
}

// syntheticResult records a locally generated failure as a tool result so
// the model can self-correct on the next round.
func (o *Orchestrator) syntheticResult(ctx context.Context, traceID string, tc protocol.ToolCall, args map[string]any, errText string, recoverable bool) callOutcome {
	o.appendToolError(tc, args, errText)
	o.emit(ctx, traceID, EventToolComplete, observability.LevelWarning, map[string]any{
		"name":  tc.Name,
		"ok":    false,
		"error": truncate(errText, 220),
	})
	return callOutcome{recoverable: recoverable, errText: fmt.Sprintf("%s: %s", tc.Name, truncate(errText, 160))}
}

func (o *Orchestrator) appendToolError(tc protocol.ToolCall, args map[string]any, errText string) {
	content, err := json.Marshal(map[string]any{
		"error":     errText,
		"tool_name": tc.Name,
		"arguments": args,
	})
	if err != nil {
		content = []byte(fmt.Sprintf(`{"error":%q}`, errText))
	}
	o.conv.AppendToolResult(tc.ID, string(content))
}

func (o *Orchestrator) fail(ctx context.Context, result *Result, err error) (*Result, error) {
	result.State = StateFailed
	o.emit(ctx, result.TraceID, EventRunFailed, observability.LevelError, map[string]any{
		"turn":  result.Turns,
		"error": truncate(err.Error(), 400),
	})
	return result, err
}

func (o *Orchestrator) emit(ctx context.Context, traceID string, typ observability.EventType, level observability.Level, data map[string]any) {
	o.observer.OnEvent(ctx, observability.Event{
		Type:      typ,
		Level:     level,
		Timestamp: time.Now(),
		TraceID:   traceID,
		Source:    "orchestrator",
		Data:      data,
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
