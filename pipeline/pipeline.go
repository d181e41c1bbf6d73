// Package pipeline runs the fixed forensic tool sequences executed before
// the AI deep-dive. Each artifact kind and depth maps to an ordered call
// plan; a failing step aborts the remainder and the partial evidence is
// handed to the orchestrator, which proceeds in strict mode.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/r2bridge/console/history"
	"github.com/r2bridge/console/observability"
	"github.com/r2bridge/console/orchestrator"
	"github.com/r2bridge/console/schema"
	"github.com/r2bridge/console/session"
)

// Kind is the artifact type under analysis.
type Kind string

const (
	KindAPK Kind = "apk"
	KindDEX Kind = "dex"
	KindSO  Kind = "so"
)

// Depth selects how much static analysis the fixed plan performs.
type Depth string

const (
	DepthFast Depth = "fast"
	DepthDeep Depth = "deep"
)

// ParseDepth maps a CLI flag value to a Depth, defaulting to deep.
func ParseDepth(s string) Depth {
	if strings.EqualFold(strings.TrimSpace(s), string(DepthFast)) {
		return DepthFast
	}
	return DepthDeep
}

// StepOutcome is the result of one fixed call.
type StepOutcome struct {
	Tool    string
	Summary string
	Err     error
}

// Report is the pipeline's handoff to the orchestrator: the executed
// steps, whether the plan aborted early, and the strict-mode question
// carrying the collected evidence.
type Report struct {
	Steps    []StepOutcome
	Aborted  bool
	Question string
}

// Event types emitted per fixed call.
const (
	EventStepStart observability.EventType = "pipeline.step.start"
	EventStepDone  observability.EventType = "pipeline.step.done"
	EventAborted   observability.EventType = "pipeline.aborted"
)

// evidenceCap bounds how much of one step's output goes into the handoff
// question.
const evidenceCap = 1600

// Pipeline executes fixed call plans against the bridge.
type Pipeline struct {
	tools    orchestrator.Dispatcher
	catalog  *schema.Catalog
	sessions *session.Registry
	observer observability.Observer
}

// New creates a Pipeline sharing the orchestrator's dispatcher, catalog,
// and session registry. A nil observer disables event emission.
func New(tools orchestrator.Dispatcher, catalog *schema.Catalog, sessions *session.Registry, observer observability.Observer) *Pipeline {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	return &Pipeline{tools: tools, catalog: catalog, sessions: sessions, observer: observer}
}

// Run executes the fixed plan for (kind, depth) against the artifact at
// path and returns the handoff report. Step failures abort the remaining
// plan but never fail Run itself; the orchestrator deep-dive decides what
// to do with partial evidence.
func (p *Pipeline) Run(ctx context.Context, kind Kind, depth Depth, path string) *Report {
	report := &Report{}
	var evidence []string

	for _, step := range plan(kind, depth, path) {
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			break
		}

		p.observer.OnEvent(ctx, observability.Event{
			Type:      EventStepStart,
			Level:     observability.LevelVerbose,
			Timestamp: time.Now(),
			Source:    "pipeline",
			Data:      map[string]any{"tool": step.tool, "label": step.label},
		})

		outcome := p.execute(ctx, step)
		report.Steps = append(report.Steps, outcome)

		p.observer.OnEvent(ctx, observability.Event{
			Type:      EventStepDone,
			Level:     observability.LevelVerbose,
			Timestamp: time.Now(),
			Source:    "pipeline",
			Data: map[string]any{
				"tool": step.tool,
				"ok":   outcome.Err == nil,
			},
		})

		if outcome.Err != nil {
			report.Aborted = true
			p.observer.OnEvent(ctx, observability.Event{
				Type:      EventAborted,
				Level:     observability.LevelWarning,
				Timestamp: time.Now(),
				Source:    "pipeline",
				Data: map[string]any{
					"tool":  step.tool,
					"error": outcome.Err.Error(),
				},
			})
			break
		}
		evidence = append(evidence, fmt.Sprintf("[%s] %s\n%s", step.tool, step.label, outcome.Summary))
	}

	report.Question = handoffQuestion(kind, path, evidence, report.Aborted, p.sessions.Active())
	return report
}

func (p *Pipeline) execute(ctx context.Context, step planStep) StepOutcome {
	outcome := StepOutcome{Tool: step.tool}

	args, err := p.catalog.Validate(step.tool, step.args, p.sessions.Active())
	if err != nil {
		outcome.Err = err
		return outcome
	}

	payload, err := p.tools.CallTool(ctx, step.tool, args)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	p.sessions.Harvest(payload)

	blob, err := json.Marshal(payload)
	if err != nil {
		blob = []byte("{}")
	}
	outcome.Summary = history.CompactText(string(blob), evidenceCap)
	return outcome
}

func handoffQuestion(kind Kind, path string, evidence []string, aborted bool, activeSession string) string {
	var b strings.Builder

	switch kind {
	case KindAPK:
		fmt.Fprintf(&b, "Continue the deep analysis of the APK at %s.\n", path)
		b.WriteString("Goal: locate verification, anti-debug, and packer logic.\n")
	case KindDEX:
		fmt.Fprintf(&b, "Continue the deep analysis of the DEX at %s.\n", path)
		b.WriteString("Goal: locate key classes, key strings, and validation entry points.\n")
	case KindSO:
		fmt.Fprintf(&b, "Continue the deep analysis of the native library at %s.\n", path)
		b.WriteString("Goal: focus on imports/exports, JNI surface, anti-debug, and crypto checks.\n")
	}

	if activeSession != "" {
		fmt.Fprintf(&b, "An analysis session is already open (%s); continue from it.\n", activeSession)
	}
	if aborted {
		b.WriteString("The fixed evidence collection was interrupted; re-collect what is missing with tool calls.\n")
	}
	if len(evidence) > 0 {
		b.WriteString("\nEvidence collected so far:\n")
		for _, e := range evidence {
			b.WriteString(e)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nFinish with the final Markdown report: ## Key Findings / ## Evidence / ## Next Steps.")
	return b.String()
}
