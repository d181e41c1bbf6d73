package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/r2bridge/console/ai"
	"github.com/r2bridge/console/bridge"
	"github.com/r2bridge/console/config"
	"github.com/r2bridge/console/history"
	"github.com/r2bridge/console/knowledge"
	"github.com/r2bridge/console/observability"
	"github.com/r2bridge/console/orchestrator"
	"github.com/r2bridge/console/pipeline"
	"github.com/r2bridge/console/policy"
	"github.com/r2bridge/console/render"
	"github.com/r2bridge/console/schema"
	"github.com/r2bridge/console/session"
	"github.com/r2bridge/console/trace"
)

// app bundles the long-lived console state shared by all commands.
type app struct {
	cfgPath string
	cfg     config.Config

	out      render.Renderer
	in       *bufio.Reader
	observer observability.Observer
	tracer   *trace.Tracer

	bridge   *bridge.Client
	backend  ai.Client
	pol      *policy.Policy
	catalog  *schema.Catalog
	sessions *session.Registry
	conv     *history.Conversation
	orch     *orchestrator.Orchestrator
	pipe     *pipeline.Pipeline
	kb       *knowledge.Store
}

// newApp wires every subsystem from the loaded configuration.
func newApp(cfgPath string, cfg config.Config, out render.Renderer, in io.Reader, logger *slog.Logger, kb *knowledge.Store) *app {
	a := &app{
		cfgPath:  cfgPath,
		cfg:      cfg,
		out:      out,
		in:       bufio.NewReader(in),
		catalog:  schema.NewCatalog(),
		sessions: session.NewRegistry(),
		conv:     history.NewConversation(cfg.Budget()),
		kb:       kb,
	}

	a.tracer = trace.NewTracer(cfg.DebugEnabled, cfg.DebugLogPath, cfg.DebugMaxBytes)
	a.observer = observability.NewMultiObserver(
		observability.NewSlogObserver(logger),
		a.tracer,
	)

	a.bridge = bridge.NewClient(cfg.BridgeURL, cfg.BridgeTimeout(), a.observer)
	a.backend = ai.NewHTTPClient(
		strings.TrimRight(cfg.AIBaseURL, "/")+"/chat/completions",
		cfg.AIModel, cfg.AIAPIKey, cfg.AITimeout(),
	)
	a.rebuildOrchestrator()
	return a
}

// applyConfig pushes the current configuration into every subsystem that
// caches derived state: clients are rebuilt, the tracer and history budget
// are updated in place, and the orchestrator is rewired on top.
func (a *app) applyConfig() {
	a.tracer.SetEnabled(a.cfg.DebugEnabled)
	a.tracer.SetPath(a.cfg.DebugLogPath)
	a.tracer.SetMaxBytes(a.cfg.DebugMaxBytes)
	a.conv.SetBudget(a.cfg.Budget())

	a.bridge = bridge.NewClient(a.cfg.BridgeURL, a.cfg.BridgeTimeout(), a.observer)
	a.backend = ai.NewHTTPClient(
		strings.TrimRight(a.cfg.AIBaseURL, "/")+"/chat/completions",
		a.cfg.AIModel, a.cfg.AIAPIKey, a.cfg.AITimeout(),
	)
	a.rebuildOrchestrator()
}

// rebuildOrchestrator recreates the orchestrator and pipeline over the
// current clients, policy, and shared state. Called at startup and after
// config or client reloads.
func (a *app) rebuildOrchestrator() {
	pol := policy.New(
		policy.ParseMode(a.cfg.DangerousPolicy),
		a.cfg.DangerousAllowRegex,
		a.cfg.DangerousExtraDenyRegex,
	)
	if err := pol.Err(); err != nil {
		a.out.Warn("policy override regex ignored: %v", err)
	}
	a.pol = pol

	a.orch = orchestrator.New(a.backend, a.bridge, a.catalog, a.conv,
		orchestrator.WithPolicy(pol),
		orchestrator.WithSessions(a.sessions),
		orchestrator.WithConfirmer(a),
		orchestrator.WithObserver(a.observer),
	)
	a.pipe = pipeline.New(a.bridge, a.catalog, a.sessions, a.observer)
}

// Confirm implements orchestrator.Confirmer by asking the operator on the
// console. Anything but an explicit "y" declines.
func (a *app) Confirm(_ context.Context, tool, command, rule string) bool {
	a.out.Warn("dangerous command detected (%s) via %s: %s", rule, tool, command)
	fmt.Print("Execute anyway? (y/N): ")
	line, err := a.in.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "y")
}

// allowCommand applies the dangerous-command policy to a direct tool
// call. force skips classification entirely; args have already passed
// schema validation.
func (a *app) allowCommand(ctx context.Context, tool string, args map[string]any, force bool) bool {
	if force || a.pol == nil {
		return true
	}
	command := policy.CommandText(args)
	if command == "" {
		return true
	}

	decision := a.pol.Classify(command)
	switch decision.Verdict {
	case policy.VerdictDeny:
		a.out.Error("dangerous command blocked (%s): %s", decision.MatchedRule, command)
		a.out.Info("override with: call %s --force <json-args>", tool)
		return false
	case policy.VerdictConfirm:
		return a.Confirm(ctx, tool, command, decision.MatchedRule)
	}
	return true
}

// loadTools refreshes the catalog from the bridge's tools/list.
func (a *app) loadTools(ctx context.Context) error {
	tools, err := a.bridge.ListTools(ctx)
	if err != nil {
		return err
	}
	a.catalog.Load(tools)
	a.out.Info("loaded %d tools from the bridge", a.catalog.Len())
	return nil
}

// runQuestion drives one orchestration run and renders the outcome. The
// final report of a successful strict run is stored in the knowledge base.
func (a *app) runQuestion(ctx context.Context, question string, mode orchestrator.Mode) {
	if !a.catalog.Loaded() {
		a.out.Warn("tool catalog is empty; run bridge_reload first (ai is disabled, call still works)")
		return
	}

	question = a.withKnowledgeHints(question)

	result, err := a.orch.Run(ctx, question, mode)
	a.renderRun(result, err)

	if err == nil && mode == orchestrator.ModeStrict && a.kb != nil {
		if kbErr := a.kb.Append(knowledge.NewItem(question, result.Text)); kbErr != nil {
			a.out.Warn("knowledge base not updated: %v", kbErr)
		}
	}
}

func (a *app) withKnowledgeHints(question string) string {
	if a.kb == nil {
		return question
	}
	block, _ := knowledge.BuildContext(question, a.kb.Items(), 3, 1400)
	if block == "" {
		return question
	}
	return block + "\n\n" + question
}

func (a *app) renderRun(result *orchestrator.Result, err error) {
	if err != nil {
		a.out.Error("run %s failed after %d turns: %v", result.TraceID, result.Turns, err)
		return
	}
	a.out.Markdown(result.Text)
	a.out.Info("run %s done: %d turns, %d tool calls", result.TraceID, result.Turns, result.ToolCalls)
}

// statusSnapshot is the status summary used by the status command and
// trace export bundles.
func (a *app) statusSnapshot() map[string]any {
	return map[string]any{
		"bridge_url":     a.bridge.BaseURL(),
		"ai_model":       a.cfg.AIModel,
		"tools":          a.catalog.Len(),
		"known_sessions": a.sessions.Known(),
		"active_session": a.sessions.Active(),
		"history_len":    a.conv.Len(),
		"history_chars":  a.conv.Chars(),
		"debug_enabled":  a.tracer.Enabled(),
		"debug_path":     a.tracer.Path(),
		"kb_items":       a.kbLen(),
		"last_trace_id":  a.orch.LastTraceID(),
	}
}

func (a *app) kbLen() int {
	if a.kb == nil {
		return 0
	}
	return a.kb.Len()
}
