package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/r2bridge/console/bridge"
	"github.com/r2bridge/console/config"
	"github.com/r2bridge/console/orchestrator"
	"github.com/r2bridge/console/pipeline"
)

// errExit signals a clean REPL shutdown.
var errExit = fmt.Errorf("exit requested")

type handler func(ctx context.Context, a *app, args string) error

type command struct {
	name  string
	usage string
	help  string
	fn    handler
}

var commands []command

// Populated in init so handlers can reference the commands slice for help
// output without an initialization cycle.
func init() {
	commands = []command{
		{"help", "help", "show this command list", cmdHelp},
		{"health", "health", "check bridge availability", cmdHealth},
		{"list", "list", "refresh the tool catalog from the bridge", cmdList},
		{"tools", "tools", "show the loaded tool schemas", cmdTools},
		{"call", "call <tool> [--force] [json-args]", "invoke one tool directly", cmdCall},
		{"ai", "ai [--strict|--loose|--plain|--tools] <question>", "run the AI tool-call loop", cmdAI},
		{"ai_continue", "ai_continue [instruction]", "resume the last analysis (strict)", cmdAIContinue},
		{"ai_reset", "ai_reset", "clear the conversation history", cmdAIReset},
		{"ai_reload", "ai_reload [keep|reset]", "rebuild the AI client from config", cmdAIReload},
		{"bridge_reload", "bridge_reload", "reconnect the bridge and refresh tools", cmdBridgeReload},
		{"session", "session list|use <id>|close [id|active|all]", "manage remote sessions", cmdSession},
		{"debug", "debug on|off|path|max_bytes|tail|trace|export", "control the debug trace", cmdDebug},
		{"config", "config keys|show|set <key> <value>|save", "inspect or change configuration", cmdConfig},
		{"status", "status", "show runtime status", cmdStatus},
		{"self_check", "self_check", "verify bridge, catalog, and AI wiring", cmdSelfCheck},
		{"apk_analyze", "apk_analyze [--fast|--deep] <path>", "fixed APK forensics, then AI deep-dive", cmdAPKAnalyze},
		{"dex_analyze", "dex_analyze [--fast|--deep] <path>", "fixed DEX forensics, then AI deep-dive", cmdDEXAnalyze},
		{"so_analyze", "so_analyze [--fast|--deep] <path>", "fixed native-lib forensics, then AI deep-dive", cmdSOAnalyze},
		{"exit", "exit", "save state and quit", cmdExit},
	}
}

// dispatch routes one input line to its command. Unknown names are
// reported, not fatal.
func dispatch(ctx context.Context, a *app, line string) error {
	name, args := splitCommand(line)
	if name == "" {
		return nil
	}
	if name == "quit" {
		name = "exit"
	}

	for _, c := range commands {
		if c.name == name {
			return c.fn(ctx, a, args)
		}
	}
	a.out.Warn("unknown command %q; try help", name)
	return nil
}

func splitCommand(line string) (name, args string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+1:])
	}
	return line, ""
}

// parseModeFlag strips a leading gating-mode flag from the argument rest.
// A bare question runs loose; strict must be asked for.
func parseModeFlag(args string) (orchestrator.Mode, string) {
	for _, flag := range []string{"--strict", "--loose", "--plain"} {
		if args == flag {
			return orchestrator.ParseMode(flag[2:]), ""
		}
		if strings.HasPrefix(args, flag+" ") {
			return orchestrator.ParseMode(flag[2:]), strings.TrimSpace(args[len(flag):])
		}
	}
	return orchestrator.ModeLoose, args
}

// parseForceFlag strips a leading --force token from a direct call's
// argument rest. Force bypasses the dangerous-command policy only, never
// schema validation.
func parseForceFlag(args string) (bool, string) {
	if args == "--force" {
		return true, ""
	}
	if strings.HasPrefix(args, "--force ") {
		return true, strings.TrimSpace(args[len("--force"):])
	}
	return false, args
}

// parseDepthFlag strips a leading depth flag from the argument rest.
func parseDepthFlag(args string) (pipeline.Depth, string) {
	for _, flag := range []string{"--fast", "--deep"} {
		if strings.HasPrefix(args, flag+" ") {
			return pipeline.ParseDepth(flag[2:]), strings.TrimSpace(args[len(flag):])
		}
	}
	return pipeline.DepthDeep, args
}

func cmdHelp(_ context.Context, a *app, _ string) error {
	for _, c := range commands {
		a.out.Info("%-52s %s", c.usage, c.help)
	}
	return nil
}

func cmdHealth(ctx context.Context, a *app, _ string) error {
	text, err := a.bridge.Health(ctx)
	if err != nil {
		a.out.Error("health check failed: %v", err)
		return nil
	}
	a.out.Info("bridge: %s", text)
	return nil
}

func cmdList(ctx context.Context, a *app, _ string) error {
	if err := a.loadTools(ctx); err != nil {
		a.out.Error("tools/list failed: %v", err)
	}
	return nil
}

func cmdTools(_ context.Context, a *app, _ string) error {
	names := a.catalog.Names()
	if len(names) == 0 {
		a.out.Warn("no tool schemas loaded; run list or bridge_reload")
		return nil
	}
	for i, name := range names {
		spec, _ := a.catalog.Spec(name)
		var optional []string
		for prop := range spec.Properties {
			required := false
			for _, r := range spec.Required {
				if r == prop {
					required = true
					break
				}
			}
			if !required {
				optional = append(optional, prop)
			}
		}
		sort.Strings(optional)
		a.out.Info("%02d. %s", i+1, name)
		a.out.Info("    required: %s", orDash(strings.Join(spec.Required, ", ")))
		a.out.Info("    optional: %s", orDash(strings.Join(optional, ", ")))
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func cmdCall(ctx context.Context, a *app, args string) error {
	toolName, rest := splitCommand(args)
	if toolName == "" {
		a.out.Warn("usage: call <tool> [--force] [json-args]")
		return nil
	}
	force, rest := parseForceFlag(rest)

	callArgs := map[string]any{}
	if rest != "" {
		if err := json.Unmarshal([]byte(rest), &callArgs); err != nil {
			a.out.Error("arguments are not a JSON object: %v", err)
			return nil
		}
	}

	validated, err := a.catalog.Validate(toolName, callArgs, a.sessions.Active())
	if err != nil {
		a.out.Error("validation failed: %v", err)
		return nil
	}

	if !a.allowCommand(ctx, toolName, validated, force) {
		return nil
	}

	payload, err := a.bridge.CallTool(ctx, toolName, validated)
	if err != nil {
		a.out.Error("call failed: %v", err)
		return nil
	}
	a.sessions.Harvest(payload)

	if errText := bridge.ErrorText(payload); errText != "" {
		a.out.Error("tool error: %s", errText)
		return nil
	}
	a.out.Markdown(bridge.ContentText(payload))
	return nil
}

func cmdAI(ctx context.Context, a *app, args string) error {
	if args == "--tools" || strings.HasPrefix(args, "--tools ") {
		return cmdTools(ctx, a, "")
	}
	mode, question := parseModeFlag(args)
	if question == "" {
		a.out.Warn("usage: ai [--strict|--loose|--plain|--tools] <question>")
		return nil
	}
	a.runQuestion(ctx, question, mode)
	return nil
}

func cmdAIContinue(ctx context.Context, a *app, args string) error {
	if a.conv.Len() == 0 {
		a.out.Warn("nothing to continue; history is empty")
		return nil
	}
	result, err := a.orch.Continue(ctx, args)
	a.renderRun(result, err)
	return nil
}

func cmdAIReset(_ context.Context, a *app, _ string) error {
	a.conv.Clear()
	a.out.Info("conversation history cleared")
	return nil
}

func cmdAIReload(ctx context.Context, a *app, args string) error {
	cfg, problems, err := config.Load(a.cfgPath)
	if err != nil {
		a.out.Error("config reload failed: %v", err)
		return nil
	}
	for _, p := range problems {
		a.out.Warn("config: %s", p)
	}

	a.cfg = cfg
	a.applyConfig()
	if strings.TrimSpace(args) == "reset" {
		a.conv.Clear()
		a.out.Info("ai reloaded, history reset")
	} else {
		a.out.Info("ai reloaded, history kept")
	}

	if !a.catalog.Loaded() {
		if err := a.loadTools(ctx); err != nil {
			a.out.Warn("tool catalog still empty: %v", err)
		}
	}
	return nil
}

func cmdBridgeReload(ctx context.Context, a *app, _ string) error {
	cfg, problems, err := config.Load(a.cfgPath)
	if err != nil {
		a.out.Error("config reload failed: %v", err)
		return nil
	}
	for _, p := range problems {
		a.out.Warn("config: %s", p)
	}
	a.cfg = cfg
	a.applyConfig()

	if err := a.loadTools(ctx); err != nil {
		a.out.Error("tools/list failed: %v", err)
	}
	return nil
}

func cmdSession(ctx context.Context, a *app, args string) error {
	sub, rest := splitCommand(args)
	switch sub {
	case "", "list":
		known := a.sessions.Known()
		if len(known) == 0 {
			a.out.Info("no known sessions")
			return nil
		}
		active := a.sessions.Active()
		for _, id := range known {
			marker := " "
			if id == active {
				marker = "*"
			}
			a.out.Info("%s %s", marker, id)
		}
	case "use":
		if rest == "" {
			a.out.Warn("usage: session use <id>")
			return nil
		}
		a.sessions.SetActive(rest)
		a.out.Info("active session: %s", rest)
	case "close":
		target := rest
		if target == "" {
			target = "active"
		}
		outcomes := a.sessions.Close(ctx, a.bridge, target)
		if len(outcomes) == 0 {
			a.out.Info("nothing to close")
			return nil
		}
		for _, o := range outcomes {
			if o.Err != nil {
				a.out.Error("close %s: %v", o.ID, o.Err)
			} else {
				a.out.Info("closed %s", o.ID)
			}
		}
	default:
		a.out.Warn("usage: session list|use <id>|close [id|active|all]")
	}
	return nil
}

func cmdDebug(_ context.Context, a *app, args string) error {
	sub, rest := splitCommand(args)
	switch sub {
	case "":
		a.out.Info("debug enabled=%v path=%s max_bytes=%d",
			a.tracer.Enabled(), a.tracer.Path(), a.tracer.MaxBytes())
	case "on":
		if rest != "" {
			a.tracer.SetPath(rest)
			a.cfg.DebugLogPath = a.tracer.Path()
		}
		a.tracer.SetEnabled(true)
		a.cfg.DebugEnabled = true
		a.out.Info("debug trace enabled (%s)", a.tracer.Path())
	case "off":
		a.tracer.SetEnabled(false)
		a.cfg.DebugEnabled = false
		a.out.Info("debug trace disabled")
	case "path":
		if rest == "" {
			a.out.Warn("usage: debug path <file>")
			return nil
		}
		a.tracer.SetPath(rest)
		a.cfg.DebugLogPath = a.tracer.Path()
		a.out.Info("debug path=%s", a.tracer.Path())
	case "max_bytes":
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || n < 0 {
			a.out.Warn("usage: debug max_bytes <n> (0 disables rotation)")
			return nil
		}
		a.tracer.SetMaxBytes(n)
		a.cfg.DebugMaxBytes = n
		a.out.Info("debug max_bytes=%d", n)
	case "tail":
		n := 20
		if rest != "" {
			parsed, err := strconv.Atoi(rest)
			if err != nil || parsed <= 0 {
				a.out.Warn("usage: debug tail [n]")
				return nil
			}
			n = parsed
		}
		records, err := a.tracer.Tail(n)
		if err != nil {
			a.out.Error("tail failed: %v", err)
			return nil
		}
		for _, r := range records {
			a.out.Info("%d %-24s %-5s trace=%s", r.TS, r.Event, r.Level, r.TraceID)
		}
	case "trace":
		id := rest
		if id == "" {
			id = a.orch.LastTraceID()
		}
		if id == "" {
			a.out.Warn("no trace id; run ai first or pass one explicitly")
			return nil
		}
		records, err := a.tracer.Trace(id, 0)
		if err != nil {
			a.out.Error("trace read failed: %v", err)
			return nil
		}
		if len(records) == 0 {
			a.out.Info("no records for trace %s", id)
			return nil
		}
		for _, r := range records {
			blob, _ := json.Marshal(r.Data)
			a.out.Info("%d %-24s %s", r.TS, r.Event, blob)
		}
	case "export":
		id, destDir := splitCommand(rest)
		if id == "" {
			id = a.orch.LastTraceID()
		}
		if id == "" {
			a.out.Warn("no trace id to export")
			return nil
		}
		if destDir == "" {
			destDir = "."
		}
		dir, err := a.tracer.Export(id, destDir, a.cfg.Snapshot(), a.statusSnapshot())
		if err != nil {
			a.out.Error("export failed: %v", err)
			return nil
		}
		a.out.Info("exported trace bundle: %s", dir)
	default:
		a.out.Warn("usage: debug | debug on [path]|off|path <file>|max_bytes <n>|tail [n]|trace [id]|export [id] [dir]")
	}
	return nil
}

func cmdConfig(_ context.Context, a *app, args string) error {
	sub, rest := splitCommand(args)
	switch sub {
	case "keys":
		keys := make([]string, 0, len(a.cfg.Snapshot()))
		for k := range a.cfg.Snapshot() {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		a.out.Info("configurable keys: %s", strings.Join(keys, ", "))
	case "", "show":
		snap := a.cfg.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			a.out.Info("%-28s %v", k, snap[k])
		}
	case "set":
		key, value := splitCommand(rest)
		if key == "" || value == "" {
			a.out.Warn("usage: config set <key> <value>")
			return nil
		}
		raw := a.cfg.Snapshot()
		if _, known := raw[key]; !known {
			a.out.Warn("unknown config key %q; see config show", key)
			return nil
		}
		raw["AI_API_KEY"] = a.cfg.AIAPIKey // Snapshot redacts it
		raw[key] = value
		cfg, problems := config.Normalize(raw)
		touched := false
		for _, p := range problems {
			if strings.Contains(p, key) {
				a.out.Error("config: %s", p)
				touched = true
			}
		}
		if touched {
			return nil
		}
		a.cfg = cfg
		a.applyConfig()
		a.out.Info("%s = %s (config save to persist)", key, value)
	case "save":
		if err := config.Save(a.cfgPath, a.cfg); err != nil {
			a.out.Error("save failed: %v", err)
			return nil
		}
		a.out.Info("configuration saved to %s", a.cfgPath)
	default:
		a.out.Warn("usage: config keys|show|set <key> <value>|save")
	}
	return nil
}

func cmdStatus(_ context.Context, a *app, _ string) error {
	snap := a.statusSnapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a.out.Info("%-16s %v", k, snap[k])
	}
	return nil
}

func cmdSelfCheck(ctx context.Context, a *app, _ string) error {
	if text, err := a.bridge.Health(ctx); err != nil {
		a.out.Error("health: FAIL (%v)", err)
	} else {
		a.out.Info("health: OK (%s)", text)
	}

	if tools, err := a.bridge.ListTools(ctx); err != nil {
		a.out.Error("tools/list: FAIL (%v)", err)
	} else {
		a.out.Info("tools/list: OK (%d tools)", len(tools))
	}

	if a.cfg.AIAPIKey == "" {
		a.out.Warn("ai: no API key configured")
	} else {
		a.out.Info("ai: %s via %s", a.cfg.AIModel, a.cfg.AIBaseURL)
	}
	return nil
}

func runAnalyze(ctx context.Context, a *app, kind pipeline.Kind, args, usage string) error {
	depth, path := parseDepthFlag(args)
	if path == "" {
		a.out.Warn("usage: %s", usage)
		return nil
	}
	if !a.catalog.Loaded() {
		a.out.Warn("tool catalog is empty; run bridge_reload first")
		return nil
	}

	report := a.pipe.Run(ctx, kind, depth, path)
	for _, step := range report.Steps {
		if step.Err != nil {
			a.out.Warn("[%s] %s: %v", kind, step.Tool, step.Err)
		}
	}
	if report.Aborted {
		a.out.Warn("fixed forensics incomplete; continuing with AI tool calls")
	}

	result, err := a.orch.Run(ctx, report.Question, orchestrator.ModeStrict)
	a.renderRun(result, err)
	return nil
}

func cmdAPKAnalyze(ctx context.Context, a *app, args string) error {
	return runAnalyze(ctx, a, pipeline.KindAPK, args, "apk_analyze [--fast|--deep] <path>")
}

func cmdDEXAnalyze(ctx context.Context, a *app, args string) error {
	return runAnalyze(ctx, a, pipeline.KindDEX, args, "dex_analyze [--fast|--deep] <path>")
}

func cmdSOAnalyze(ctx context.Context, a *app, args string) error {
	return runAnalyze(ctx, a, pipeline.KindSO, args, "so_analyze [--fast|--deep] <path>")
}

func cmdExit(_ context.Context, _ *app, _ string) error {
	return errExit
}
