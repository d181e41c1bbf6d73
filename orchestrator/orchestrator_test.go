package orchestrator_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/r2bridge/console/ai"
	"github.com/r2bridge/console/bridge"
	"github.com/r2bridge/console/core/protocol"
	"github.com/r2bridge/console/history"
	"github.com/r2bridge/console/orchestrator"
	"github.com/r2bridge/console/policy"
	"github.com/r2bridge/console/schema"
	"github.com/r2bridge/console/session"
)

const finalReport = "## Key Findings\nnative lib loads at runtime\n" +
	"## Evidence\nr2_run_command output for session_x\n" +
	"## Next Steps\ninspect the loader"

type scriptedBackend struct {
	responses []*ai.Completion
	calls     int
	seen      [][]protocol.Message
}

func (s *scriptedBackend) Complete(_ context.Context, msgs []protocol.Message, _ []protocol.Tool) (*ai.Completion, error) {
	s.seen = append(s.seen, msgs)
	if s.calls >= len(s.responses) {
		return nil, &ai.TransportError{Err: errors.New("script exhausted")}
	}
	r := s.responses[s.calls]
	s.calls++
	return r, nil
}

type dispatched struct {
	name string
	args map[string]any
}

type fakeDispatcher struct {
	payloads []map[string]any
	errs     []error
	calls    []dispatched
}

func (f *fakeDispatcher) CallTool(_ context.Context, name string, args map[string]any) (map[string]any, error) {
	i := len(f.calls)
	f.calls = append(f.calls, dispatched{name: name, args: args})
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.payloads) {
		return f.payloads[i], nil
	}
	return map[string]any{"ok": true}, nil
}

type yesConfirmer struct{ asked int }

func (c *yesConfirmer) Confirm(context.Context, string, string, string) bool {
	c.asked++
	return true
}

func testCatalog() *schema.Catalog {
	c := schema.NewCatalog()
	c.Load([]protocol.Tool{
		{Name: "termux_command", InputSchema: map[string]any{
			"properties": map[string]any{"command": map[string]any{"type": "string"}},
			"required":   []any{"command"},
		}},
		{Name: "r2_run_command", InputSchema: map[string]any{
			"properties": map[string]any{
				"command":    map[string]any{"type": "string"},
				"session_id": map[string]any{"type": "string"},
			},
			"required": []any{"command", "session_id"},
		}},
	})
	return c
}

func toolCall(id, name, args string) protocol.ToolCall {
	return protocol.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestRun_LooseAcceptsPlainText(t *testing.T) {
	backend := &scriptedBackend{responses: []*ai.Completion{{Text: "nothing suspicious"}}}
	o := orchestrator.New(backend, &fakeDispatcher{}, testCatalog(), history.NewConversation(history.Budget{}))

	result, err := o.Run(context.Background(), "quick look", orchestrator.ModeLoose)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != orchestrator.StateDone || result.Text != "nothing suspicious" {
		t.Errorf("result = %+v", result)
	}
	if result.Turns != 1 {
		t.Errorf("turns = %d", result.Turns)
	}
}

func TestRun_StrictGateRetriesThenAccepts(t *testing.T) {
	backend := &scriptedBackend{responses: []*ai.Completion{
		{Text: "it is probably fine"},
		{Text: finalReport},
	}}
	o := orchestrator.New(backend, &fakeDispatcher{}, testCatalog(), history.NewConversation(history.Budget{}))

	result, err := o.Run(context.Background(), "analyze", orchestrator.ModeStrict)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != orchestrator.StateDone || result.Turns != 2 {
		t.Errorf("result = %+v", result)
	}

	// The second round must carry the corrective re-prompt.
	second := backend.seen[1]
	last := second[len(second)-1]
	if last.Role != protocol.RoleUser || !strings.Contains(last.Content, "## Key Findings") {
		t.Errorf("corrective prompt missing: %+v", last)
	}
}

func TestRun_StrictGateExhaustedFails(t *testing.T) {
	backend := &scriptedBackend{responses: []*ai.Completion{
		{Text: "no report"},
		{Text: "still no report"},
	}}
	o := orchestrator.New(backend, &fakeDispatcher{}, testCatalog(), history.NewConversation(history.Budget{}))

	result, err := o.Run(context.Background(), "analyze", orchestrator.ModeStrict)
	if !errors.Is(err, orchestrator.ErrGateUnsatisfied) {
		t.Fatalf("err = %v, want ErrGateUnsatisfied", err)
	}
	if result.State != orchestrator.StateFailed {
		t.Errorf("state = %s", result.State)
	}
}

func TestRun_ZeroGateRetriesFailsImmediately(t *testing.T) {
	backend := &scriptedBackend{responses: []*ai.Completion{{Text: "no report"}}}
	o := orchestrator.New(backend, &fakeDispatcher{}, testCatalog(), history.NewConversation(history.Budget{}),
		orchestrator.WithConfig(orchestrator.Config{GateRetries: 0, MaxTurns: 5}))

	_, err := o.Run(context.Background(), "analyze", orchestrator.ModeStrict)
	if !errors.Is(err, orchestrator.ErrGateUnsatisfied) {
		t.Fatalf("err = %v, want ErrGateUnsatisfied", err)
	}
	if backend.calls != 1 {
		t.Errorf("backend called %d times, want 1 (no corrective re-prompt)", backend.calls)
	}
}

func TestRun_StrictAcceptsAfterToolEvidence(t *testing.T) {
	backend := &scriptedBackend{responses: []*ai.Completion{
		{ToolCalls: []protocol.ToolCall{toolCall("call_1", "termux_command", `{"command":"ls /tmp"}`)}},
		{Text: "plain summary without markers"},
	}}
	dispatcher := &fakeDispatcher{payloads: []map[string]any{{"stdout": "a.apk"}}}
	o := orchestrator.New(backend, dispatcher, testCatalog(), history.NewConversation(history.Budget{}))

	result, err := o.Run(context.Background(), "list files", orchestrator.ModeStrict)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != orchestrator.StateDone || result.ToolCalls != 1 {
		t.Errorf("result = %+v", result)
	}
	if len(dispatcher.calls) != 1 || dispatcher.calls[0].name != "termux_command" {
		t.Errorf("dispatched = %+v", dispatcher.calls)
	}
}

func TestRun_SessionAutoFillAndHarvest(t *testing.T) {
	backend := &scriptedBackend{responses: []*ai.Completion{
		{ToolCalls: []protocol.ToolCall{toolCall("call_1", "r2_run_command", `{"command":"iz"}`)}},
		{Text: finalReport},
	}}
	dispatcher := &fakeDispatcher{payloads: []map[string]any{
		{"result": "opened as session_new1"},
	}}
	sessions := session.NewRegistry()
	sessions.SetActive("session_old")
	o := orchestrator.New(backend, dispatcher, testCatalog(), history.NewConversation(history.Budget{}),
		orchestrator.WithSessions(sessions))

	if _, err := o.Run(context.Background(), "strings", orchestrator.ModeStrict); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := dispatcher.calls[0].args["session_id"]; got != "session_old" {
		t.Errorf("session_id not auto-filled: %v", got)
	}
	if sessions.Active() != "session_new1" {
		t.Errorf("harvest did not promote session_new1, active = %q", sessions.Active())
	}
}

func TestRun_ValidationFailureBecomesToolResult(t *testing.T) {
	backend := &scriptedBackend{responses: []*ai.Completion{
		{ToolCalls: []protocol.ToolCall{toolCall("call_1", "termux_command", `{"cmdline":"ls"}`)}},
		{Text: finalReport},
	}}
	dispatcher := &fakeDispatcher{}
	conv := history.NewConversation(history.Budget{})
	o := orchestrator.New(backend, dispatcher, testCatalog(), conv)

	result, err := o.Run(context.Background(), "go", orchestrator.ModeStrict)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dispatcher.calls) != 0 {
		t.Error("invalid call reached the dispatcher")
	}
	if result.ToolCalls != 0 {
		t.Errorf("validation failure counted as success: %+v", result)
	}

	// The model saw the validation error as a correctable tool result.
	second := backend.seen[1]
	last := second[len(second)-1]
	if last.Role != protocol.RoleTool || !strings.Contains(last.Content, "validation failed") {
		t.Errorf("synthetic tool result missing: %+v", last)
	}
}

func TestRun_UnknownToolNeverDispatched(t *testing.T) {
	backend := &scriptedBackend{responses: []*ai.Completion{
		{ToolCalls: []protocol.ToolCall{toolCall("call_1", "made_up_tool", `{}`)}},
		{Text: finalReport},
	}}
	dispatcher := &fakeDispatcher{}
	o := orchestrator.New(backend, dispatcher, testCatalog(), history.NewConversation(history.Budget{}))

	if _, err := o.Run(context.Background(), "go", orchestrator.ModeStrict); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dispatcher.calls) != 0 {
		t.Error("unknown tool reached the dispatcher")
	}
}

func TestRun_PolicyDenyBlocksCall(t *testing.T) {
	backend := &scriptedBackend{responses: []*ai.Completion{
		{ToolCalls: []protocol.ToolCall{toolCall("call_1", "termux_command", `{"command":"rm -rf /data"}`)}},
		{Text: finalReport},
	}}
	dispatcher := &fakeDispatcher{}
	o := orchestrator.New(backend, dispatcher, testCatalog(), history.NewConversation(history.Budget{}),
		orchestrator.WithPolicy(policy.New(policy.ModeDeny, "", "")))

	if _, err := o.Run(context.Background(), "clean up", orchestrator.ModeStrict); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dispatcher.calls) != 0 {
		t.Error("denied command reached the dispatcher")
	}

	last := backend.seen[1][len(backend.seen[1])-1]
	if !strings.Contains(last.Content, "blocked") {
		t.Errorf("denial not surfaced to model: %+v", last)
	}
}

func TestRun_PolicyConfirmAccepted(t *testing.T) {
	backend := &scriptedBackend{responses: []*ai.Completion{
		{ToolCalls: []protocol.ToolCall{toolCall("call_1", "termux_command", `{"command":"rm -rf /data/local/tmp/x"}`)}},
		{Text: finalReport},
	}}
	dispatcher := &fakeDispatcher{payloads: []map[string]any{{"ok": true}}}
	confirmer := &yesConfirmer{}
	o := orchestrator.New(backend, dispatcher, testCatalog(), history.NewConversation(history.Budget{}),
		orchestrator.WithPolicy(policy.New(policy.ModeConfirm, "", "")),
		orchestrator.WithConfirmer(confirmer))

	if _, err := o.Run(context.Background(), "clean up", orchestrator.ModeStrict); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if confirmer.asked != 1 {
		t.Errorf("confirmer asked %d times, want 1", confirmer.asked)
	}
	if len(dispatcher.calls) != 1 {
		t.Error("confirmed command did not dispatch")
	}
}

func TestRun_ConfirmDefaultDeclines(t *testing.T) {
	// Without a confirmer there is nobody to ask; confirm verdicts block.
	backend := &scriptedBackend{responses: []*ai.Completion{
		{ToolCalls: []protocol.ToolCall{toolCall("call_1", "termux_command", `{"command":"rm -rf /data/local/tmp/x"}`)}},
		{Text: finalReport},
	}}
	dispatcher := &fakeDispatcher{}
	o := orchestrator.New(backend, dispatcher, testCatalog(), history.NewConversation(history.Budget{}),
		orchestrator.WithPolicy(policy.New(policy.ModeConfirm, "", "")))

	if _, err := o.Run(context.Background(), "clean up", orchestrator.ModeStrict); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dispatcher.calls) != 0 {
		t.Error("unconfirmed command dispatched")
	}
}

func TestRun_TransportErrorFailsRun(t *testing.T) {
	backend := &scriptedBackend{responses: []*ai.Completion{
		{ToolCalls: []protocol.ToolCall{toolCall("call_1", "termux_command", `{"command":"ls"}`)}},
	}}
	dispatcher := &fakeDispatcher{errs: []error{
		&bridge.TransportError{Op: "tools/call", Err: errors.New("connection refused")},
	}}
	conv := history.NewConversation(history.Budget{})
	o := orchestrator.New(backend, dispatcher, testCatalog(), conv)

	result, err := o.Run(context.Background(), "ls", orchestrator.ModeLoose)
	if err == nil || result.State != orchestrator.StateFailed {
		t.Fatalf("result = %+v, err = %v", result, err)
	}

	// The failure is surfaced in the history, not swallowed.
	msgs := conv.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != protocol.RoleTool || !strings.Contains(last.Content, "connection refused") {
		t.Errorf("transport error not in history: %+v", last)
	}
}

func TestRun_ConsecutiveFailureCutoff(t *testing.T) {
	var responses []*ai.Completion
	for i := 0; i < 6; i++ {
		responses = append(responses, &ai.Completion{
			ToolCalls: []protocol.ToolCall{toolCall("call_x", "termux_command", `{"command":"ls"}`)},
		})
	}
	backend := &scriptedBackend{responses: responses}
	dispatcher := &fakeDispatcher{payloads: []map[string]any{
		{"error": "boom 1"}, {"error": "boom 2"}, {"error": "boom 3"}, {"error": "boom 4"},
	}}
	o := orchestrator.New(backend, dispatcher, testCatalog(), history.NewConversation(history.Budget{}))

	result, err := o.Run(context.Background(), "ls", orchestrator.ModeLoose)
	if !errors.Is(err, orchestrator.ErrToolFailures) {
		t.Fatalf("err = %v, want ErrToolFailures", err)
	}
	if result.State != orchestrator.StateFailed {
		t.Errorf("state = %s", result.State)
	}
	if len(dispatcher.calls) != 4 {
		t.Errorf("dispatched %d calls, want 4 before cutoff", len(dispatcher.calls))
	}
}

func TestRun_MaxTurnsFails(t *testing.T) {
	var responses []*ai.Completion
	for i := 0; i < 3; i++ {
		responses = append(responses, &ai.Completion{
			ToolCalls: []protocol.ToolCall{toolCall("call_x", "termux_command", `{"command":"ls"}`)},
		})
	}
	backend := &scriptedBackend{responses: responses}
	o := orchestrator.New(backend, &fakeDispatcher{}, testCatalog(), history.NewConversation(history.Budget{}),
		orchestrator.WithConfig(orchestrator.Config{MaxTurns: 3}))

	_, err := o.Run(context.Background(), "ls", orchestrator.ModeLoose)
	if !errors.Is(err, orchestrator.ErrMaxTurns) {
		t.Fatalf("err = %v, want ErrMaxTurns", err)
	}
}

func TestContinue_ForcesStrict(t *testing.T) {
	backend := &scriptedBackend{responses: []*ai.Completion{
		{Text: "unstructured resume answer"},
		{Text: "still unstructured"},
	}}
	o := orchestrator.New(backend, &fakeDispatcher{}, testCatalog(), history.NewConversation(history.Budget{}))

	_, err := o.Continue(context.Background(), "")
	if !errors.Is(err, orchestrator.ErrGateUnsatisfied) {
		t.Fatalf("continuation not gated strictly: %v", err)
	}
}
