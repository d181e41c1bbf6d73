package main

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/r2bridge/console/orchestrator"
	"github.com/r2bridge/console/pipeline"
	"github.com/r2bridge/console/policy"
	"github.com/r2bridge/console/render"
)

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		line, name, args string
	}{
		{"", "", ""},
		{"   ", "", ""},
		{"help", "help", ""},
		{"session use session_abc", "session", "use session_abc"},
		{"  call r2_run_command {\"cmd\":\"iz\"}  ", "call", "r2_run_command {\"cmd\":\"iz\"}"},
	}
	for _, c := range cases {
		name, args := splitCommand(c.line)
		if name != c.name || args != c.args {
			t.Errorf("splitCommand(%q) = (%q, %q), want (%q, %q)", c.line, name, args, c.name, c.args)
		}
	}
}

func TestParseModeFlag(t *testing.T) {
	cases := []struct {
		args string
		mode orchestrator.Mode
		rest string
	}{
		{"what does it do", orchestrator.ModeLoose, "what does it do"},
		{"--strict find the key", orchestrator.ModeStrict, "find the key"},
		{"--loose list the exports", orchestrator.ModeLoose, "list the exports"},
		{"--plain explain JNI_OnLoad", orchestrator.ModePlain, "explain JNI_OnLoad"},
		{"--loose", orchestrator.ModeLoose, ""},
	}
	for _, c := range cases {
		mode, rest := parseModeFlag(c.args)
		if mode != c.mode || rest != c.rest {
			t.Errorf("parseModeFlag(%q) = (%v, %q), want (%v, %q)", c.args, mode, rest, c.mode, c.rest)
		}
	}
}

func TestParseForceFlag(t *testing.T) {
	cases := []struct {
		args  string
		force bool
		rest  string
	}{
		{"", false, ""},
		{`{"command":"ls"}`, false, `{"command":"ls"}`},
		{"--force", true, ""},
		{`--force {"command":"rm -rf /data/local/tmp"}`, true, `{"command":"rm -rf /data/local/tmp"}`},
	}
	for _, c := range cases {
		force, rest := parseForceFlag(c.args)
		if force != c.force || rest != c.rest {
			t.Errorf("parseForceFlag(%q) = (%v, %q), want (%v, %q)", c.args, force, rest, c.force, c.rest)
		}
	}
}

func gateApp(pol *policy.Policy, input string) (*app, *bytes.Buffer) {
	var buf bytes.Buffer
	return &app{
		out: render.NewPlain(&buf),
		in:  bufio.NewReader(strings.NewReader(input)),
		pol: pol,
	}, &buf
}

func TestAllowCommand_DenyBlocksDirectCall(t *testing.T) {
	a, buf := gateApp(policy.New(policy.ModeDeny, "", ""), "")

	args := map[string]any{"command": "rm -rf /data"}
	if a.allowCommand(context.Background(), "termux_command", args, false) {
		t.Fatal("denied command allowed")
	}
	if !strings.Contains(buf.String(), "blocked") {
		t.Errorf("denial not rendered:\n%s", buf.String())
	}
}

func TestAllowCommand_ForceBypassesDeny(t *testing.T) {
	a, _ := gateApp(policy.New(policy.ModeDeny, "", ""), "")

	args := map[string]any{"command": "rm -rf /data/local/tmp/x"}
	if !a.allowCommand(context.Background(), "termux_command", args, true) {
		t.Fatal("force did not bypass the policy")
	}
}

func TestAllowCommand_ConfirmFollowsOperator(t *testing.T) {
	args := map[string]any{"command": "rm -rf /data/local/tmp/x"}

	a, _ := gateApp(policy.New(policy.ModeConfirm, "", ""), "y\n")
	if !a.allowCommand(context.Background(), "termux_command", args, false) {
		t.Error("confirmed command blocked")
	}

	a, _ = gateApp(policy.New(policy.ModeConfirm, "", ""), "n\n")
	if a.allowCommand(context.Background(), "termux_command", args, false) {
		t.Error("declined command allowed")
	}
}

func TestAllowCommand_NonCommandArgsPass(t *testing.T) {
	a, _ := gateApp(policy.New(policy.ModeDeny, "", ""), "")

	args := map[string]any{"file_path": "/sdcard/lib.so"}
	if !a.allowCommand(context.Background(), "r2_open_file", args, false) {
		t.Fatal("tool without command text was gated")
	}
}

func TestParseDepthFlag(t *testing.T) {
	cases := []struct {
		args  string
		depth pipeline.Depth
		rest  string
	}{
		{"/sdcard/app.apk", pipeline.DepthDeep, "/sdcard/app.apk"},
		{"--fast /sdcard/app.apk", pipeline.DepthFast, "/sdcard/app.apk"},
		{"--deep /sdcard/lib.so", pipeline.DepthDeep, "/sdcard/lib.so"},
	}
	for _, c := range cases {
		depth, rest := parseDepthFlag(c.args)
		if depth != c.depth || rest != c.rest {
			t.Errorf("parseDepthFlag(%q) = (%v, %q), want (%v, %q)", c.args, depth, rest, c.depth, c.rest)
		}
	}
}
