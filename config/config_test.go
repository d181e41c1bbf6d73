package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/r2bridge/console/config"
)

func TestNormalize_EmptyObjectReportsAllMissing(t *testing.T) {
	cfg, problems := config.Normalize(map[string]any{})

	if len(problems) == 0 {
		t.Fatal("no problems for empty config")
	}
	d := config.Default()
	if cfg.BridgeURL != d.BridgeURL || cfg.AIModel != d.AIModel {
		t.Errorf("defaults not kept: %+v", cfg)
	}
}

func TestNormalize_BadValuesFallBack(t *testing.T) {
	cfg, problems := config.Normalize(map[string]any{
		"R2_BASE_URL":      "   ",
		"MCP_TIMEOUT_S":    "not a number",
		"MAX_CONTEXT_CHARS": float64(10), // below minimum
		"DEBUG_ENABLED":    "maybe",
	})

	d := config.Default()
	if cfg.BridgeURL != d.BridgeURL {
		t.Errorf("empty url accepted: %q", cfg.BridgeURL)
	}
	if cfg.BridgeTimeoutS != d.BridgeTimeoutS {
		t.Errorf("bad timeout accepted: %d", cfg.BridgeTimeoutS)
	}
	if cfg.MaxContextChars != d.MaxContextChars {
		t.Errorf("undersized budget accepted: %d", cfg.MaxContextChars)
	}

	var mentions int
	for _, p := range problems {
		if strings.Contains(p, "R2_BASE_URL") || strings.Contains(p, "MCP_TIMEOUT_S") ||
			strings.Contains(p, "MAX_CONTEXT_CHARS") || strings.Contains(p, "DEBUG_ENABLED") {
			mentions++
		}
	}
	if mentions != 4 {
		t.Errorf("problems = %v", problems)
	}
}

func TestNormalize_StringCoercions(t *testing.T) {
	cfg, _ := config.Normalize(map[string]any{
		"AI_TIMEOUT_S":  "90",
		"DEBUG_ENABLED": "yes",
	})
	if cfg.AITimeoutS != 90 {
		t.Errorf("AITimeoutS = %d", cfg.AITimeoutS)
	}
	if !cfg.DebugEnabled {
		t.Error("DebugEnabled not coerced from \"yes\"")
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	want := config.Default()
	want.BridgeURL = "http://10.0.0.2:5050"
	want.AIAPIKey = "sk-secret"
	want.DebugEnabled = true
	if err := config.Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config mode = %v, want 0600", info.Mode().Perm())
	}

	got, problems, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(problems) != 0 {
		t.Errorf("problems on round trip: %v", problems)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	got, problems, err := config.Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil || len(problems) != 0 {
		t.Fatalf("err = %v, problems = %v", err, problems)
	}
	if got != config.Default() {
		t.Errorf("got %+v", got)
	}
}

func TestLoad_ToleratesComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	blob := `{
		// local bridge
		"R2_BASE_URL": "http://127.0.0.1:5050",
		"AI_MODEL": "deepseek-reasoner"
	}`
	if err := os.WriteFile(path, []byte(blob), 0o600); err != nil {
		t.Fatal(err)
	}

	got, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.BridgeURL != "http://127.0.0.1:5050" {
		t.Errorf("BridgeURL = %q", got.BridgeURL)
	}
}

func TestSnapshot_RedactsKey(t *testing.T) {
	cfg := config.Default()
	cfg.AIAPIKey = "sk-secret"

	snap := cfg.Snapshot()
	if snap["AI_API_KEY"] != "***" {
		t.Errorf("key not redacted: %v", snap["AI_API_KEY"])
	}

	cfg.AIAPIKey = ""
	if got := cfg.Snapshot()["AI_API_KEY"]; got != "" {
		t.Errorf("empty key rendered as %v", got)
	}
}
