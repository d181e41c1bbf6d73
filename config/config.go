// Package config holds the persisted console settings. A declared field
// table drives normalization: unknown or malformed values fall back to
// defaults and every problem is reported, never silently dropped. The
// on-disk file may contain comments (JSONC); saves are plain JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/r2bridge/console/history"
)

// Config is the full console configuration. Field names on disk keep the
// original uppercase keys so existing config files stay loadable.
type Config struct {
	BridgeURL      string `json:"R2_BASE_URL"`
	BridgeTimeoutS int    `json:"MCP_TIMEOUT_S"`

	AIBaseURL  string `json:"AI_BASE_URL"`
	AIModel    string `json:"AI_MODEL"`
	AIAPIKey   string `json:"AI_API_KEY"`
	AITimeoutS int    `json:"AI_TIMEOUT_S"`

	MaxToolResultChars int `json:"MAX_TOOL_RESULT_CHARS"`
	MaxContextMessages int `json:"MAX_CONTEXT_MESSAGES"`
	MaxContextChars    int `json:"MAX_CONTEXT_CHARS"`

	DebugEnabled  bool   `json:"DEBUG_ENABLED"`
	DebugLogPath  string `json:"DEBUG_LOG_PATH"`
	DebugMaxBytes int64  `json:"DEBUG_MAX_BYTES"`

	DangerousPolicy         string `json:"DANGEROUS_POLICY"`
	DangerousAllowRegex     string `json:"DANGEROUS_ALLOW_REGEX"`
	DangerousExtraDenyRegex string `json:"DANGEROUS_EXTRA_DENY_REGEX"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BridgeURL:          "http://127.0.0.1:5050",
		BridgeTimeoutS:     30,
		AIBaseURL:          "https://api.deepseek.com/v1",
		AIModel:            "deepseek-reasoner",
		AITimeoutS:         45,
		MaxToolResultChars: 5000,
		MaxContextMessages: 40,
		MaxContextChars:    140000,
		DebugLogPath:       "./debug.log.jsonl",
		DangerousPolicy:    "confirm",
	}
}

// BridgeTimeout returns the bridge request timeout as a duration.
func (c Config) BridgeTimeout() time.Duration { return time.Duration(c.BridgeTimeoutS) * time.Second }

// AITimeout returns the AI backend request timeout as a duration.
func (c Config) AITimeout() time.Duration { return time.Duration(c.AITimeoutS) * time.Second }

// Budget returns the context trim limits as a history budget.
func (c Config) Budget() history.Budget {
	return history.Budget{
		MaxMessages:    c.MaxContextMessages,
		MaxChars:       c.MaxContextChars,
		MaxResultChars: c.MaxToolResultChars,
	}
}

// Snapshot returns the configuration as a map for status output and trace
// export bundles. The API key is redacted.
func (c Config) Snapshot() map[string]any {
	key := ""
	if c.AIAPIKey != "" {
		key = "***"
	}
	return map[string]any{
		"R2_BASE_URL":                c.BridgeURL,
		"MCP_TIMEOUT_S":              c.BridgeTimeoutS,
		"AI_BASE_URL":                c.AIBaseURL,
		"AI_MODEL":                   c.AIModel,
		"AI_API_KEY":                 key,
		"AI_TIMEOUT_S":               c.AITimeoutS,
		"MAX_TOOL_RESULT_CHARS":      c.MaxToolResultChars,
		"MAX_CONTEXT_MESSAGES":       c.MaxContextMessages,
		"MAX_CONTEXT_CHARS":          c.MaxContextChars,
		"DEBUG_ENABLED":              c.DebugEnabled,
		"DEBUG_LOG_PATH":             c.DebugLogPath,
		"DEBUG_MAX_BYTES":            c.DebugMaxBytes,
		"DANGEROUS_POLICY":           c.DangerousPolicy,
		"DANGEROUS_ALLOW_REGEX":      c.DangerousAllowRegex,
		"DANGEROUS_EXTRA_DENY_REGEX": c.DangerousExtraDenyRegex,
	}
}

// field describes one declared configuration key for normalization.
type field struct {
	key      string
	kind     string // string, int, bool
	nonEmpty bool
	minInt   int64
	set      func(c *Config, v any)
}

var fields = []field{
	{key: "R2_BASE_URL", kind: "string", nonEmpty: true,
		set: func(c *Config, v any) { c.BridgeURL = v.(string) }},
	{key: "MCP_TIMEOUT_S", kind: "int", minInt: 1,
		set: func(c *Config, v any) { c.BridgeTimeoutS = int(v.(int64)) }},
	{key: "AI_BASE_URL", kind: "string", nonEmpty: true,
		set: func(c *Config, v any) { c.AIBaseURL = v.(string) }},
	{key: "AI_MODEL", kind: "string", nonEmpty: true,
		set: func(c *Config, v any) { c.AIModel = v.(string) }},
	{key: "AI_API_KEY", kind: "string",
		set: func(c *Config, v any) { c.AIAPIKey = v.(string) }},
	{key: "AI_TIMEOUT_S", kind: "int", minInt: 1,
		set: func(c *Config, v any) { c.AITimeoutS = int(v.(int64)) }},
	{key: "MAX_TOOL_RESULT_CHARS", kind: "int", minInt: 200,
		set: func(c *Config, v any) { c.MaxToolResultChars = int(v.(int64)) }},
	{key: "MAX_CONTEXT_MESSAGES", kind: "int", minInt: 5,
		set: func(c *Config, v any) { c.MaxContextMessages = int(v.(int64)) }},
	{key: "MAX_CONTEXT_CHARS", kind: "int", minInt: 2000,
		set: func(c *Config, v any) { c.MaxContextChars = int(v.(int64)) }},
	{key: "DEBUG_ENABLED", kind: "bool",
		set: func(c *Config, v any) { c.DebugEnabled = v.(bool) }},
	{key: "DEBUG_LOG_PATH", kind: "string", nonEmpty: true,
		set: func(c *Config, v any) { c.DebugLogPath = v.(string) }},
	{key: "DEBUG_MAX_BYTES", kind: "int", minInt: 0,
		set: func(c *Config, v any) { c.DebugMaxBytes = v.(int64) }},
	{key: "DANGEROUS_POLICY", kind: "string", nonEmpty: true,
		set: func(c *Config, v any) { c.DangerousPolicy = v.(string) }},
	{key: "DANGEROUS_ALLOW_REGEX", kind: "string",
		set: func(c *Config, v any) { c.DangerousAllowRegex = v.(string) }},
	{key: "DANGEROUS_EXTRA_DENY_REGEX", kind: "string",
		set: func(c *Config, v any) { c.DangerousExtraDenyRegex = v.(string) }},
}

// Normalize builds a Config from a raw decoded object. Every declared key
// is checked; a missing or malformed value keeps its default and adds a
// problem string. The returned slice is empty for a complete, valid file.
func Normalize(raw map[string]any) (Config, []string) {
	cfg := Default()
	var problems []string

	for _, f := range fields {
		v, present := raw[f.key]
		if !present {
			problems = append(problems, fmt.Sprintf("missing field: %s", f.key))
			continue
		}

		switch f.kind {
		case "string":
			s, ok := v.(string)
			if !ok {
				problems = append(problems, fmt.Sprintf("field %s must be a string", f.key))
				continue
			}
			s = strings.TrimSpace(s)
			if f.nonEmpty && s == "" {
				problems = append(problems, fmt.Sprintf("field %s must not be empty", f.key))
				continue
			}
			f.set(&cfg, s)

		case "int":
			n, ok := parseInt(v)
			if !ok {
				problems = append(problems, fmt.Sprintf("field %s must be an integer", f.key))
				continue
			}
			if n < f.minInt {
				problems = append(problems, fmt.Sprintf("field %s too small: %d < %d", f.key, n, f.minInt))
				continue
			}
			f.set(&cfg, n)

		case "bool":
			b, ok := parseBool(v)
			if !ok {
				problems = append(problems, fmt.Sprintf("field %s must be a boolean", f.key))
				continue
			}
			f.set(&cfg, b)
		}
	}
	return cfg, problems
}

func parseInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func parseBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		if b == 0 || b == 1 {
			return b == 1, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "true", "yes", "y", "on":
			return true, true
		case "0", "false", "no", "n", "off":
			return false, true
		}
	}
	return false, false
}

// Load reads and normalizes the config file at path. Comments in the file
// are tolerated. A missing file yields the defaults with no problems; an
// unreadable or undecodable file is an error.
func Load(path string) (Config, []string, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil, nil
		}
		return Default(), nil, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(blob), &raw); err != nil {
		return Default(), nil, fmt.Errorf("decode config: %w", err)
	}

	cfg, problems := Normalize(raw)
	return cfg, problems, nil
}

// Save writes the configuration as indented JSON, readable only by the
// owner since it may carry the API key.
func Save(path string, cfg Config) error {
	blob, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, append(blob, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
