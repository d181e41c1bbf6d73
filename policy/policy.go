// Package policy classifies potentially destructive tool invocations
// before they are dispatched to the bridge. Classification is side-effect
// free; the caller decides how to surface a confirmation prompt or honor
// a force flag.
package policy

import (
	"regexp"
	"strings"
)

// Mode selects how a matched dangerous command is handled.
type Mode string

const (
	// ModeConfirm asks the operator before dispatching a matched command.
	ModeConfirm Mode = "confirm"
	// ModeDeny blocks matched commands outright; only a caller-supplied
	// force flag overrides it.
	ModeDeny Mode = "deny"
	// ModeOff disables classification entirely.
	ModeOff Mode = "off"
)

// ParseMode normalizes a configured mode string, defaulting to confirm.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDeny:
		return ModeDeny
	case ModeOff:
		return ModeOff
	}
	return ModeConfirm
}

// Verdict is the outcome of classifying one command.
type Verdict string

const (
	VerdictAllow   Verdict = "allow"
	VerdictConfirm Verdict = "confirm"
	VerdictDeny    Verdict = "deny"
)

// Decision reports the verdict and, for confirm/deny, the rule that
// matched the command.
type Decision struct {
	Verdict     Verdict
	MatchedRule string
}

// highRiskPatterns is the built-in destructive command table. Patterns
// are matched against the lowercased command text.
var highRiskPatterns = []struct {
	re   *regexp.Regexp
	rule string
}{
	{regexp.MustCompile(`\brm\s+-rf?\b`), "rm -rf"},
	{regexp.MustCompile(`\brm\s+-r\b`), "rm -r"},
	{regexp.MustCompile(`\bmkfs(\.|_|\s)`), "mkfs"},
	{regexp.MustCompile(`\bdd\s+if=`), "dd if="},
	{regexp.MustCompile(`\bdd\s+of=`), "dd of="},
	{regexp.MustCompile(`\bshutdown\b|\breboot\b`), "shutdown/reboot"},
	{regexp.MustCompile(`\bmount\b|\bumount\b`), "mount/umount"},
	{regexp.MustCompile(`\bchmod\b.*\s/($|\s)`), "chmod on /"},
	{regexp.MustCompile(`\bchown\b.*\s/($|\s)`), "chown on /"},
	{regexp.MustCompile(`(curl|wget).*\|\s*(sh|bash)\b`), "curl|sh / wget|sh"},
	{regexp.MustCompile(`>\s*/dev/block/`), "write to /dev/block"},
}

// Policy gates textually risky commands. The extra-deny regex always wins
// over the allow regex; the allow regex downgrades a built-in match to
// allow. Invalid override regexes are ignored at construction time and
// reported once via Err.
type Policy struct {
	mode      Mode
	allow     *regexp.Regexp
	extraDeny *regexp.Regexp
	err       error
}

// New builds a Policy from a mode and the two override expressions.
// Either expression may be empty. A malformed expression disables that
// override only; the build error is retained for diagnostics.
func New(mode Mode, allowExpr, extraDenyExpr string) *Policy {
	p := &Policy{mode: mode}

	if expr := strings.TrimSpace(allowExpr); expr != "" {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			p.err = err
		} else {
			p.allow = re
		}
	}
	if expr := strings.TrimSpace(extraDenyExpr); expr != "" {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			p.err = err
		} else {
			p.extraDeny = re
		}
	}
	return p
}

// Mode returns the configured mode.
func (p *Policy) Mode() Mode { return p.mode }

// Err returns the first override-regex compile error, if any.
func (p *Policy) Err() error { return p.err }

// Classify evaluates the command text against the built-in pattern set
// and the configured overrides.
func (p *Policy) Classify(command string) Decision {
	if p.mode == ModeOff {
		return Decision{Verdict: VerdictAllow}
	}

	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Decision{Verdict: VerdictAllow}
	}

	rule := ""
	low := strings.ToLower(cmd)
	for _, pat := range highRiskPatterns {
		if pat.re.MatchString(low) {
			rule = pat.rule
			break
		}
	}

	if p.extraDeny != nil && p.extraDeny.MatchString(cmd) {
		if rule == "" {
			rule = "extra_deny_regex"
		}
		return p.restrict(rule)
	}
	if rule == "" {
		return Decision{Verdict: VerdictAllow}
	}
	if p.allow != nil && p.allow.MatchString(cmd) {
		return Decision{Verdict: VerdictAllow}
	}
	return p.restrict(rule)
}

func (p *Policy) restrict(rule string) Decision {
	if p.mode == ModeDeny {
		return Decision{Verdict: VerdictDeny, MatchedRule: rule}
	}
	return Decision{Verdict: VerdictConfirm, MatchedRule: rule}
}

// CommandText extracts the shell command from a tool call's argument map,
// trying the argument names the bridge's command tools use.
func CommandText(args map[string]any) string {
	for _, key := range []string{"command", "cmd", "shell"} {
		if s, ok := args[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
