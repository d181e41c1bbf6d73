package orchestrator

import "strings"

// Mode selects the completion-gating policy for one run.
type Mode string

const (
	// ModeStrict only accepts a final answer backed by tool evidence or
	// carrying the mandated report sections.
	ModeStrict Mode = "strict"
	// ModeLoose accepts any plain-text answer.
	ModeLoose Mode = "loose"
	// ModePlain behaves like loose gating but requests a free-form answer
	// without the report structure.
	ModePlain Mode = "plain"
)

// ParseMode maps a CLI flag value to a Mode, defaulting to strict.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "loose":
		return ModeLoose
	case "plain":
		return ModePlain
	default:
		return ModeStrict
	}
}

// Section markers a strict-mode final answer must carry when no tool
// evidence was gathered during the run.
var sectionMarkers = []string{
	"## Key Findings",
	"## Evidence",
	"## Next Steps",
}

// gateSatisfied reports whether a plain-text answer may complete the run.
func gateSatisfied(mode Mode, toolCallsDone int, text string) bool {
	if mode != ModeStrict {
		return true
	}
	if toolCallsDone > 0 {
		return true
	}
	for _, marker := range sectionMarkers {
		if !strings.Contains(text, marker) {
			return false
		}
	}
	return true
}

// gatePrompt is the corrective re-prompt issued when the strict gate fails.
const gatePrompt = "You have not produced a final conclusion yet.\n" +
	"Continue: either issue the tool calls needed for the next step, or " +
	"output the final Markdown report containing all of: " +
	"## Key Findings / ## Evidence / ## Next Steps."
