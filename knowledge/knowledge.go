// Package knowledge keeps concluded analyses and replays the most relevant
// ones as hints for new questions. Relevance is plain token overlap; the
// hint block reminds the model that stored conclusions still need fresh
// tool evidence.
package knowledge

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Item is one stored analysis conclusion.
type Item struct {
	ID            string   `json:"id"`
	CreatedAt     int64    `json:"created_at"`
	Question      string   `json:"question"`
	KeyFindings   []string `json:"key_findings"`
	FinalMarkdown string   `json:"final_markdown"`
}

// NewItem builds an Item from a finished run, pulling the findings out of
// the report's Key Findings section.
func NewItem(question, finalMarkdown string) Item {
	now := time.Now().Unix()
	return Item{
		ID:            fmt.Sprintf("kb_%d", now),
		CreatedAt:     now,
		Question:      question,
		KeyFindings:   ExtractKeyFindings(finalMarkdown, 12),
		FinalMarkdown: finalMarkdown,
	}
}

var (
	tokenPattern   = regexp.MustCompile(`[a-z0-9_]{3,}`)
	listMarkerRe   = regexp.MustCompile(`^[-*]\s+`)
	orderedMarkRe  = regexp.MustCompile(`^\d+\.\s+`)
	whitespaceRuns = regexp.MustCompile(`\s+`)
)

// Tokens extracts the scoring tokens of a text: lowercased runs of at
// least three word characters.
func Tokens(text string) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, w := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		tokens[w] = struct{}{}
	}
	return tokens
}

// Score rates an item against query tokens: three points per token found
// in the item's question or findings.
func Score(queryTokens map[string]struct{}, item Item) int {
	if len(queryTokens) == 0 {
		return 0
	}

	findings := item.KeyFindings
	if len(findings) > 20 {
		findings = findings[:20]
	}
	blob := strings.ToLower(item.Question + "\n" + strings.Join(findings, "\n"))

	score := 0
	for tok := range queryTokens {
		if strings.Contains(blob, tok) {
			score += 3
		}
	}
	return score
}

// contextHeader opens every hint block.
const contextHeader = "Knowledge base hints (reference only; re-verify conclusions with tools):"

// BuildContext selects the best-scoring items for a question and renders
// them as a hint block bounded by maxChars. Returns the block and the
// picked items; both are empty when nothing scores above zero.
func BuildContext(question string, items []Item, maxItems, maxChars int) (string, []Item) {
	if len(items) == 0 || maxItems <= 0 {
		return "", nil
	}

	queryTokens := Tokens(question)
	type scored struct {
		score int
		item  Item
	}
	var candidates []scored
	for _, item := range items {
		if s := Score(queryTokens, item); s > 0 {
			candidates = append(candidates, scored{score: s, item: item})
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > maxItems {
		candidates = candidates[:maxItems]
	}

	lines := []string{contextHeader}
	used := len(contextHeader) + 1
	picked := make([]Item, 0, len(candidates))

	appendLine := func(line string) bool {
		if used+len(line)+1 > maxChars {
			return false
		}
		lines = append(lines, line)
		used += len(line) + 1
		return true
	}

	for _, c := range candidates {
		picked = append(picked, c.item)
		head := strings.TrimSpace(fmt.Sprintf("- %s %s", c.item.ID, strings.TrimSpace(c.item.Question)))
		if head != "-" {
			if !appendLine(head) {
				break
			}
		}

		findings := c.item.KeyFindings
		if len(findings) > 6 {
			findings = findings[:6]
		}
		for _, f := range findings {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			if !appendLine("  * " + f) {
				break
			}
		}

		if md := strings.TrimSpace(c.item.FinalMarkdown); md != "" {
			excerpt := whitespaceRuns.ReplaceAllString(md, " ")
			if len(excerpt) > 220 {
				excerpt = excerpt[:220]
			}
			appendLine("  * summary: " + excerpt + "...")
		}
	}

	return strings.TrimSpace(strings.Join(lines, "\n")), picked
}

// ExtractSection returns the body of one "## heading" section of a
// Markdown report.
func ExtractSection(md, heading string) string {
	text := strings.ReplaceAll(strings.ReplaceAll(md, "\r\n", "\n"), "\r", "\n")
	if strings.TrimSpace(text) == "" {
		return ""
	}

	pat := regexp.MustCompile(`(?ms)^\s*##\s+` + regexp.QuoteMeta(heading) + `\s*$\n(.*?)(?:^\s*##\s+|\z)`)
	m := pat.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ExtractKeyFindings pulls up to limit bullet lines out of the report's
// Key Findings section.
func ExtractKeyFindings(md string, limit int) []string {
	sec := ExtractSection(md, "Key Findings")
	if sec == "" {
		return nil
	}

	var out []string
	for _, raw := range strings.Split(sec, "\n") {
		line := strings.TrimSpace(raw)
		line = listMarkerRe.ReplaceAllString(line, "")
		line = orderedMarkRe.ReplaceAllString(line, "")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) >= limit {
			break
		}
	}
	return out
}
