// Package history maintains the ordered conversation passed to the AI
// backend and trims it to configured budgets. Trimming operates on whole
// units (a single message, or an assistant tool-call message together
// with its tool results) so the rendered context never contains a
// tool call without its paired result.
package history

import (
	"fmt"
	"strings"
	"sync"

	"github.com/r2bridge/console/core/protocol"
)

// Budget holds the trim limits. A zero limit disables that check.
type Budget struct {
	// MaxMessages caps the number of messages, system prompt excluded.
	MaxMessages int
	// MaxChars caps the total character footprint, system prompt included.
	MaxChars int
	// MaxResultChars caps a single tool result before it is appended.
	MaxResultChars int
}

// Conversation is the budgeted message sequence for one AI exchange.
// The system prompt is pinned and never trimmed. Safe for concurrent use.
type Conversation struct {
	mu       sync.RWMutex
	system   protocol.Message
	messages []protocol.Message
	budget   Budget
}

// NewConversation creates an empty Conversation with the given budget.
func NewConversation(budget Budget) *Conversation {
	return &Conversation{budget: budget}
}

// SetSystem pins the system prompt. It is always rendered first and does
// not count against MaxMessages.
func (c *Conversation) SetSystem(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system = protocol.NewMessage(protocol.RoleSystem, content)
}

// SetBudget replaces the trim limits and re-trims immediately.
func (c *Conversation) SetBudget(budget Budget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budget = budget
	c.trimLocked()
}

// Budget returns the current limits.
func (c *Conversation) Budget() Budget {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.budget
}

// Append adds a message and trims to budget.
func (c *Conversation) Append(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.trimLocked()
}

// AppendToolResult compacts content to the per-result budget and appends
// it as a tool message bound to callID. The compaction happens before the
// overall trimming pass, so one huge result cannot evict the entire prior
// history.
func (c *Conversation) AppendToolResult(callID, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.budget.MaxResultChars > 0 {
		content = CompactText(content, c.budget.MaxResultChars)
	}
	c.messages = append(c.messages, protocol.Message{
		Role:       protocol.RoleTool,
		Content:    content,
		ToolCallID: callID,
	})
	c.trimLocked()
}

// Messages returns the render-ready snapshot: pinned system prompt (when
// set) followed by a defensive copy of the trimmed history.
func (c *Conversation) Messages() []protocol.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]protocol.Message, 0, len(c.messages)+1)
	if c.system.Content != "" {
		out = append(out, c.system)
	}
	for _, msg := range c.messages {
		copied := msg
		if len(msg.ToolCalls) > 0 {
			copied.ToolCalls = append([]protocol.ToolCall(nil), msg.ToolCalls...)
		}
		out = append(out, copied)
	}
	return out
}

// Len returns the number of history messages, system prompt excluded.
func (c *Conversation) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}

// Chars returns the total character footprint including the system prompt.
func (c *Conversation) Chars() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.charsLocked()
}

// Clear resets the history. The pinned system prompt survives.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// Export returns the raw history without the pinned system prompt, in
// the form Restore accepts. Used to persist the conversation at exit.
func (c *Conversation) Export() []protocol.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]protocol.Message, 0, len(c.messages))
	for _, msg := range c.messages {
		copied := msg
		if len(msg.ToolCalls) > 0 {
			copied.ToolCalls = append([]protocol.ToolCall(nil), msg.ToolCalls...)
		}
		out = append(out, copied)
	}
	return out
}

// Restore replaces the history with previously exported messages and
// trims to budget. Used when resuming a persisted conversation.
func (c *Conversation) Restore(messages []protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append([]protocol.Message(nil), messages...)
	c.trimLocked()
}

func (c *Conversation) charsLocked() int {
	total := c.system.Size()
	for _, msg := range c.messages {
		total += msg.Size()
	}
	return total
}

// unit is a trim-atomic span of messages: either one message, or an
// assistant tool-call message plus every tool result answering it.
type unit struct {
	start, end int // [start, end) into messages
}

func groupUnits(messages []protocol.Message) []unit {
	var units []unit
	for i := 0; i < len(messages); {
		msg := messages[i]
		if msg.Role == protocol.RoleAssistant && len(msg.ToolCalls) > 0 {
			j := i + 1
			for j < len(messages) && messages[j].Role == protocol.RoleTool {
				j++
			}
			units = append(units, unit{start: i, end: j})
			i = j
			continue
		}
		units = append(units, unit{start: i, end: i + 1})
		i++
	}
	return units
}

// trimLocked drops the oldest units until both budgets hold. The newest
// unit is never dropped: an assistant tool-call message still awaiting
// results must survive until its results arrive, and the exchange in
// flight must stay replayable. Orphan tool results left at the front by a
// prior trim are always dropped.
func (c *Conversation) trimLocked() {
	units := groupUnits(c.messages)

	for len(units) > 0 && c.messages[units[0].start].Role == protocol.RoleTool {
		units = units[1:]
	}

	for len(units) > 1 && c.overBudget(units) {
		units = units[1:]
	}

	if len(units) == 0 {
		c.messages = nil
		return
	}
	c.messages = append([]protocol.Message(nil), c.messages[units[0].start:units[len(units)-1].end]...)
}

func (c *Conversation) overBudget(units []unit) bool {
	count := units[len(units)-1].end - units[0].start
	if c.budget.MaxMessages > 0 && count > c.budget.MaxMessages {
		return true
	}
	if c.budget.MaxChars > 0 {
		total := c.system.Size()
		for _, msg := range c.messages[units[0].start:units[len(units)-1].end] {
			total += msg.Size()
		}
		if total > c.budget.MaxChars {
			return true
		}
	}
	return false
}

// CompactText truncates text to maxChars keeping the head and tail, with
// a marker describing what was cut. Head gets 65% of the budget; error
// signatures usually live near the ends of tool output.
func CompactText(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}

	keepHead := maxChars * 65 / 100
	keepTail := maxChars - keepHead
	var b strings.Builder
	b.WriteString(text[:keepHead])
	b.WriteString(fmt.Sprintf("\n...(truncated: %d chars total, kept %d head + %d tail)...\n", len(text), keepHead, keepTail))
	if keepTail > 0 {
		b.WriteString(text[len(text)-keepTail:])
	}
	return b.String()
}
