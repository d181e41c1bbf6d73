package orchestrator

import "github.com/r2bridge/console/observability"

// Event types emitted during an orchestration run.
const (
	EventRunStart     observability.EventType = "run.start"
	EventTurnStart    observability.EventType = "turn.start"
	EventToolCall     observability.EventType = "tool.call"
	EventToolComplete observability.EventType = "tool.complete"
	EventPolicyBlock  observability.EventType = "policy.block"
	EventGateRetry    observability.EventType = "gate.retry"
	EventResponse     observability.EventType = "run.response"
	EventRunFailed    observability.EventType = "run.failed"
)
