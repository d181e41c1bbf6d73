package protocol

// Tool describes a remote operation exposed by the bridge through
// tools/list. InputSchema is the tool's JSON Schema argument description
// as received on the wire; the schema package compiles it into a checked
// spec before any call is dispatched.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}
