package schema

import "fmt"

// ErrorKind classifies an argument validation failure.
type ErrorKind string

const (
	KindUnknownTool         ErrorKind = "unknown_tool"
	KindUnexpectedField     ErrorKind = "unexpected_field"
	KindMissingRequired     ErrorKind = "missing_required"
	KindEmptyRequiredString ErrorKind = "empty_required_string"
	KindWrongType           ErrorKind = "wrong_type"
)

// ValidationError reports why a tool call request failed validation
// against the catalog. It is surfaced back to the model as a correctable
// tool result, never silently dropped.
type ValidationError struct {
	Kind  ErrorKind
	Tool  string
	Field string
	Want  string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindUnknownTool:
		return fmt.Sprintf("unknown tool: %s", e.Tool)
	case KindUnexpectedField:
		return fmt.Sprintf("%s: field %q is not declared in the tool schema", e.Tool, e.Field)
	case KindMissingRequired:
		return fmt.Sprintf("%s: missing required field %q", e.Tool, e.Field)
	case KindEmptyRequiredString:
		return fmt.Sprintf("%s: required field %q must be a non-empty string", e.Tool, e.Field)
	case KindWrongType:
		return fmt.Sprintf("%s: field %q must be of type %s", e.Tool, e.Field, e.Want)
	}
	return fmt.Sprintf("%s: validation failed on field %q", e.Tool, e.Field)
}
