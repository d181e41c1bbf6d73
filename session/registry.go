// Package session tracks remote execution sessions handed out by the
// bridge. The registry keeps the set of known session ids plus a weak
// active pointer; closing the active session clears the pointer while
// registry entry removal stays independent per id.
package session

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"sync"
)

// IDPrefix is the bridge's session identifier prefix.
const IDPrefix = "session_"

var idPattern = regexp.MustCompile(`session_[A-Za-z0-9_]+`)

// Closer issues the bridge's session-closing operation for one id.
type Closer interface {
	CloseSession(ctx context.Context, id string) error
}

// CloseOutcome is the per-id result of a batch close.
type CloseOutcome struct {
	ID  string
	Err error
}

// Registry is the process-wide session registry. Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	known  map[string]struct{}
	active string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{known: make(map[string]struct{})}
}

// NoteKnown records session ids without touching the active pointer.
func (r *Registry) NoteKnown(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			r.known[id] = struct{}{}
		}
	}
}

// SetActive marks id as the active session, adding it to the known set so
// the active pointer always refers to a known entry.
func (r *Registry) SetActive(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[id] = struct{}{}
	r.active = id
}

// ClearActive drops the active pointer. The known set is unchanged.
func (r *Registry) ClearActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = ""
}

// Active returns the active session id, or empty when none is set.
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Known returns all known session ids, sorted.
func (r *Registry) Known() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.known))
	for id := range r.known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Harvest scans a tool result for session identifiers, records them, and
// promotes the newest (lexicographically last) discovery to active.
// Returns the ids found, sorted.
func (r *Registry) Harvest(result any) []string {
	ids := ExtractIDs(result)
	if len(ids) == 0 {
		return nil
	}

	r.mu.Lock()
	for _, id := range ids {
		r.known[id] = struct{}{}
	}
	r.active = ids[len(ids)-1]
	r.mu.Unlock()
	return ids
}

// Close targets one id, the active session ("active"), or every known
// session ("all"), and issues one remote close per id sequentially. Each
// successful close removes the id from the known set immediately, before
// the next close is attempted, so a cancellation mid-batch never loses
// completed work. A per-id failure is recorded in the outcome list and
// does not stop the remaining ids; context cancellation does.
func (r *Registry) Close(ctx context.Context, closer Closer, target string) []CloseOutcome {
	var targets []string
	switch target {
	case "active":
		if id := r.Active(); id != "" {
			targets = []string{id}
		}
	case "all":
		targets = r.Known()
	default:
		if target != "" {
			targets = []string{target}
		}
	}

	outcomes := make([]CloseOutcome, 0, len(targets))
	for _, id := range targets {
		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, CloseOutcome{ID: id, Err: err})
			break
		}

		err := closer.CloseSession(ctx, id)
		if err == nil {
			r.mu.Lock()
			delete(r.known, id)
			if r.active == id {
				r.active = ""
			}
			r.mu.Unlock()
		}
		outcomes = append(outcomes, CloseOutcome{ID: id, Err: err})
	}
	return outcomes
}

// ExtractIDs pulls session identifiers out of an arbitrary tool result by
// scanning its JSON serialization. Returns sorted, de-duplicated ids.
func ExtractIDs(result any) []string {
	var blob []byte
	switch v := result.(type) {
	case string:
		blob = []byte(v)
	case []byte:
		blob = v
	default:
		var err error
		blob, err = json.Marshal(result)
		if err != nil {
			return nil
		}
	}

	matches := idPattern.FindAll(blob, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		id := string(m)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
