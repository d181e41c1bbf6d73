// Package trace persists observability events as an append-only JSONL
// debug log and reconstructs single-run event chains by trace id. The
// Tracer is an observability.Observer; wiring it behind the orchestrator's
// MultiObserver gives every run a replayable record.
package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/r2bridge/console/observability"
)

// DefaultPath is where the debug log lands when no path is configured.
const DefaultPath = "./debug.log.jsonl"

// Record is one persisted event. Every line of the log is one Record,
// self-describing and independently parseable.
type Record struct {
	TS      int64          `json:"ts"` // unix milliseconds
	Event   string         `json:"event"`
	Level   string         `json:"level"`
	TraceID string         `json:"trace_id,omitempty"`
	Source  string         `json:"source,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Tracer appends Records to a rotatable log file. Appends are serialized
// under one mutex so rotation never interleaves with a partial write.
// Disabled tracers drop events without touching the filesystem.
type Tracer struct {
	mu       sync.Mutex
	enabled  bool
	path     string
	maxBytes int64
}

// NewTracer creates a Tracer. An empty path falls back to DefaultPath.
// maxBytes is the rotation threshold; 0 disables rotation and the log
// grows without truncation.
func NewTracer(enabled bool, path string, maxBytes int64) *Tracer {
	if path == "" {
		path = DefaultPath
	}
	return &Tracer{enabled: enabled, path: path, maxBytes: maxBytes}
}

// SetEnabled toggles persistence.
func (t *Tracer) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// Enabled reports whether events are being persisted.
func (t *Tracer) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetPath changes the log file location for subsequent appends.
func (t *Tracer) SetPath(path string) {
	if path == "" {
		path = DefaultPath
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.path = path
}

// Path returns the current log file location.
func (t *Tracer) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// SetMaxBytes changes the rotation threshold; 0 disables rotation.
func (t *Tracer) SetMaxBytes(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxBytes = n
}

// MaxBytes returns the rotation threshold.
func (t *Tracer) MaxBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxBytes
}

var _ observability.Observer = (*Tracer)(nil)

// OnEvent implements observability.Observer. Event order within one
// trace id reflects issuance order: the caller emits synchronously and
// the append happens under the tracer mutex with no buffering.
func (t *Tracer) OnEvent(_ context.Context, event observability.Event) {
	t.append(event)
}

func (t *Tracer) append(event observability.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := Record{
		TS:      ts.UnixMilli(),
		Event:   string(event.Type),
		Level:   event.Level.String(),
		TraceID: event.TraceID,
		Source:  event.Source,
		Data:    event.Data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}

	t.rotateLocked()

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

// rotateLocked rolls the log over to <path>.<unix>.bak once it exceeds
// the byte threshold. Rotation failures are ignored; appending to an
// oversized log beats losing the record.
func (t *Tracer) rotateLocked() {
	if t.maxBytes <= 0 {
		return
	}
	info, err := os.Stat(t.path)
	if err != nil || info.Size() <= t.maxBytes {
		return
	}
	os.Rename(t.path, fmt.Sprintf("%s.%d.bak", t.path, time.Now().Unix()))
}

// Tail returns up to max of the newest records, oldest first. Unparseable
// lines are skipped.
func (t *Tracer) Tail(max int) ([]Record, error) {
	if max <= 0 {
		return nil, nil
	}

	records, err := t.scan(func(Record) bool { return true }, 0)
	if err != nil {
		return nil, err
	}
	if len(records) > max {
		records = records[len(records)-max:]
	}
	return records, nil
}

// Trace returns up to max records carrying the given trace id, in log
// (issuance) order.
func (t *Tracer) Trace(traceID string, max int) ([]Record, error) {
	if traceID == "" {
		return nil, nil
	}
	return t.scan(func(r Record) bool { return r.TraceID == traceID }, max)
}

func (t *Tracer) scan(keep func(Record) bool, max int) ([]Record, error) {
	t.mu.Lock()
	path := t.path
	t.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if !keep(rec) {
			continue
		}
		records = append(records, rec)
		if max > 0 && len(records) >= max {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return records, err
	}
	return records, nil
}
