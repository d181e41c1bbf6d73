package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Export writes a self-contained evidence bundle for one trace id under
// destDir and returns the bundle directory. The bundle always contains
// exactly four files: trace.jsonl with the run's records, config.json
// with the sanitized configuration snapshot, status.json with the
// runtime status snapshot, and README.txt describing the contents. An
// empty trace still produces all four files so a bundle is readable
// without knowing whether the run emitted anything.
func (t *Tracer) Export(traceID, destDir string, config, status map[string]any) (string, error) {
	if traceID == "" {
		return "", fmt.Errorf("export: empty trace id")
	}

	records, err := t.Trace(traceID, 0)
	if err != nil {
		return "", fmt.Errorf("export: read trace %s: %w", traceID, err)
	}

	stamp := time.Now().Format("20060102_150405")
	bundle := filepath.Join(destDir, fmt.Sprintf("trace_%s_%s", traceID, stamp))
	if err := os.MkdirAll(bundle, 0o700); err != nil {
		return "", fmt.Errorf("export: create bundle dir: %w", err)
	}

	if err := writeJSONL(filepath.Join(bundle, "trace.jsonl"), records); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(bundle, "config.json"), config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(bundle, "status.json"), status); err != nil {
		return "", err
	}

	readme := fmt.Sprintf(`Debug trace bundle
==================

trace_id:  %s
exported:  %s
records:   %d

Files
-----
trace.jsonl  one JSON record per line, in issuance order
config.json  configuration snapshot at export time (secrets redacted)
status.json  runtime status snapshot at export time
README.txt   this file
`, traceID, time.Now().Format(time.RFC3339), len(records))
	if err := os.WriteFile(filepath.Join(bundle, "README.txt"), []byte(readme), 0o600); err != nil {
		return "", fmt.Errorf("export: write README.txt: %w", err)
	}

	return bundle, nil
}

func writeJSONL(path string, records []Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("export: write %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("export: encode record: %w", err)
		}
	}
	return nil
}

func writeJSON(path string, v map[string]any) error {
	if v == nil {
		v = map[string]any{}
	}
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("export: encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(blob, '\n'), 0o600); err != nil {
		return fmt.Errorf("export: write %s: %w", filepath.Base(path), err)
	}
	return nil
}
