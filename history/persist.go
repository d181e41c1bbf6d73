package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/r2bridge/console/core/protocol"
)

type savedConversation struct {
	Messages []protocol.Message `json:"messages"`
}

// SaveMessages persists an exported conversation to path, atomically via
// temp file and rename, readable only by the owner. Paired with
// LoadMessages and Restore it lets a continuation pick up the trimmed
// context across process restarts.
func SaveMessages(path string, messages []protocol.Message) error {
	blob, err := json.MarshalIndent(savedConversation{Messages: messages}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".conv-*")
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(blob, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("save conversation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save conversation: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// LoadMessages reads a previously saved conversation. A missing file is
// an empty history, not an error; a corrupt file is an error rather than
// a silent reset.
func LoadMessages(path string) ([]protocol.Message, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read conversation: %w", err)
	}

	var parsed savedConversation
	if err := json.Unmarshal(blob, &parsed); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return parsed.Messages, nil
}
