package session_test

import (
	"context"
	"errors"
	"testing"

	"github.com/r2bridge/console/session"
)

type fakeCloser struct {
	closed []string
	fail   map[string]error
	cancel context.CancelFunc
	after  int
}

func (f *fakeCloser) CloseSession(ctx context.Context, id string) error {
	if err, ok := f.fail[id]; ok {
		return err
	}
	f.closed = append(f.closed, id)
	if f.cancel != nil && len(f.closed) >= f.after {
		f.cancel()
	}
	return nil
}

func TestActivePointerAlwaysKnown(t *testing.T) {
	r := session.NewRegistry()
	r.SetActive("session_a")

	known := r.Known()
	if len(known) != 1 || known[0] != "session_a" {
		t.Errorf("Known() = %v, want [session_a]", known)
	}
	if r.Active() != "session_a" {
		t.Errorf("Active() = %q", r.Active())
	}
}

func TestClearActiveKeepsKnown(t *testing.T) {
	r := session.NewRegistry()
	r.SetActive("session_a")
	r.ClearActive()

	if r.Active() != "" {
		t.Errorf("Active() = %q, want empty", r.Active())
	}
	if len(r.Known()) != 1 {
		t.Errorf("known set changed by ClearActive")
	}
}

func TestHarvestPromotesNewest(t *testing.T) {
	r := session.NewRegistry()

	ids := r.Harvest(map[string]any{
		"result": map[string]any{"session_id": "session_001"},
		"log":    "reopened as session_002",
	})

	if len(ids) != 2 {
		t.Fatalf("Harvest found %d ids, want 2", len(ids))
	}
	if r.Active() != "session_002" {
		t.Errorf("Active() = %q, want session_002", r.Active())
	}
}

func TestCloseActive(t *testing.T) {
	r := session.NewRegistry()
	r.SetActive("session_a")
	c := &fakeCloser{}

	outcomes := r.Close(context.Background(), c, "active")

	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if r.Active() != "" {
		t.Error("active pointer survived close")
	}
	if len(r.Known()) != 0 {
		t.Error("closed session still known")
	}
}

func TestClosePartialFailure(t *testing.T) {
	r := session.NewRegistry()
	r.NoteKnown("session_a", "session_b", "session_c")
	boom := errors.New("bridge unavailable")
	c := &fakeCloser{fail: map[string]error{"session_b": boom}}

	outcomes := r.Close(context.Background(), c, "all")

	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(outcomes))
	}
	if outcomes[1].ID != "session_b" || !errors.Is(outcomes[1].Err, boom) {
		t.Errorf("outcome[1] = %+v", outcomes[1])
	}
	known := r.Known()
	if len(known) != 1 || known[0] != "session_b" {
		t.Errorf("Known() = %v, want [session_b]", known)
	}
}

func TestCloseCancellationStopsBatch(t *testing.T) {
	r := session.NewRegistry()
	r.NoteKnown("session_a", "session_b", "session_c")

	ctx, cancel := context.WithCancel(context.Background())
	c := &fakeCloser{cancel: cancel, after: 1}

	outcomes := r.Close(ctx, c, "all")

	// First close succeeds and cancels; the second target records the
	// cancellation and the third is never attempted.
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2: %+v", len(outcomes), outcomes)
	}
	if outcomes[0].Err != nil {
		t.Errorf("first close failed: %v", outcomes[0].Err)
	}
	if !errors.Is(outcomes[1].Err, context.Canceled) {
		t.Errorf("second outcome = %+v, want context.Canceled", outcomes[1])
	}
	known := r.Known()
	if len(known) != 2 {
		t.Errorf("Known() = %v, want the two unclosed ids", known)
	}
}

func TestExtractIDs(t *testing.T) {
	ids := session.ExtractIDs("opened session_xyz then session_abc and session_xyz again")
	if len(ids) != 2 {
		t.Fatalf("got %v", ids)
	}
	if ids[0] != "session_abc" || ids[1] != "session_xyz" {
		t.Errorf("ids = %v, want sorted unique", ids)
	}

	if got := session.ExtractIDs(map[string]any{"ok": true}); got != nil {
		t.Errorf("ExtractIDs on plain result = %v, want nil", got)
	}
}
