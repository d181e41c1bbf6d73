package knowledge_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/r2bridge/console/knowledge"
)

const sampleReport = `## Key Findings
- libnative.so verifies the apk signature in JNI_OnLoad
- 2. the check compares against a hardcoded sha1

## Evidence
r2_run_command output for session_x

## Next Steps
hook the verification function
`

func TestExtractKeyFindings(t *testing.T) {
	findings := knowledge.ExtractKeyFindings(sampleReport, 12)
	if len(findings) != 2 {
		t.Fatalf("findings = %v", findings)
	}
	if findings[0] != "libnative.so verifies the apk signature in JNI_OnLoad" {
		t.Errorf("bullet marker not stripped: %q", findings[0])
	}
	if findings[1] != "the check compares against a hardcoded sha1" {
		t.Errorf("ordered marker not stripped: %q", findings[1])
	}
}

func TestExtractSection_MissingHeading(t *testing.T) {
	if got := knowledge.ExtractSection(sampleReport, "Unrelated"); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestScoreAndBuildContext(t *testing.T) {
	items := []knowledge.Item{
		{ID: "kb_1", Question: "how does the apk verify its signature",
			KeyFindings: []string{"signature check in libnative.so"}},
		{ID: "kb_2", Question: "what network endpoints does the app use",
			KeyFindings: []string{"talks to api.example.com"}},
	}

	block, picked := knowledge.BuildContext("where is the signature verification", items, 3, 1400)
	if len(picked) != 1 || picked[0].ID != "kb_1" {
		t.Fatalf("picked = %+v", picked)
	}
	if !strings.Contains(block, "kb_1") || strings.Contains(block, "kb_2") {
		t.Errorf("block = %q", block)
	}
	if !strings.Contains(block, "re-verify") {
		t.Error("hint header missing")
	}
}

func TestBuildContext_NoMatchesYieldsEmpty(t *testing.T) {
	items := []knowledge.Item{{ID: "kb_1", Question: "unrelated topic entirely"}}

	block, picked := knowledge.BuildContext("zzz qqq", items, 3, 1400)
	if block != "" || picked != nil {
		t.Errorf("block = %q, picked = %v", block, picked)
	}
}

func TestBuildContext_CharBudget(t *testing.T) {
	long := strings.Repeat("finding detail ", 40)
	items := []knowledge.Item{
		{ID: "kb_1", Question: "signature check", KeyFindings: []string{long, long, long}},
	}

	block, _ := knowledge.BuildContext("signature", items, 3, 200)
	if len(block) > 200 {
		t.Errorf("block length %d exceeds budget", len(block))
	}
}

func TestNewItemExtractsFindings(t *testing.T) {
	item := knowledge.NewItem("analyze the apk", sampleReport)
	if !strings.HasPrefix(item.ID, "kb_") {
		t.Errorf("id = %q", item.ID)
	}
	if len(item.KeyFindings) != 2 {
		t.Errorf("findings = %v", item.KeyFindings)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.json")

	s, err := knowledge.OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("fresh store has %d items", s.Len())
	}

	if err := s.Append(knowledge.NewItem("q1", sampleReport)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(knowledge.NewItem("q2", sampleReport)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	reopened, err := knowledge.OpenStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	items := reopened.Items()
	if len(items) != 2 || items[0].Question != "q1" || items[1].Question != "q2" {
		t.Errorf("items = %+v", items)
	}
}
