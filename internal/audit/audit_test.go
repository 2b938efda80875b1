package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("deny", "guardrail", "author banned", 7, "task-abc")
	Record("allow", "tick", "applied", 7, "")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["decision"] != "deny" || first["stage"] != "guardrail" {
		t.Fatalf("unexpected entry: %#v", first)
	}
	if first["reason"] != "author banned" || first["tick_number"] != float64(7) {
		t.Fatalf("unexpected entry: %#v", first)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("deny", "provider", "auth failed with sk-or-abcdefghijklmnopqrstuvwx", 0, "")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "sk-or-abcdefghijklmnopqrstuvwx") {
		t.Fatal("secret leaked into audit log")
	}
	if !strings.Contains(string(raw), "[REDACTED]") {
		t.Fatal("redaction placeholder missing")
	}
}

func TestDenyCountIncrements(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := DenyCount()
	Record("deny", "guardrail", "thread locked", 1, "task-1")
	Record("allow", "guardrail", "ok", 1, "task-2")
	if got := DenyCount(); got != before+1 {
		t.Fatalf("deny count = %d, want %d", got, before+1)
	}
}
