package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/query"
)

func sampleRecords() []execution.Record {
	start := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	done := start.Add(time.Minute)
	ms := int64(60000)
	user := "user-1"
	return []execution.Record{
		{
			ID: "exec-2", AgentID: "agent-1", Status: execution.StatusFailed,
			StartedAt: start, CompletedAt: &done, DurationMS: &ms, TriggeredBy: &user,
			Summary: execution.Summary{TotalSteps: 3, SuccessfulSteps: 1, CreditsUsed: 2, Description: "Sent, then, failed"},
		},
		{ID: "exec-1", AgentID: "agent-1", Status: execution.StatusRunning, StartedAt: start},
	}
}

func TestFileName(t *testing.T) {
	at := time.Date(2025, 6, 7, 8, 9, 10, 0, time.FixedZone("CEST", 2*3600))
	tests := []struct {
		format query.Format
		want   string
	}{
		{query.FormatStructured, "executions-agent-1-20250607T060910Z.json"},
		{query.FormatTabular, "executions-agent-1-20250607T060910Z.csv"},
	}
	for _, tt := range tests {
		if got := FileName("agent-1", at, tt.format); got != tt.want {
			t.Errorf("FileName(%s) = %q, want %q", tt.format, got, tt.want)
		}
	}
}

func TestEncode_Structured(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, sampleRecords(), query.FormatStructured); err != nil {
		t.Fatal(err)
	}
	var got []execution.Record
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(got) != 2 || got[0].ID != "exec-2" || got[1].CompletedAt != nil {
		t.Errorf("decoded = %+v", got)
	}

	buf.Reset()
	if err := Encode(&buf, nil, query.FormatStructured); err != nil {
		t.Fatal(err)
	}
	if s := bytes.TrimSpace(buf.Bytes()); string(s) != "[]" {
		t.Errorf("empty export = %q, want []", s)
	}
}

func TestEncode_Tabular(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, sampleRecords(), query.FormatTabular); err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	failed := rows[1]
	if failed[0] != "exec-2" || failed[3] != "2025-02-03T04:06:06Z" || failed[4] != "60000" || failed[5] != "user-1" {
		t.Errorf("row = %q", failed)
	}
	if failed[9] != "Sent, then, failed" {
		t.Errorf("description = %q", failed[9])
	}
	if running := rows[2]; running[3] != "" || running[4] != "" || running[5] != "" {
		t.Errorf("open record row = %q", running)
	}
}

func TestEncode_UnknownFormat(t *testing.T) {
	if err := Encode(&bytes.Buffer{}, nil, query.Format("xml")); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	path, err := Save(dir, "executions-a.json", []byte(`[]`))
	if err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if path != filepath.Join(dir, "executions-a.json") {
		t.Errorf("path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "[]" {
		t.Errorf("file = %q, %v", data, err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want only the export", len(entries))
	}
}

func TestSave_NoPartialFile(t *testing.T) {
	dir := t.TempDir()
	// A directory at the target path makes the final rename fail.
	if err := os.Mkdir(filepath.Join(dir, "taken"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "taken", "x"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Save(dir, "taken", []byte("data")); err == nil {
		t.Fatal("expected rename error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp file left behind: %d entries", len(entries))
	}
}
