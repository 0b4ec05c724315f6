package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stupiduntilnot/chatstream/internal/db"
)

// seedServerTree writes a journal the way a server run does and returns the
// database path and the server root id.
//
// Tree structure:
//
//	process.started (server)   id=1
//	├── stream.started         id=2
//	│   └── stream.completed   id=3
//	├── stream.started         id=4
//	│   └── stream.failed      id=5
//	├── history.reset          id=6
//	└── process.stopped        id=7
func seedServerTree(t *testing.T) (string, int64) {
	t.Helper()
	path := t.TempDir() + "/chatstream.db"
	database, err := db.OpenDB(path)
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	if err := db.InitSchema(database); err != nil {
		t.Fatal(err)
	}

	rootID, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "server", "pid": 100})
	s1, _ := db.LogEvent(database, &rootID, db.EventStreamStarted, map[string]any{"session_id": "default", "model": "gemini-2.0-flash"})
	db.LogEvent(database, &s1, db.EventStreamCompleted, map[string]any{"chunks": 3, "elapsed_ms": 1200})
	s2, _ := db.LogEvent(database, &rootID, db.EventStreamStarted, map[string]any{"session_id": "default"})
	db.LogEvent(database, &s2, db.EventStreamFailed, map[string]any{"stage": "upstream", "elapsed_ms": 300, "error": strings.Repeat("x", 100)})
	db.LogEvent(database, &rootID, db.EventHistoryReset, map[string]any{"session_id": "default"})
	db.LogEvent(database, &rootID, db.EventProcessStopped, map[string]any{"pid": 100})
	return path, rootID
}

func runTool(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	if err := run(args, &out); err != nil {
		t.Fatalf("run %v: %v", args, err)
	}
	return out.String()
}

func TestRun_FullTree(t *testing.T) {
	path, _ := seedServerTree(t)
	out := runTool(t, "-db", path)

	for _, want := range []string{"process.started", "stream.completed", "stream.failed", "history.reset", "process.stopped", "role=server", "├──", "└──"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if lines := strings.Count(out, "\n"); lines != 7 {
		t.Errorf("expected 7 lines, got %d:\n%s", lines, out)
	}
}

func TestRun_LatestRootWins(t *testing.T) {
	path, _ := seedServerTree(t)
	database, err := db.OpenDB(path)
	if err != nil {
		t.Fatal(err)
	}
	second, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "server", "pid": 200})
	database.Close()

	out := runTool(t, "-db", path)
	if !strings.HasPrefix(out, fmt.Sprintf("[%d]", second)) || strings.Contains(out, "stream.started") {
		t.Fatalf("expected only the newest root:\n%s", out)
	}
}

func TestRun_DepthLimit(t *testing.T) {
	path, _ := seedServerTree(t)
	out := runTool(t, "-db", path, "-L", "2", "-no-payload")

	if strings.Contains(out, "stream.completed") {
		t.Errorf("depth 3 events should be hidden:\n%s", out)
	}
	if !strings.Contains(out, "[...]") {
		t.Errorf("expected truncation marker:\n%s", out)
	}
	if strings.Contains(out, "role=") {
		t.Errorf("payload should be hidden:\n%s", out)
	}
}

func TestRun_SubtreeByID(t *testing.T) {
	path, _ := seedServerTree(t)
	out := runTool(t, "-db", path, "-id", "4")
	if !strings.HasPrefix(out, "[4]") || !strings.Contains(out, "stream.failed") || strings.Contains(out, "stream.completed") {
		t.Fatalf("unexpected subtree output:\n%s", out)
	}
}

func TestRun_JSON(t *testing.T) {
	path, rootID := seedServerTree(t)
	out := runTool(t, "-db", path, "-json")

	var root jsonEvent
	if err := json.Unmarshal([]byte(out), &root); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, out)
	}
	if root.ID != rootID || len(root.Children) != 4 {
		t.Fatalf("unexpected root: %+v", root)
	}
	if root.Children[0].EventType != db.EventStreamStarted || len(root.Children[0].Children) != 1 {
		t.Fatalf("unexpected first child: %+v", root.Children[0])
	}
}

func TestRun_Stats(t *testing.T) {
	path, _ := seedServerTree(t)
	out := runTool(t, "-db", path, "-stats")

	for _, want := range []string{"EVENT", "stream.started", "1.2s", "300ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in stats:\n%s", want, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	path, _ := seedServerTree(t)

	var out bytes.Buffer
	if err := run([]string{"-db", path, "-role", "worker"}, &out); err == nil {
		t.Error("expected error when no root matches role")
	}
	if err := run([]string{"-db", path, "-id", "999"}, &out); err == nil {
		t.Error("expected error for missing event id")
	}
	if err := run([]string{"-nope"}, &out); err == nil {
		t.Error("expected flag parse error")
	}
}

func TestFormatEvent(t *testing.T) {
	ev := &db.Event{
		ID:        42,
		Timestamp: 1739781001,
		EventType: db.EventStreamCompleted,
		Payload:   sql.NullString{String: `{"chunks":3,"session_id":"default"}`, Valid: true},
	}

	line := formatEvent(ev, false)
	for _, want := range []string{"[42]", "2025-02-17", "stream.completed", "chunks=3", "session_id=default"} {
		if !strings.Contains(line, want) {
			t.Errorf("expected %q in %s", want, line)
		}
	}
	if strings.Index(line, "chunks=") > strings.Index(line, "session_id=") {
		t.Errorf("payload keys should be sorted: %s", line)
	}
	if strings.Contains(formatEvent(ev, true), "chunks") {
		t.Error("expected payload hidden")
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"short", "short"},
		{float64(7), "7"},
		{1.5, "1.5"},
		{true, "true"},
	}
	for _, c := range cases {
		if got := formatValue(c.in); got != c.want {
			t.Errorf("formatValue(%v) = %q, want %q", c.in, got, c.want)
		}
	}
	long := formatValue(strings.Repeat("a", 100))
	if !strings.HasSuffix(long, `..."`) || len(long) != 85 {
		t.Errorf("unexpected truncation: %s", long)
	}
}
