package db

import (
	"database/sql"
	"encoding/json"
	"testing"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(t.TempDir() + "/nested/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := InitSchema(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitSchema(t *testing.T) {
	db := testDB(t)

	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='events'`).Scan(&name)
	if err != nil {
		t.Fatalf("events table not created: %v", err)
	}

	// Idempotent.
	if err := InitSchema(db); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
}

func TestLogEvent_Basic(t *testing.T) {
	db := testDB(t)

	id1, err := LogEvent(db, nil, EventProcessStarted, map[string]any{"role": "server", "pid": 123})
	if err != nil {
		t.Fatal(err)
	}
	if id1 <= 0 {
		t.Errorf("expected positive id, got %d", id1)
	}

	id2, err := LogEvent(db, nil, EventStreamStarted, map[string]any{"session_id": "default"})
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("expected id2 > id1, got %d <= %d", id2, id1)
	}

	var ts int64
	if err := db.QueryRow(`SELECT timestamp FROM events WHERE id = ?`, id1).Scan(&ts); err != nil {
		t.Fatal(err)
	}
	if ts == 0 {
		t.Error("expected non-zero timestamp")
	}

	var payloadStr string
	if err := db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id1).Scan(&payloadStr); err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		t.Fatalf("invalid payload JSON: %v", err)
	}
	if payload["role"] != "server" {
		t.Errorf("expected role=server, got %v", payload["role"])
	}
}

func TestLogEvent_WithParent(t *testing.T) {
	db := testDB(t)

	parentID, err := LogEvent(db, nil, EventStreamStarted, map[string]any{"request_id": "r1"})
	if err != nil {
		t.Fatal(err)
	}
	childID, err := LogEvent(db, &parentID, EventStreamCompleted, map[string]any{"chunks": 3})
	if err != nil {
		t.Fatal(err)
	}

	var storedParent int64
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, childID).Scan(&storedParent); err != nil {
		t.Fatal(err)
	}
	if storedParent != parentID {
		t.Errorf("expected parent_id=%d, got %d", parentID, storedParent)
	}

	var nullParent sql.NullInt64
	if err := db.QueryRow(`SELECT parent_id FROM events WHERE id = ?`, parentID).Scan(&nullParent); err != nil {
		t.Fatal(err)
	}
	if nullParent.Valid {
		t.Errorf("expected NULL parent_id for root event, got %d", nullParent.Int64)
	}
}

func TestLogEvent_NilPayload(t *testing.T) {
	db := testDB(t)

	id, err := LogEvent(db, nil, EventHistoryReset, nil)
	if err != nil {
		t.Fatal(err)
	}
	var payload sql.NullString
	if err := db.QueryRow(`SELECT payload FROM events WHERE id = ?`, id).Scan(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Valid {
		t.Errorf("expected NULL payload, got %q", payload.String)
	}
}

func TestJournal(t *testing.T) {
	db := testDB(t)
	j := &Journal{DB: db}

	if _, err := j.LogEvent(nil, EventSessionCreated, map[string]any{"session_id": "s1"}); err != nil {
		t.Fatal(err)
	}
	n, err := CountEvents(db, EventSessionCreated)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 session.created event, got %d", n)
	}

	var nilJournal *Journal
	if id, err := nilJournal.LogEvent(nil, EventSessionCreated, nil); err != nil || id != 0 {
		t.Fatalf("nil journal should discard, got id=%d err=%v", id, err)
	}
}
