package history

import (
	"fmt"
	"testing"

	ctxpkg "github.com/stupiduntilnot/chatstream/internal/context"
)

func TestRegistry_EmptyIDIsDefault(t *testing.T) {
	r := NewRegistry()
	r.Get("").Append(ctxpkg.Message{Role: ctxpkg.RoleUser, Content: "x"})

	if got := r.Get(DefaultSession).Len(); got != 1 {
		t.Fatalf("expected default session to hold 1 turn, got %d", got)
	}
}

func TestRegistry_SessionsAreIsolated(t *testing.T) {
	r := NewRegistry()
	id := r.Create()
	if id == "" || id == DefaultSession {
		t.Fatalf("unexpected session id %q", id)
	}
	r.Get(id).Append(ctxpkg.Message{Role: ctxpkg.RoleUser, Content: "x"})

	if n := len(r.Snapshot(DefaultSession)); n != 0 {
		t.Fatalf("default session leaked %d turns", n)
	}
	if n := len(r.Snapshot(id)); n != 1 {
		t.Fatalf("expected 1 turn in new session, got %d", n)
	}

	r.Reset(id)
	if n := len(r.Snapshot(id)); n != 0 {
		t.Fatalf("expected reset session to be empty, got %d", n)
	}
}

func TestRegistry_DeleteKeepsDefault(t *testing.T) {
	r := NewRegistry()
	r.Get(DefaultSession).Append(ctxpkg.Message{Role: ctxpkg.RoleUser, Content: "x"})
	id := r.Create()

	if !r.Delete(id) {
		t.Fatal("expected created session to be deleted")
	}
	if r.Delete("missing") {
		t.Fatal("expected missing session to report false")
	}
	if !r.Delete(DefaultSession) {
		t.Fatal("expected default session to exist")
	}

	sessions := r.Sessions()
	if len(sessions) != 1 || sessions[0].ID != DefaultSession {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if sessions[0].Turns != 0 {
		t.Fatalf("expected default session cleared, got %d turns", sessions[0].Turns)
	}
}

func TestRegistry_SessionsCountsTurns(t *testing.T) {
	r := NewRegistry()
	id := r.Create()
	r.Get(id).Append(
		ctxpkg.Message{Role: ctxpkg.RoleUser, Content: "q"},
		ctxpkg.Message{Role: ctxpkg.RoleAssistant, Content: "a"},
	)

	found := false
	for _, s := range r.Sessions() {
		if s.ID == id {
			found = true
			if s.Turns != 2 {
				t.Fatalf("expected 2 turns, got %d", s.Turns)
			}
		}
	}
	if !found {
		t.Fatalf("session %s not listed", id)
	}
}

func TestRegistry_ReadsDoNotCreateSessions(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("junk-%d", i)
		if got := r.Snapshot(id); got == nil || len(got) != 0 {
			t.Fatalf("expected empty non-nil snapshot for %s, got %#v", id, got)
		}
		r.Reset(id)
		if _, ok := r.Lookup(id); ok {
			t.Fatalf("lookup of %s should miss", id)
		}
	}
	if n := len(r.Sessions()); n != 1 {
		t.Fatalf("expected only the default session, got %d", n)
	}
}

func TestRegistry_CommitCreatesNewSession(t *testing.T) {
	r := NewRegistry()
	if !r.Commit("fresh", nil, ctxpkg.Message{Role: ctxpkg.RoleUser, Content: "q"}, ctxpkg.Message{Role: ctxpkg.RoleAssistant, Content: "a"}) {
		t.Fatal("expected commit to a new session to succeed")
	}
	if n := len(r.Snapshot("fresh")); n != 2 {
		t.Fatalf("expected 2 turns, got %d", n)
	}
}

func TestRegistry_CommitAfterDeleteIsDropped(t *testing.T) {
	r := NewRegistry()
	id := r.Create()
	opened, ok := r.Lookup(id)
	if !ok {
		t.Fatal("created session should be found")
	}
	r.Delete(id)

	if r.Commit(id, opened, ctxpkg.Message{Role: ctxpkg.RoleUser, Content: "q"}) {
		t.Fatal("commit to a deleted session should report false")
	}
	if _, ok := r.Lookup(id); ok {
		t.Fatal("deleted session must not be recreated")
	}

	// The default session survives Delete, so its commits always land.
	def, _ := r.Lookup("")
	r.Delete(DefaultSession)
	if !r.Commit("", def, ctxpkg.Message{Role: ctxpkg.RoleUser, Content: "q"}) {
		t.Fatal("default session commit should succeed")
	}
}
