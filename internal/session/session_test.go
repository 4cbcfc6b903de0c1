package session

import (
	"fmt"
	"testing"
)

func TestSeedIsIdempotent(t *testing.T) {
	s := New()
	s.Seed("initial analysis")
	s.Seed("should be ignored")

	msgs := s.All()
	if len(msgs) != 1 {
		t.Fatalf("expected one seeded message, got %d", len(msgs))
	}
	if msgs[0].Role != RoleAssistant || msgs[0].Text != "initial analysis" {
		t.Fatalf("unexpected seed message: %+v", msgs[0])
	}
}

func TestSeedSkippedWhenNotEmpty(t *testing.T) {
	s := New()
	s.AddUser("hello")
	s.Seed("late seed")

	msgs := s.All()
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("seed must not apply to a non-empty session: %+v", msgs)
	}
}

func TestAppendOrderAndIdentity(t *testing.T) {
	s := New()
	s.Seed("summary")
	u := s.AddUser("question")
	a := s.AddAssistant("answer")

	msgs := s.All()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].ID != u.ID || msgs[2].ID != a.ID {
		t.Fatalf("messages out of order: %+v", msgs)
	}
	if u.ID == a.ID || u.ID == "" {
		t.Fatalf("messages must have distinct non-empty ids")
	}
}

func TestVisibleWindowTruncatesOldest(t *testing.T) {
	s := New()
	for i := 0; i < 60; i++ {
		s.AddUser(fmt.Sprintf("msg-%d", i))
	}

	visible := s.Visible()
	if len(visible) != 50 {
		t.Fatalf("expected 50 visible messages, got %d", len(visible))
	}
	if visible[0].Text != "msg-10" || visible[49].Text != "msg-59" {
		t.Fatalf("window truncated wrong end: first=%q last=%q", visible[0].Text, visible[49].Text)
	}

	// The full transcript stays intact for follow-up requests.
	if s.Len() != 60 {
		t.Fatalf("expected full transcript of 60, got %d", s.Len())
	}
}
