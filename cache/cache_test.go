package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/gosuda/chatsync/convo"
)

var base = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func confirmed(id, text string, at time.Time) convo.Message {
	return convo.Message{ServerID: id, Sender: "u2", Recipient: "u1", Text: text, SentAt: at, Origin: convo.OriginRemote}
}

func TestAppendAndRecent(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	if err := s.Append("u2", confirmed("m1", "hey", base)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Append("u2", confirmed("m2", "yo", base.Add(5*time.Second))); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	// duplicate server id is skipped
	if err := s.Append("u2", confirmed("m1", "hey", base)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	// unconfirmed messages never reach the cache
	if err := s.Append("u2", convo.Message{Sender: "u1", Recipient: "u2", Text: "draft", SentAt: base}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	got, err := s.Recent("u2", 0)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(got) != 2 || got[0].ServerID != "m1" || got[1].ServerID != "m2" {
		t.Fatalf("unexpected cache contents: %#v", got)
	}
	if !got[0].SentAt.Equal(base) {
		t.Fatalf("timestamp not preserved: %v", got[0].SentAt)
	}
}

func TestRecentLimit(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	for i := 0; i < 10; i++ {
		m := confirmed(fmt.Sprintf("m%d", i), fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Second))
		if err := s.Append("u2", m); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	got, err := s.Recent("u2", 3)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(got) != 3 || got[0].ServerID != "m7" || got[2].ServerID != "m9" {
		t.Fatalf("expected the three most recent, got %#v", got)
	}
}

func TestPeersIsolated(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	if err := s.Append("u2", confirmed("m1", "for u2", base)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Append("u3", confirmed("m2", "for u3", base)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	got, err := s.Recent("u3", 0)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(got) != 1 || got[0].Text != "for u3" {
		t.Fatalf("peer logs bled together: %#v", got)
	}
}

func TestPeerIDWithSlashIsolated(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	if err := s.Append("u2", confirmed("m1", "for u2", base)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Append("u2/x", confirmed("m2", "for u2/x", base)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	got, err := s.Recent("u2", 0)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(got) != 1 || got[0].Text != "for u2" {
		t.Fatalf("slash in a peer id bled into another range: %#v", got)
	}
	got, err = s.Recent("u2/x", 0)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(got) != 1 || got[0].Text != "for u2/x" {
		t.Fatalf("escaped peer lost its own rows: %#v", got)
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.Append("u2", confirmed("m1", "hey", base)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if err := s.Append("u2", confirmed("m2", "yo", base.Add(time.Second))); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	got, err := s.Recent("u2", 0)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(got) != 2 || got[0].ServerID != "m1" || got[1].ServerID != "m2" {
		t.Fatalf("sequence broke across reopen: %#v", got)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.Append("u2", confirmed("m1", "hey", base)); err != nil {
		t.Fatalf("nil append should be a no-op, got %v", err)
	}
	got, err := s.Recent("u2", 0)
	if err != nil || got != nil {
		t.Fatalf("nil recent should be empty, got %v, %v", got, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil close should be a no-op, got %v", err)
	}
}
