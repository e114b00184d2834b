package wire

import (
	"errors"
	"testing"
	"time"
)

func TestDecodePresence(t *testing.T) {
	ev, err := Decode([]byte(`{"online":[{"userId":"u2","username":"Bea"},{"userId":"u3","username":"Cal"}]}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	p, ok := ev.(PresenceEvent)
	if !ok {
		t.Fatalf("expected PresenceEvent, got %T", ev)
	}
	if len(p.Online) != 2 || p.Online[0].UserID != "u2" || p.Online[0].Username != "Bea" {
		t.Fatalf("unexpected roster: %#v", p.Online)
	}
}

func TestDecodeEmptyPresence(t *testing.T) {
	ev, err := Decode([]byte(`{"online":[]}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	p, ok := ev.(PresenceEvent)
	if !ok {
		t.Fatalf("expected PresenceEvent, got %T", ev)
	}
	if len(p.Online) != 0 {
		t.Fatalf("expected empty roster, got %#v", p.Online)
	}
}

func TestDecodeMessage(t *testing.T) {
	ev, err := Decode([]byte(`{"sender":"u1","recipient":"u2","text":"yo","id":"m2","timestamp":"2024-01-01T10:00:05Z"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	m, ok := ev.(MessageEvent)
	if !ok {
		t.Fatalf("expected MessageEvent, got %T", ev)
	}
	want := time.Date(2024, 1, 1, 10, 0, 5, 0, time.UTC)
	if m.ID != "m2" || m.Sender != "u1" || m.Recipient != "u2" || m.Text != "yo" || !m.Timestamp.Equal(want) {
		t.Fatalf("unexpected message: %#v", m)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{}`,
		`{"foo":"bar"}`,
		`{"online":"nope"}`,
		`{"sender":"u1","recipient":"u2","text":"yo","id":"m2","timestamp":"yesterday"}`,
	}
	for _, payload := range cases {
		if _, err := Decode([]byte(payload)); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("Decode(%q): expected ErrMalformedFrame, got %v", payload, err)
		}
	}
}
