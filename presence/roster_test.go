package presence

import "testing"

func ids(users []User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

func TestOnlineOfflineDisjoint(t *testing.T) {
	r := NewRoster()
	r.SetSelf("u1")
	r.ApplySnapshot([]User{{"u1", "Ava"}, {"u2", "Bea"}, {"u3", "Cal"}, {"u4", "Dee"}})
	r.ApplyOnline([]User{{"u2", "Bea"}, {"u4", "Dee"}})

	online := map[string]bool{}
	for _, u := range r.Online() {
		online[u.ID] = true
	}
	for _, u := range r.Offline() {
		if online[u.ID] {
			t.Fatalf("user %s appears both online and offline", u.ID)
		}
	}
	if got := ids(r.Offline()); len(got) != 1 || got[0] != "u3" {
		t.Fatalf("expected offline [u3], got %v", got)
	}
}

func TestSelfNeverListed(t *testing.T) {
	r := NewRoster()
	r.SetSelf("u1")
	r.ApplyOnline([]User{{"u1", "Ava"}, {"u2", "Bea"}})
	r.ApplySnapshot([]User{{"u1", "Ava"}, {"u2", "Bea"}, {"u3", "Cal"}})
	for _, u := range append(r.Online(), r.Offline()...) {
		if u.ID == "u1" {
			t.Fatalf("self leaked into roster: %#v", u)
		}
	}
}

func TestLateSelfResolution(t *testing.T) {
	r := NewRoster()
	r.ApplyOnline([]User{{"u1", "Ava"}, {"u2", "Bea"}})
	if got := ids(r.Online()); len(got) != 2 {
		t.Fatalf("expected both users before identity resolves, got %v", got)
	}
	r.SetSelf("u1")
	if got := ids(r.Online()); len(got) != 1 || got[0] != "u2" {
		t.Fatalf("expected [u2] after identity resolves, got %v", got)
	}
}

func TestOnlineIsFullReplacement(t *testing.T) {
	r := NewRoster()
	r.SetSelf("u1")
	r.ApplyOnline([]User{{"u2", "Bea"}, {"u3", "Cal"}})
	r.ApplyOnline([]User{{"u3", "Cal"}})
	if got := ids(r.Online()); len(got) != 1 || got[0] != "u3" {
		t.Fatalf("expected replacement to drop u2, got %v", got)
	}
	if r.IsOnline("u2") {
		t.Fatal("u2 should be offline after replacement")
	}
	// u2 reappearing online leaves the offline derivation on the next read
	r.ApplySnapshot([]User{{"u2", "Bea"}, {"u3", "Cal"}})
	r.ApplyOnline([]User{{"u2", "Bea"}, {"u3", "Cal"}})
	if got := r.Offline(); len(got) != 0 {
		t.Fatalf("expected empty offline set, got %v", got)
	}
}

func TestRosterSorted(t *testing.T) {
	r := NewRoster()
	r.ApplyOnline([]User{{"u9", "Zed"}, {"u2", "Bea"}, {"u5", "Mia"}})
	got := r.Online()
	for i := 1; i < len(got); i++ {
		if got[i-1].Name > got[i].Name {
			t.Fatalf("roster not sorted: %v", got)
		}
	}
}
