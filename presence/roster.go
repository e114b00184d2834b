// Package presence maintains the authoritative online roster pushed by the
// server and derives the offline set from the full contact snapshot.
package presence

import (
	"sort"
	"sync"
)

// User is one known account.
type User struct {
	ID   string
	Name string
}

// Roster owns the online set and the contact snapshot. The server replaces
// the online set wholesale on every presence push, so applying updates is
// idempotent and order-independent. The current user never appears in either
// derived set.
type Roster struct {
	mu       sync.RWMutex
	self     string
	online   map[string]string
	snapshot map[string]string
}

func NewRoster() *Roster {
	return &Roster{
		online:   map[string]string{},
		snapshot: map[string]string{},
	}
}

// SetSelf records the current user's id. Identity may resolve after frames
// have already been applied; exclusion happens at derivation time so a late
// SetSelf still takes effect.
func (r *Roster) SetSelf(id string) {
	r.mu.Lock()
	r.self = id
	r.mu.Unlock()
}

// ApplyOnline replaces the online set with the pushed roster.
func (r *Roster) ApplyOnline(users []User) {
	r.mu.Lock()
	r.online = make(map[string]string, len(users))
	for _, u := range users {
		r.online[u.ID] = u.Name
	}
	r.mu.Unlock()
}

// ApplySnapshot replaces the full contact snapshot.
func (r *Roster) ApplySnapshot(users []User) {
	r.mu.Lock()
	r.snapshot = make(map[string]string, len(users))
	for _, u := range users {
		r.snapshot[u.ID] = u.Name
	}
	r.mu.Unlock()
}

// Online returns the currently online contacts, sorted for stable display.
func (r *Roster) Online() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]User, 0, len(r.online))
	for id, name := range r.online {
		if id == r.self {
			continue
		}
		out = append(out, User{ID: id, Name: name})
	}
	sortUsers(out)
	return out
}

// Offline returns snapshot minus online minus self, sorted. Disjoint from
// Online by construction.
func (r *Roster) Offline() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]User, 0, len(r.snapshot))
	for id, name := range r.snapshot {
		if id == r.self {
			continue
		}
		if _, on := r.online[id]; on {
			continue
		}
		out = append(out, User{ID: id, Name: name})
	}
	sortUsers(out)
	return out
}

// IsOnline reports whether id is in the current online set.
func (r *Roster) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[id]
	return ok && id != r.self
}

func sortUsers(users []User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
}
