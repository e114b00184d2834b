// Package convo owns the per-peer ordered message logs: optimistic local
// inserts, server-delivered inserts, reconciliation of the two, and display
// ordering.
package convo

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Origin marks where a message entered the log.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// Message is one entry in a conversation log. ServerID stays empty until the
// server confirms persistence; a Local-origin entry without a ServerID is a
// provisional optimistic entry.
type Message struct {
	LocalKey  string
	ServerID  string
	Sender    string
	Recipient string
	Text      string
	SentAt    time.Time
	Origin    Origin
}

// Confirmed reports whether the server has acknowledged this message.
func (m Message) Confirmed() bool { return m.ServerID != "" }

// skewWindow bounds how far apart the optimistic local clock and the server
// timestamp may be for two entries to still count as the same message.
// Second-level granularity; sub-second disagreement between the two clocks is
// expected.
const skewWindow = time.Second

// SameLogical reports whether a and b represent the same logical message.
// Matching server ids decide outright; otherwise sender, recipient and text
// must be equal and the timestamps within the skew window.
func SameLogical(a, b Message) bool {
	if a.ServerID != "" && b.ServerID != "" {
		return a.ServerID == b.ServerID
	}
	if a.Sender != b.Sender || a.Recipient != b.Recipient || a.Text != b.Text {
		return false
	}
	d := a.SentAt.Sub(b.SentAt)
	if d < 0 {
		d = -d
	}
	return d <= skewWindow
}

// State is the lifecycle of one conversation.
type State int

const (
	StateEmpty State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// conversation holds one peer's log. Entries observed before the history load
// finishes are parked in buffered and replayed onto the fresh log, so a
// message racing the load round-trip is not lost.
type conversation struct {
	state    State
	entries  []Message
	buffered []Message
}

// Store owns every conversation, keyed by peer user id. All methods are safe
// for concurrent use; each runs to completion under the store lock.
type Store struct {
	mu      sync.Mutex
	convos  map[string]*conversation
	nextKey uint64
}

func NewStore() *Store {
	return &Store{convos: map[string]*conversation{}}
}

func (s *Store) get(peer string) *conversation {
	c, ok := s.convos[peer]
	if !ok {
		c = &conversation{}
		s.convos[peer] = c
	}
	return c
}

// State returns the lifecycle state of the conversation with peer.
func (s *Store) State(peer string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convos[peer]
	if !ok {
		return StateEmpty
	}
	return c.state
}

// BeginLoad marks the conversation with peer as loading. Inserts observed
// until LoadHistory are buffered, not dropped.
func (s *Store) BeginLoad(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(peer).state = StateLoading
}

// LoadHistory replaces the log for peer with the supplied ordered messages
// and replays anything buffered during the load. Prior optimistic entries not
// represented in the history are discarded with it.
func (s *Store) LoadHistory(peer string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(peer)
	c.entries = nil
	for _, m := range msgs {
		reconcile(c, m)
	}
	for _, m := range c.buffered {
		reconcile(c, m)
	}
	c.buffered = nil
	c.state = StateReady
}

// AppendLocal inserts an optimistic entry for a message the user just
// composed and returns its local key. It never waits on the network. The
// server echo may land first; in that case the local key attaches to the
// already-confirmed entry instead of producing a second one.
func (s *Store) AppendLocal(peer, sender, text string, sentAt time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextKey++
	m := Message{
		LocalKey:  fmt.Sprintf("local-%d", s.nextKey),
		Sender:    sender,
		Recipient: peer,
		Text:      text,
		SentAt:    sentAt,
		Origin:    OriginLocal,
	}
	c := s.get(peer)
	if c.state != StateReady {
		c.buffered = append(c.buffered, m)
		return m.LocalKey
	}
	// Only a confirmed entry not yet claimed by a local key can be this
	// send's echo. Unconfirmed entries stay distinct so repeating the same
	// text twice still yields two entries.
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].Confirmed() && c.entries[i].LocalKey == "" && SameLogical(c.entries[i], m) {
			c.entries[i].LocalKey = m.LocalKey
			return m.LocalKey
		}
	}
	insert(c, m)
	return m.LocalKey
}

// AppendRemote inserts a server-delivered message into the conversation with
// peer. A match against an existing entry updates that entry in place
// (attaching the server id) instead of duplicating it. Messages for peers
// whose conversation is not Ready are buffered until their history loads.
func (s *Store) AppendRemote(peer string, m Message) {
	m.Origin = OriginRemote
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.get(peer)
	if c.state != StateReady {
		c.buffered = append(c.buffered, m)
		return
	}
	reconcile(c, m)
}

// Messages returns a copy of the Ready log for peer, in display order.
func (s *Store) Messages(peer string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convos[peer]
	if !ok {
		return nil
	}
	out := make([]Message, len(c.entries))
	copy(out, c.entries)
	return out
}

// reconcile merges m into the log if it matches an existing entry, otherwise
// inserts it in order. The matched entry keeps its position so confirmation
// never reorders the display; whichever half of a local/remote pair got there
// first, the survivor ends up carrying both the server id and the local key.
func reconcile(c *conversation, m Message) {
	for i := len(c.entries) - 1; i >= 0; i-- {
		if SameLogical(c.entries[i], m) {
			if c.entries[i].ServerID == "" {
				c.entries[i].ServerID = m.ServerID
			}
			if c.entries[i].LocalKey == "" {
				c.entries[i].LocalKey = m.LocalKey
			}
			return
		}
	}
	insert(c, m)
}

// insert places m by SentAt ascending; entries with equal SentAt keep the
// order they were first observed in.
func insert(c *conversation, m Message) {
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].SentAt.After(m.SentAt)
	})
	c.entries = append(c.entries, Message{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = m
}
