// Package client is the realtime synchronization engine: it runs the inbound
// event loop, routes presence pushes to the roster and message pushes to the
// conversation store, drives peer selection with stale-completion guards, and
// submits composed messages with optimistic display.
//
// All collaborators are injected; the engine holds no process-wide state.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatsync/cache"
	"github.com/gosuda/chatsync/conn"
	"github.com/gosuda/chatsync/convo"
	"github.com/gosuda/chatsync/presence"
	"github.com/gosuda/chatsync/wire"
)

// ErrNoPeerSelected is returned by SendText before any peer was selected.
var ErrNoPeerSelected = errors.New("client: no peer selected")

// primeLimit caps how many cached messages are replayed into a conversation
// ahead of the network history fetch.
const primeLimit = 100

// Identity is the current user as reported by the session collaborator.
type Identity struct {
	ID       string
	Username string
}

// Session exposes the current user's identity. It may not be resolved yet;
// until it is, every inbound message is treated as foreign.
type Session interface {
	Identity(ctx context.Context) (Identity, error)
}

// HistoryLoader supplies persisted state from the server: the message page
// for one peer and the full contact snapshot.
type HistoryLoader interface {
	Messages(ctx context.Context, peerID string) ([]convo.Message, error)
	People(ctx context.Context) ([]presence.User, error)
}

// Client wires the connection manager, roster and conversation store behind
// one mutation lock, so every event handler runs to completion before the
// next is applied.
type Client struct {
	conn    *conn.Manager
	roster  *presence.Roster
	store   *convo.Store
	cache   *cache.Store
	session Session
	history HistoryLoader
	now     func() time.Time

	mu        sync.Mutex
	self      Identity
	selected  string
	loadEpoch uint64
	resolving bool

	updates chan struct{}
	errs    chan error
}

// Option adjusts a Client at construction.
type Option func(*Client)

// WithCache attaches a local message cache. The engine appends confirmed
// messages to it and primes conversations from it on selection.
func WithCache(s *cache.Store) Option { return func(c *Client) { c.cache = s } }

// WithNow replaces the optimistic timestamp source.
func WithNow(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// New builds an engine around the given connection manager and collaborators.
func New(mgr *conn.Manager, session Session, history HistoryLoader, opts ...Option) *Client {
	c := &Client{
		conn:    mgr,
		roster:  presence.NewRoster(),
		store:   convo.NewStore(),
		session: session,
		history: history,
		now:     time.Now,
		updates: make(chan struct{}, 1),
		errs:    make(chan error, 8),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run opens the connection and processes inbound events until ctx is
// cancelled or the manager is closed. Any single bad event is absorbed; the
// loop stays live.
func (c *Client) Run(ctx context.Context) error {
	c.resolveIdentity(ctx)
	c.conn.Open()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.conn.Events():
			if !ok {
				return nil
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, ev wire.Event) {
	switch ev := ev.(type) {
	case wire.PresenceEvent:
		if c.Self().ID == "" {
			c.resolveIdentityAsync(ctx)
		}
		users := make([]presence.User, 0, len(ev.Online))
		for _, e := range ev.Online {
			users = append(users, presence.User{ID: e.UserID, Name: e.Username})
		}
		c.roster.ApplyOnline(users)
		c.notify()
	case wire.MessageEvent:
		m := convo.Message{
			ServerID:  ev.ID,
			Sender:    ev.Sender,
			Recipient: ev.Recipient,
			Text:      ev.Text,
			SentAt:    ev.Timestamp,
			Origin:    convo.OriginRemote,
		}
		peer := c.peerFor(ev)
		c.store.AppendRemote(peer, m)
		if err := c.cache.Append(peer, m); err != nil {
			log.Debug().Err(err).Str("peer", peer).Msg("[client] cache append")
		}
		c.notify()
	}
}

// peerFor maps a message push to its conversation key: the other party. With
// identity unresolved the sender can never be us, so the message files under
// the sender.
func (c *Client) peerFor(ev wire.MessageEvent) string {
	self := c.Self().ID
	if self != "" && ev.Sender == self {
		return ev.Recipient
	}
	return ev.Sender
}

// SelectPeer switches the active conversation and begins a history fetch for
// it. A fetch whose selection has been superseded by the time it resolves is
// discarded without touching any conversation.
func (c *Client) SelectPeer(ctx context.Context, peer string) {
	c.mu.Lock()
	c.selected = peer
	c.loadEpoch++
	epoch := c.loadEpoch
	c.mu.Unlock()

	c.store.BeginLoad(peer)
	if cached, err := c.cache.Recent(peer, primeLimit); err != nil {
		log.Debug().Err(err).Str("peer", peer).Msg("[client] cache read")
	} else {
		for _, m := range cached {
			c.store.AppendRemote(peer, m)
		}
	}

	go func() {
		msgs, err := c.history.Messages(ctx, peer)
		c.mu.Lock()
		stale := epoch != c.loadEpoch || c.selected != peer
		c.mu.Unlock()
		if stale {
			return
		}
		if err != nil {
			// Conversation stays Loading; retrying is the caller's call.
			c.pushErr(fmt.Errorf("load history for %s: %w", peer, err))
			return
		}
		c.store.LoadHistory(peer, msgs)
		c.notify()
	}()
}

// RefreshContacts fetches the full contact snapshot and recomputes the
// offline set. Failures are returned, not retried.
func (c *Client) RefreshContacts(ctx context.Context) error {
	people, err := c.history.People(ctx)
	if err != nil {
		return fmt.Errorf("fetch contacts: %w", err)
	}
	c.roster.ApplySnapshot(people)
	c.notify()
	return nil
}

// SendText submits text to the selected peer and, once the frame is on the
// wire, inserts the optimistic entry. With no open connection the error comes
// back synchronously and the log is untouched, so the compose box can keep
// its contents.
func (c *Client) SendText(text string) (string, error) {
	c.mu.Lock()
	peer := c.selected
	self := c.self
	c.mu.Unlock()
	if peer == "" {
		return "", ErrNoPeerSelected
	}
	if err := c.conn.Send(wire.Outbound{Recipient: peer, Text: text}); err != nil {
		return "", err
	}
	key := c.store.AppendLocal(peer, self.ID, text, c.now().UTC())
	c.notify()
	return key, nil
}

// Updates signals that roster or conversation state changed. Coalescing
// channel: a pending signal absorbs later ones.
func (c *Client) Updates() <-chan struct{} { return c.updates }

// Errors delivers surfaced collaborator failures (history fetches).
func (c *Client) Errors() <-chan error { return c.errs }

// Online returns the online contacts for display.
func (c *Client) Online() []presence.User { return c.roster.Online() }

// Offline returns the derived offline contacts for display.
func (c *Client) Offline() []presence.User { return c.roster.Offline() }

// Messages returns the display log for peer.
func (c *Client) Messages(peer string) []convo.Message { return c.store.Messages(peer) }

// Selected returns the active peer id, if any.
func (c *Client) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Self returns the resolved identity, zero until the session reports one.
func (c *Client) Self() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Close tears down the connection. The engine does not own the cache; the
// caller closes it.
func (c *Client) Close() error {
	return c.conn.Close()
}

// resolveIdentityAsync retries identity resolution without blocking the event
// loop: a slow session collaborator must not stall frame processing. At most
// one attempt is in flight.
func (c *Client) resolveIdentityAsync(ctx context.Context) {
	c.mu.Lock()
	if c.resolving {
		c.mu.Unlock()
		return
	}
	c.resolving = true
	c.mu.Unlock()
	go func() {
		c.resolveIdentity(ctx)
		c.mu.Lock()
		c.resolving = false
		resolved := c.self.ID != ""
		c.mu.Unlock()
		if resolved {
			c.notify()
		}
	}()
}

func (c *Client) resolveIdentity(ctx context.Context) {
	id, err := c.session.Identity(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("[client] identity not yet available")
		return
	}
	if id.ID == "" {
		return
	}
	c.mu.Lock()
	c.self = id
	c.mu.Unlock()
	c.roster.SetSelf(id.ID)
}

func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Client) pushErr(err error) {
	select {
	case c.errs <- err:
	default:
		log.Warn().Err(err).Msg("[client] dropped surfaced error")
	}
}
