// Package conn owns the lifecycle of the persistent connection to the chat
// server: one current socket, a decoded inbound event stream, a send
// primitive, and reconnection with capped exponential backoff.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/chatsync/wire"
)

// ErrNotConnected is returned by Send when no connection is open. There is no
// outbound queue; the caller decides what to do with the unsent text.
var ErrNotConnected = errors.New("conn: not connected")

// State of the logical connection.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	eventBufferLen = 64
)

// Clock abstracts reconnect timing so tests can fast-forward instead of
// sleeping.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Manager drives one logical connection. Only ever one socket is current;
// sockets from earlier generations are superseded and their late events are
// ignored.
type Manager struct {
	url    string
	dialer Dialer
	clock  Clock

	mu             sync.Mutex
	state          State
	gen            uint64
	sock           Socket
	backoff        time.Duration
	retryScheduled bool
	terminated     bool

	// writeMu serializes frame writes; the websocket allows one writer.
	writeMu sync.Mutex

	// wg tracks live read loops so Close can drain them before closing
	// the event channel.
	wg sync.WaitGroup

	events chan wire.Event
	done   chan struct{}
}

// Option adjusts a Manager at construction.
type Option func(*Manager)

// WithDialer replaces the websocket dialer, typically with a fake.
func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }

// WithClock replaces the reconnect timer source.
func WithClock(c Clock) Option { return func(m *Manager) { m.clock = c } }

// NewManager builds a manager for the given websocket URL. No connection is
// attempted until Open.
func NewManager(url string, opts ...Option) *Manager {
	m := &Manager{
		url:     url,
		dialer:  WebsocketDialer{},
		clock:   wallClock{},
		backoff: initialBackoff,
		events:  make(chan wire.Event, eventBufferLen),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open starts a connection attempt. Idempotent: while a connection is
// Connecting or Open, further calls do nothing. A failed attempt retries
// indefinitely on the backoff schedule; network loss is treated as transient.
func (m *Manager) Open() {
	m.mu.Lock()
	if m.terminated || m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	m.mu.Unlock()
	go m.connect(gen)
}

// Send transmits one outbound frame. Returns ErrNotConnected unless the
// connection is Open; unsent frames are never queued.
func (m *Manager) Send(f wire.Outbound) error {
	m.mu.Lock()
	sock := m.sock
	open := m.state == StateOpen
	m.mu.Unlock()
	if !open || sock == nil {
		return ErrNotConnected
	}
	m.writeMu.Lock()
	err := sock.WriteJSON(f)
	m.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Events returns the decoded inbound frame stream. The stream spans
// reconnects and is closed by Close. Malformed frames are dropped with a
// diagnostic and never appear here.
func (m *Manager) Events() <-chan wire.Event { return m.events }

// State reports the current logical connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close tears the connection down for good. No reconnect is scheduled for a
// caller-initiated close; the event stream is closed once the read loop has
// drained.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return nil
	}
	m.terminated = true
	m.state = StateClosed
	sock := m.sock
	m.sock = nil
	close(m.done)
	m.mu.Unlock()
	var err error
	if sock != nil {
		err = sock.Close()
	}
	m.wg.Wait()
	close(m.events)
	return err
}

func (m *Manager) connect(gen uint64) {
	sock, err := m.dialer.Dial(context.Background(), m.url)
	m.mu.Lock()
	if m.terminated || m.gen != gen {
		m.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	if err != nil {
		log.Debug().Err(err).Str("url", m.url).Msg("[conn] dial failed")
		m.state = StateClosed
		m.scheduleRetryLocked()
		m.mu.Unlock()
		return
	}
	m.sock = sock
	m.state = StateOpen
	m.backoff = initialBackoff
	m.wg.Add(1)
	m.mu.Unlock()
	log.Debug().Str("url", m.url).Msg("[conn] open")
	go m.readLoop(gen, sock)
}

func (m *Manager) readLoop(gen uint64, sock Socket) {
	defer m.wg.Done()
	for {
		_, payload, err := sock.ReadMessage()
		if err != nil {
			break
		}
		ev, derr := wire.Decode(payload)
		if derr != nil {
			log.Debug().Err(derr).Msg("[conn] drop malformed frame")
			continue
		}
		if !m.current(gen) {
			_ = sock.Close()
			return
		}
		select {
		case m.events <- ev:
		case <-m.done:
			return
		}
	}
	// Socket closed underneath us. A superseded socket closing must not
	// touch the current connection state.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated || m.gen != gen {
		return
	}
	log.Debug().Str("url", m.url).Msg("[conn] closed unexpectedly")
	m.state = StateClosed
	m.sock = nil
	m.scheduleRetryLocked()
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.terminated && m.gen == gen
}

// scheduleRetryLocked arms exactly one reconnect timer. Caller holds m.mu.
func (m *Manager) scheduleRetryLocked() {
	if m.retryScheduled || m.terminated {
		return
	}
	m.retryScheduled = true
	delay := m.backoff
	m.backoff *= 2
	if m.backoff > maxBackoff {
		m.backoff = maxBackoff
	}
	log.Debug().Dur("delay", delay).Msg("[conn] reconnect scheduled")
	go func() {
		select {
		case <-m.clock.After(delay):
		case <-m.done:
			return
		}
		m.mu.Lock()
		m.retryScheduled = false
		if m.terminated || m.state != StateClosed {
			m.mu.Unlock()
			return
		}
		m.state = StateConnecting
		m.gen++
		gen := m.gen
		m.mu.Unlock()
		m.connect(gen)
	}()
}
