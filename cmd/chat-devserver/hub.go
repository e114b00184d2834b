package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = 20 * time.Second
)

// storedMsg is one persisted message; the server owns id and timestamp.
type storedMsg struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"-"`
}

func (m storedMsg) push() map[string]string {
	return map[string]string{
		"id":        m.ID,
		"sender":    m.Sender,
		"recipient": m.Recipient,
		"text":      m.Text,
		"timestamp": m.Timestamp.UTC().Format(time.RFC3339),
	}
}

// wsConn pairs a socket with its write lock.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// hub is the in-memory chat server state: every account ever seen, the
// currently connected sockets, and the full message log.
type hub struct {
	mu       sync.Mutex
	accounts map[string]string
	conns    map[string]*wsConn
	messages []storedMsg
}

func newHub() *hub {
	return &hub{
		accounts: map[string]string{},
		conns:    map[string]*wsConn{},
	}
}

// broadcastPresence pushes the full online roster to every connected client.
func (h *hub) broadcastPresence() {
	h.mu.Lock()
	online := make([]map[string]string, 0, len(h.conns))
	for id := range h.conns {
		online = append(online, map[string]string{"userId": id, "username": h.accounts[id]})
	}
	targets := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	sort.Slice(online, func(i, j int) bool { return online[i]["userId"] < online[j]["userId"] })
	payload := map[string]any{"online": online}
	for _, c := range targets {
		if err := c.writeJSON(payload); err != nil {
			log.Debug().Err(err).Msg("[devserver] presence push")
		}
	}
}

// deliver persists one message and pushes it to the recipient and back to the
// sender as the confirmation echo.
func (h *hub) deliver(sender, recipient, text string) {
	m := storedMsg{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	h.mu.Lock()
	h.messages = append(h.messages, m)
	targets := make([]*wsConn, 0, 2)
	if c := h.conns[recipient]; c != nil {
		targets = append(targets, c)
	}
	if c := h.conns[sender]; c != nil && sender != recipient {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		if err := c.writeJSON(m.push()); err != nil {
			log.Debug().Err(err).Msg("[devserver] message push")
		}
	}
}

// history returns all messages between user and peer in arrival order.
func (h *hub) history(user, peer string) []storedMsg {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]storedMsg, 0, 16)
	for _, m := range h.messages {
		if (m.Sender == user && m.Recipient == peer) || (m.Sender == peer && m.Recipient == user) {
			out = append(out, m)
		}
	}
	return out
}

func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	name := r.URL.Query().Get("username")
	if user == "" {
		http.Error(w, "user required", http.StatusBadRequest)
		return
	}
	if name == "" {
		name = user
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: sock}

	h.mu.Lock()
	h.accounts[user] = name
	if prev := h.conns[user]; prev != nil {
		_ = prev.conn.Close()
	}
	h.conns[user] = c
	h.mu.Unlock()
	h.broadcastPresence()

	_ = sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
				err := sock.WriteMessage(websocket.PingMessage, nil)
				c.mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		var frame struct {
			Recipient string `json:"recipient"`
			Text      string `json:"text"`
		}
		if err := sock.ReadJSON(&frame); err != nil {
			break
		}
		if frame.Recipient == "" || frame.Text == "" {
			continue
		}
		h.deliver(user, frame.Recipient, frame.Text)
	}
	close(done)

	h.mu.Lock()
	if h.conns[user] == c {
		delete(h.conns, user)
	}
	h.mu.Unlock()
	_ = sock.Close()
	h.broadcastPresence()
}

// newHandler builds the dev server router: the websocket endpoint plus the
// request/response collaborators the engine expects.
func newHandler(h *hub) http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", h.handleWS)
	r.Get("/profile", func(w http.ResponseWriter, req *http.Request) {
		user := req.URL.Query().Get("user")
		h.mu.Lock()
		name, ok := h.accounts[user]
		h.mu.Unlock()
		if !ok {
			name = user
		}
		writeJSON(w, map[string]string{"id": user, "username": name})
	})
	r.Get("/people", func(w http.ResponseWriter, req *http.Request) {
		h.mu.Lock()
		people := make([]map[string]string, 0, len(h.accounts))
		for id, name := range h.accounts {
			people = append(people, map[string]string{"id": id, "username": name})
		}
		h.mu.Unlock()
		sort.Slice(people, func(i, j int) bool { return people[i]["id"] < people[j]["id"] })
		writeJSON(w, people)
	})
	r.Get("/messages/{peer}", func(w http.ResponseWriter, req *http.Request) {
		user := req.URL.Query().Get("user")
		peer := chi.URLParam(req, "peer")
		msgs := h.history(user, peer)
		out := make([]map[string]string, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, m.push())
		}
		writeJSON(w, out)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("[devserver] write response")
	}
}
