// Package httpapi is the HTTP client for the chat server's request/response
// surface: the current profile, the full people directory, and the message
// page for one peer. It implements the engine's Session and HistoryLoader
// collaborator interfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gosuda/chatsync/client"
	"github.com/gosuda/chatsync/convo"
	"github.com/gosuda/chatsync/presence"
)

// Client talks to one chat API base URL.
type Client struct {
	base string
	hc   *http.Client
	user string
}

// New builds a client for base. user identifies the requesting account to
// servers that take it from the query string instead of a session cookie.
func New(base, user string) *Client {
	return &Client{
		base: base,
		hc:   &http.Client{Timeout: 15 * time.Second},
		user: user,
	}
}

type profileDoc struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type personDoc struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type messageDoc struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Identity fetches the current user's profile.
func (c *Client) Identity(ctx context.Context) (client.Identity, error) {
	var doc profileDoc
	if err := c.getJSON(ctx, "/profile", &doc); err != nil {
		return client.Identity{}, fmt.Errorf("fetch profile: %w", err)
	}
	return client.Identity{ID: doc.ID, Username: doc.Username}, nil
}

// People fetches the full contact snapshot.
func (c *Client) People(ctx context.Context) ([]presence.User, error) {
	var docs []personDoc
	if err := c.getJSON(ctx, "/people", &docs); err != nil {
		return nil, fmt.Errorf("fetch people: %w", err)
	}
	users := make([]presence.User, 0, len(docs))
	for _, d := range docs {
		users = append(users, presence.User{ID: d.ID, Name: d.Username})
	}
	return users, nil
}

// Messages fetches the persisted message page for peerID, ordered by the
// server.
func (c *Client) Messages(ctx context.Context, peerID string) ([]convo.Message, error) {
	var docs []messageDoc
	if err := c.getJSON(ctx, "/messages/"+url.PathEscape(peerID), &docs); err != nil {
		return nil, fmt.Errorf("fetch messages for %s: %w", peerID, err)
	}
	msgs := make([]convo.Message, 0, len(docs))
	for _, d := range docs {
		ts, err := time.Parse(time.RFC3339, d.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("message %s: bad timestamp %q: %w", d.ID, d.Timestamp, err)
		}
		msgs = append(msgs, convo.Message{
			ServerID:  d.ID,
			Sender:    d.Sender,
			Recipient: d.Recipient,
			Text:      d.Text,
			SentAt:    ts,
			Origin:    convo.OriginRemote,
		})
	}
	return msgs, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	u := c.base + path
	if c.user != "" {
		u += "?user=" + url.QueryEscape(c.user)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
