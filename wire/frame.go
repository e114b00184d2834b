// Package wire defines the frames exchanged with the chat server over the
// persistent websocket connection and the codec for the inbound side.
//
// The server pushes two frame shapes, distinguished by which fields are
// present: a presence push carries an "online" array, a message push carries
// "sender"/"recipient"/"text" plus the server-assigned id and timestamp.
package wire

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrMalformedFrame is returned by Decode for payloads that match neither
// known inbound shape. Callers drop such frames with a diagnostic.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// Outbound is the single client-to-server frame. The server assigns the
// canonical message id and timestamp on persistence, so the client sends
// neither.
type Outbound struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// RosterEntry is one online user in a presence push.
type RosterEntry struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Event is one decoded inbound frame.
type Event interface {
	isEvent()
}

// PresenceEvent is a full replacement of the online roster.
type PresenceEvent struct {
	Online []RosterEntry
}

// MessageEvent is one server-delivered chat message.
type MessageEvent struct {
	ID        string
	Sender    string
	Recipient string
	Text      string
	Timestamp time.Time
}

func (PresenceEvent) isEvent() {}
func (MessageEvent) isEvent()  {}

// inboundProbe mirrors the union of both inbound shapes. Online stays a
// RawMessage so a present-but-empty roster is distinguishable from an absent
// field.
type inboundProbe struct {
	Online    json.RawMessage `json:"online"`
	ID        string          `json:"id"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Text      string          `json:"text"`
	Timestamp string          `json:"timestamp"`
}

// Decode parses one inbound frame payload into a typed event.
func Decode(payload []byte) (Event, error) {
	var probe inboundProbe
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, errors.Join(ErrMalformedFrame, err)
	}
	if probe.Online != nil {
		var entries []RosterEntry
		if err := json.Unmarshal(probe.Online, &entries); err != nil {
			return nil, errors.Join(ErrMalformedFrame, err)
		}
		return PresenceEvent{Online: entries}, nil
	}
	if probe.Sender != "" {
		ts, err := time.Parse(time.RFC3339, probe.Timestamp)
		if err != nil {
			return nil, errors.Join(ErrMalformedFrame, err)
		}
		return MessageEvent{
			ID:        probe.ID,
			Sender:    probe.Sender,
			Recipient: probe.Recipient,
			Text:      probe.Text,
			Timestamp: ts,
		}, nil
	}
	return nil, ErrMalformedFrame
}
