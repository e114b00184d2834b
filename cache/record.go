package cache

import (
	"time"

	"github.com/gosuda/chatsync/convo"
)

const timeLayout = time.RFC3339Nano

// record is the stored JSON form of one cached message.
type record struct {
	ServerID  string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
	SentAt    string `json:"sentAt"`
}

func (r record) message() (convo.Message, error) {
	ts, err := time.Parse(timeLayout, r.SentAt)
	if err != nil {
		return convo.Message{}, err
	}
	return convo.Message{
		ServerID:  r.ServerID,
		Sender:    r.Sender,
		Recipient: r.Recipient,
		Text:      r.Text,
		SentAt:    ts,
		Origin:    convo.OriginRemote,
	}, nil
}
