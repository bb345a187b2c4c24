package models

import (
	"time"
)

// Topic identifies the kind of fan-out event on the bus.
type Topic string

const (
	TopicDirectMessage Topic = "message.direct"
	TopicGroupMessage  Topic = "message.group"
	TopicPresence      Topic = "presence"
	TopicTyping        Topic = "typing"
	TopicReaction      Topic = "reaction"
	TopicEdit          Topic = "message.edit"
	TopicDelete        Topic = "message.delete"
	TopicNotify        Topic = "notify"
)

// AllTopics lists every topic a dispatcher subscribes to.
func AllTopics() []Topic {
	return []Topic{
		TopicDirectMessage,
		TopicGroupMessage,
		TopicPresence,
		TopicTyping,
		TopicReaction,
		TopicEdit,
		TopicDelete,
		TopicNotify,
	}
}

// Event is the wire shape broadcast on the bus. It carries the fully
// resolved message so receiving processes never hit the store on the hot
// path; group events additionally carry the resolved member list.
type Event struct {
	Topic     Topic       `json:"topic"`
	MessageID string      `json:"messageId,omitempty"`
	Sender    UserProfile `json:"sender"`
	Receiver  string      `json:"receiver,omitempty"`
	Group     string      `json:"group,omitempty"`
	Members   []string    `json:"members,omitempty"`
	Text      string      `json:"text,omitempty"`
	MediaRef  string      `json:"mediaRef,omitempty"`
	FileRef   string      `json:"fileRef,omitempty"`
	ReplyTo   string      `json:"replyTo,omitempty"`
	Emoji     string      `json:"emoji,omitempty"`
	Online    *bool       `json:"online,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Recipients resolves the identities this event should reach. Direct traffic
// echoes to the sender as well so other devices of the sender stay in sync.
func (e *Event) Recipients() []string {
	switch e.Topic {
	case TopicGroupMessage:
		return e.Members
	case TopicPresence:
		return nil // broadcast to every local connection
	case TopicNotify:
		return []string{e.Receiver}
	default:
		if e.Group != "" {
			return e.Members
		}
		out := []string{e.Receiver}
		if e.Sender.ID != "" && e.Sender.ID != e.Receiver {
			out = append(out, e.Sender.ID)
		}
		return out
	}
}
