package models

import (
	"time"
)

// MessageClass separates direct (peer-to-peer) traffic from group traffic.
// The two classes ride independent queues so a backlog in one cannot starve
// the other.
type MessageClass string

const (
	ClassDirect MessageClass = "direct"
	ClassGroup  MessageClass = "group"
)

// SeenRecord marks one recipient having seen the message.
type SeenRecord struct {
	UserID string    `json:"userId"`
	SeenAt time.Time `json:"seenAt"`
}

// EditRecord keeps one prior revision of an edited message.
type EditRecord struct {
	Text     string    `json:"text"`
	EditedAt time.Time `json:"editedAt"`
}

// Message is the durable chat record. Exactly one of Receiver/Group is set.
// Rows are never physically deleted; Deleted marks a soft delete.
type Message struct {
	ID          string              `json:"id" db:"id"`
	Sender      string              `json:"sender" db:"sender"`
	Receiver    string              `json:"receiver,omitempty" db:"receiver"`
	Group       string              `json:"group,omitempty" db:"group_id"`
	Text        string              `json:"text,omitempty" db:"text"`
	MediaRef    string              `json:"mediaRef,omitempty" db:"media_ref"`
	FileRef     string              `json:"fileRef,omitempty" db:"file_ref"`
	ReplyTo     string              `json:"replyTo,omitempty" db:"reply_to"`
	CreatedAt   time.Time           `json:"createdAt" db:"created_at"`
	Edited      bool                `json:"edited" db:"edited"`
	EditHistory []EditRecord        `json:"editHistory,omitempty" db:"edit_history"`
	Deleted     bool                `json:"deleted" db:"deleted"`
	DeletedAt   *time.Time          `json:"deletedAt,omitempty" db:"deleted_at"`
	Reactions   map[string][]string `json:"reactions,omitempty" db:"reactions"`
	SeenBy      []SeenRecord        `json:"seenBy,omitempty" db:"seen_by"`
	UpdatedAt   time.Time           `json:"updatedAt" db:"updated_at"`
}

// Class derives the message class from the target fields.
func (m *Message) Class() MessageClass {
	if m.Group != "" {
		return ClassGroup
	}
	return ClassDirect
}

// UserProfile carries the sender display fields embedded in fan-out events.
type UserProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}
