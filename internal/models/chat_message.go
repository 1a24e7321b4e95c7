package models

import (
	"strings"
	"time"
)

// OptimisticIDPrefix namespaces locally generated message ids so they can never collide with
// server-assigned ones.
const OptimisticIDPrefix = "temp-"

// ChatMessage represents a single direct message exchanged between two participants.
type ChatMessage struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id" validate:"required,max=64"`
	SenderID   string    `gorm:"size:64;index" json:"sender_id" validate:"required,max=64"`
	ReceiverID string    `gorm:"size:64;index" json:"receiver_id" validate:"required,max=64"`
	Body       string    `gorm:"column:message;type:text" json:"message" validate:"required"`
	Read       bool      `gorm:"not null;default:false" json:"read"`
	CreatedAt  time.Time `gorm:"index" json:"created_at" validate:"required"`
}

// TableName pins the table name used by the relay repository.
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// IsOptimistic reports whether the message still carries a locally generated placeholder id.
func (m ChatMessage) IsOptimistic() bool {
	return strings.HasPrefix(m.ID, OptimisticIDPrefix)
}

// ConversationKey returns the unordered participant pair the message belongs to.
func (m ChatMessage) ConversationKey() ConversationKey {
	return NewConversationKey(m.SenderID, m.ReceiverID)
}

// ConversationKey identifies a two-party conversation regardless of direction.
type ConversationKey struct {
	A string
	B string
}

// NewConversationKey normalises the pair so that (a, b) and (b, a) produce the same key.
func NewConversationKey(a, b string) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey{A: a, B: b}
}

// Involves reports whether the participant is one side of the conversation.
func (k ConversationKey) Involves(id string) bool {
	return id != "" && (k.A == id || k.B == id)
}

// Peer returns the other participant relative to self, or "" when self is not a participant.
func (k ConversationKey) Peer(self string) string {
	switch self {
	case k.A:
		return k.B
	case k.B:
		return k.A
	default:
		return ""
	}
}

func (k ConversationKey) String() string {
	return k.A + ":" + k.B
}
