package dto

import (
	"github.com/noah-isme/chatsync/internal/models"
)

// PushEventNewMessage is the only push frame type the client acts on.
const PushEventNewMessage = "new_message"

// ChatSendRequest is the body of POST /api/chat/send.
type ChatSendRequest struct {
	ReceiverID string `json:"receiver_id" validate:"required,max=64"`
	Message    string `json:"message" validate:"required,min=1,max=4000"`
}

// ChatPushEvent is the frame the relay writes to a receiver's socket.
type ChatPushEvent struct {
	Type    string             `json:"type"`
	Message models.ChatMessage `json:"message"`
}

// NewChatPushEvent wraps a persisted message in a new_message frame.
func NewChatPushEvent(message models.ChatMessage) ChatPushEvent {
	return ChatPushEvent{Type: PushEventNewMessage, Message: message}
}

// IdentityHeader carries the caller's participant id on REST calls.
const IdentityHeader = "X-User-Id"
