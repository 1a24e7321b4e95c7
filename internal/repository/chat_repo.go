package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/chatsync/internal/models"
)

const maxConversationPage = 500

// ChatRepository persists direct messages for the relay.
type ChatRepository interface {
	Save(ctx context.Context, message *models.ChatMessage) error
	ListConversation(ctx context.Context, a, b string, limit int) ([]models.ChatMessage, error)
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository constructs a chat repository backed by GORM.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) Save(ctx context.Context, message *models.ChatMessage) error {
	return r.db.WithContext(ctx).Create(message).Error
}

// ListConversation returns the most recent messages exchanged between a and b in either
// direction, oldest first.
func (r *chatRepository) ListConversation(ctx context.Context, a, b string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > maxConversationPage {
		limit = maxConversationPage
	}

	var messages []models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", a, b, b, a).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// Reverse to chronological order ascending for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}
