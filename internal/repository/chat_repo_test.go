package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/chatsync/internal/models"
)

func TestChatRepositoryListConversationReturnsBothDirectionsAscending(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	base := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	fixtures := []models.ChatMessage{
		{ID: "m3", SenderID: "u1", ReceiverID: "u2", Body: "third", CreatedAt: base.Add(3 * time.Second)},
		{ID: "m1", SenderID: "u1", ReceiverID: "u2", Body: "first", CreatedAt: base.Add(time.Second)},
		{ID: "m2", SenderID: "u2", ReceiverID: "u1", Body: "second", CreatedAt: base.Add(2 * time.Second)},
		{ID: "x1", SenderID: "u1", ReceiverID: "u3", Body: "other", CreatedAt: base},
		{ID: "x2", SenderID: "u3", ReceiverID: "u2", Body: "other", CreatedAt: base},
	}
	for i := range fixtures {
		require.NoError(t, repo.Save(ctx, &fixtures[i]))
	}

	messages, err := repo.ListConversation(ctx, "u2", "u1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	require.Equal(t, "m1", messages[0].ID)
	require.Equal(t, "m2", messages[1].ID)
	require.Equal(t, "m3", messages[2].ID)
	require.Equal(t, "second", messages[1].Body)
	require.True(t, messages[0].CreatedAt.Equal(base.Add(time.Second)))
}

func TestChatRepositoryListConversationKeepsNewestPage(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	base := time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		message := models.ChatMessage{
			ID:         fmt.Sprintf("m%d", i),
			SenderID:   "u1",
			ReceiverID: "u2",
			Body:       "hello",
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, repo.Save(ctx, &message))
	}

	messages, err := repo.ListConversation(ctx, "u1", "u2", 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "m3", messages[0].ID)
	require.Equal(t, "m4", messages[1].ID)
}

func TestChatRepositorySaveRejectsDuplicateID(t *testing.T) {
	db := setupChatTestDB(t)
	repo := NewChatRepository(db)
	ctx := context.Background()

	message := models.ChatMessage{ID: "m1", SenderID: "u1", ReceiverID: "u2", Body: "hi", CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.Save(ctx, &message))

	duplicate := message
	require.Error(t, repo.Save(ctx, &duplicate))
}

func setupChatTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ChatMessage{}))
	return db
}
