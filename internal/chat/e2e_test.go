package chat_test

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/chatsync/internal/chat"
	"github.com/noah-isme/chatsync/internal/config"
	"github.com/noah-isme/chatsync/internal/database"
	"github.com/noah-isme/chatsync/internal/handler"
	"github.com/noah-isme/chatsync/internal/models"
	"github.com/noah-isme/chatsync/internal/repository"
	"github.com/noah-isme/chatsync/internal/router"
	"github.com/noah-isme/chatsync/internal/service"
	"github.com/noah-isme/chatsync/internal/utils"
)

func startRelay(t *testing.T) string {
	t.Helper()

	db, err := database.ConnectSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.ChatMessage{}))

	validate := utils.NewValidator()
	chatService := service.NewChatService(repository.NewChatRepository(db), nil, "", nil, validate, zerolog.Nop())

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	router.Register(app, config.Config{AppName: "chat-relay"}, router.Dependencies{
		ChatHandler: handler.NewChatHandler(chatService, validate, zerolog.Nop()),
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		if err := app.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("relay stopped: %v", err)
		}
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	})

	return listener.Addr().String()
}

func newClientStore(t *testing.T, addr string) *chat.Store {
	t.Helper()

	store := chat.NewStore(chat.Options{
		API: chat.NewHTTPAPI(chat.HTTPAPIConfig{BaseURL: "http://" + addr, Timeout: 3 * time.Second}),
		Connection: chat.ConnectionOptions{
			URL:         "ws://" + addr,
			Dialer:      chat.NewWebsocketDialer(3 * time.Second),
			DialTimeout: 3 * time.Second,
		},
		Validator:      utils.NewValidator(),
		Logger:         zerolog.Nop(),
		RequestTimeout: 3 * time.Second,
	})
	t.Cleanup(store.Close)
	return store
}

func TestStoresSyncThroughRelay(t *testing.T) {
	addr := startRelay(t)

	alice := newClientStore(t, addr)
	bob := newClientStore(t, addr)

	alice.OnIdentityEstablished("u1")
	bob.OnIdentityEstablished("u2")
	for _, store := range []*chat.Store{alice, bob} {
		require.Eventually(t, func() bool {
			return store.ConnectionStatus() == chat.StatusConnected
		}, 3*time.Second, 10*time.Millisecond)
	}
	// The relay registers the socket after the upgrade completes.
	time.Sleep(50 * time.Millisecond)

	alice.SendMessage("u2", "hello bob")

	require.Eventually(t, func() bool {
		messages := alice.Messages()
		return len(messages) == 1 && !messages[0].IsOptimistic()
	}, 3*time.Second, 10*time.Millisecond)
	sent := alice.Messages()[0]
	assert.Equal(t, "u1", sent.SenderID)
	assert.Equal(t, "hello bob", sent.Body)
	assert.Zero(t, alice.UnreadCount())

	require.Eventually(t, func() bool {
		return len(bob.Messages()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	received := bob.Messages()[0]
	assert.Equal(t, sent.ID, received.ID)
	assert.Equal(t, 1, bob.UnreadCount())

	bob.LoadHistory("u1")
	bob.Wait()
	require.Len(t, bob.Messages(), 1, "history must not duplicate the pushed message")
	bob.MarkRead()
	assert.Zero(t, bob.UnreadCount())

	bob.SendMessage("u1", "hi alice")
	require.Eventually(t, func() bool {
		return len(alice.Conversation("u2")) == 2 && len(bob.Conversation("u1")) == 2 &&
			!bob.Conversation("u1")[1].IsOptimistic()
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, ids(alice.Conversation("u2")), ids(bob.Conversation("u1")))
	assert.Equal(t, 1, alice.UnreadCount())
}

func TestStoreLoadsHistoryFromRelay(t *testing.T) {
	addr := startRelay(t)

	alice := newClientStore(t, addr)
	alice.OnIdentityEstablished("u1")
	require.Eventually(t, func() bool {
		return alice.ConnectionStatus() == chat.StatusConnected
	}, 3*time.Second, 10*time.Millisecond)

	for _, text := range []string{"first", "second"} {
		alice.SendMessage("u3", text)
		alice.Wait()
	}

	// A fresh client for the same participant starts empty and backfills from the relay.
	restarted := newClientStore(t, addr)
	restarted.OnIdentityEstablished("u1")
	restarted.LoadHistory("u3")
	restarted.Wait()

	conversation := restarted.Conversation("u3")
	require.Len(t, conversation, 2)
	assert.Equal(t, "first", conversation[0].Body)
	assert.Equal(t, "second", conversation[1].Body)
	assert.Zero(t, restarted.UnreadCount())
}

func ids(messages []models.ChatMessage) []string {
	out := make([]string, 0, len(messages))
	for _, message := range messages {
		out = append(out, message.ID)
	}
	return out
}
