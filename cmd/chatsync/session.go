package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/noah-isme/chatsync/internal/chat"
	"github.com/noah-isme/chatsync/internal/models"
)

const sessionHelp = `commands:
  /open <peer>          load the conversation with peer and mark it read
  /send <peer> <text>   send a message
  /unread               show the unread counter
  /read                 reset the unread counter
  /status               show the push connection status
  /quit                 leave`

func runSession(cmd *cobra.Command) error {
	c, err := openClient()
	if err != nil {
		return err
	}
	defer c.Close()

	view := newTranscript(cmd.OutOrStdout(), c.userID)
	view.printf("signed in as %s. /help lists commands.\n", c.userID)

	updates, unsubscribe := c.store.Subscribe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range updates {
			view.render(c.store)
		}
	}()

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		if quit := handleLine(c.store, view, scanner.Text()); quit {
			break
		}
	}

	unsubscribe()
	wg.Wait()
	return scanner.Err()
}

func handleLine(store *chat.Store, view *transcript, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		view.printf("%s\n", sessionHelp)
	case "/open":
		if len(fields) != 2 {
			view.printf("usage: /open <peer>\n")
			return false
		}
		store.LoadHistory(fields[1])
		store.Wait()
		store.MarkRead()
		view.printConversation(store.Conversation(fields[1]))
	case "/send":
		if len(fields) < 3 {
			view.printf("usage: /send <peer> <text>\n")
			return false
		}
		store.SendMessage(fields[1], strings.Join(fields[2:], " "))
	case "/unread":
		view.printf("unread: %d\n", store.UnreadCount())
	case "/read":
		store.MarkRead()
	case "/status":
		view.printf("connection: %s\n", store.ConnectionStatus())
	default:
		view.printf("unknown command %q, try /help\n", fields[0])
	}
	return false
}

// transcript prints each message once as it becomes visible in the store.
type transcript struct {
	mu         sync.Mutex
	out        io.Writer
	self       string
	printed    map[string]bool
	status     chat.ConnectionStatus
	rolledBack int
}

func newTranscript(out io.Writer, self string) *transcript {
	return &transcript{
		out:     out,
		self:    self,
		printed: make(map[string]bool),
		status:  chat.StatusDisconnected,
	}
}

func (t *transcript) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *transcript) render(store *chat.Store) {
	messages := store.Messages()
	status := store.ConnectionStatus()
	rolledBack := store.RolledBackSends()

	t.mu.Lock()
	defer t.mu.Unlock()

	if status != t.status {
		t.status = status
		fmt.Fprintf(t.out, "* %s\n", status)
	}

	for _, message := range messages {
		if t.printed[message.ID] {
			continue
		}
		t.printed[message.ID] = true

		switch {
		case message.IsOptimistic():
			fmt.Fprintf(t.out, "%s (sending)\n", formatMessage(message))
		case message.SenderID == t.self:
			// Our own canonical copy was already shown while it was pending.
		default:
			fmt.Fprintln(t.out, formatMessage(message))
		}
	}

	if failed := rolledBack - t.rolledBack; failed > 0 {
		fmt.Fprintf(t.out, "! %d message(s) were not delivered\n", failed)
	}
	t.rolledBack = rolledBack
}

func (t *transcript) printConversation(messages []models.ChatMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(messages) == 0 {
		fmt.Fprintln(t.out, "(no messages)")
		return
	}
	for _, message := range messages {
		t.printed[message.ID] = true
		fmt.Fprintln(t.out, formatMessage(message))
	}
}

func formatMessage(message models.ChatMessage) string {
	return fmt.Sprintf("[%s] %s -> %s: %s",
		message.CreatedAt.Local().Format("15:04"), message.SenderID, message.ReceiverID, message.Body)
}
