package chat

import (
	"sort"

	"github.com/noah-isme/chatsync/internal/models"
)

// Merge folds incoming into existing and returns a new slice with exactly one entry per id,
// ordered ascending by CreatedAt. Incoming entries overwrite existing ones with the same id but
// keep the slot of the first insertion, so equal timestamps retain insertion order.
func Merge(existing, incoming []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))

	put := func(msg models.ChatMessage) {
		if pos, ok := index[msg.ID]; ok {
			out[pos] = msg
			return
		}
		index[msg.ID] = len(out)
		out = append(out, msg)
	}

	for _, msg := range existing {
		put(msg)
	}
	for _, msg := range incoming {
		put(msg)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

// Remove returns a copy of messages without the entry carrying id.
func Remove(messages []models.ChatMessage, id string) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == id {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Replace swaps the entry identified by oldID for replacement in one step. The replacement is
// placed by its own CreatedAt.
func Replace(messages []models.ChatMessage, oldID string, replacement models.ChatMessage) []models.ChatMessage {
	return Merge(Remove(messages, oldID), []models.ChatMessage{replacement})
}
