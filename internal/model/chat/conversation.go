package chat

import "time"

// Conversation is a row of the conversations table. The participant set is
// fixed at creation.
type Conversation struct {
	ID              string     `json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	Participants    []string   `json:"participants"`
	LastMessage     string     `json:"last_message,omitempty"`
	LastMessageTime *time.Time `json:"last_message_time,omitempty"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// NormalizeParticipants returns the unique, non-empty participant ids in input
// order, with self appended when absent.
func NormalizeParticipants(ids []string, self string) []string {
	seen := make(map[string]struct{}, len(ids)+1)
	out := make([]string, 0, len(ids)+1)
	for _, id := range append(append([]string(nil), ids...), self) {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
