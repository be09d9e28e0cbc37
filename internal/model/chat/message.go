package chat

import "time"

// Message is a row of the messages table.
type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	SenderID        string    `json:"sender_id"`
	Content         string    `json:"content"`
	ImageURL        string    `json:"image_url,omitempty"`
	IsTranslated    bool      `json:"is_translated,omitempty"`
	OriginalContent string    `json:"original_content,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Seen            bool      `json:"seen"`
}

// NewMessage is the insert payload for a message; id and created_at are
// assigned by the backing store.
type NewMessage struct {
	ConversationID  string `json:"conversation_id"`
	SenderID        string `json:"sender_id"`
	Content         string `json:"content"`
	ImageURL        string `json:"image_url,omitempty"`
	IsTranslated    bool   `json:"is_translated,omitempty"`
	OriginalContent string `json:"original_content,omitempty"`
	Seen            bool   `json:"seen"`
}
