package repository

import (
	"context"
	"fmt"

	"github.com/zhouzirui/lingo-exchange/client/internal/model/chat"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/rest"
)

// Chat reads and writes conversation and message rows.
type Chat struct {
	db *rest.Client
}

// NewChat wraps db.
func NewChat(db *rest.Client) *Chat {
	return &Chat{db: db}
}

// ListConversations returns the conversations userID participates in, newest
// first.
func (r *Chat) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	var rows []chat.Conversation
	err := r.db.From(TableConversations).
		Contains("participants", userID).
		Order("created_at", false).
		Get(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return rows, nil
}

// CreateConversation inserts a conversation with the given participants.
func (r *Chat) CreateConversation(ctx context.Context, participants []string) (chat.Conversation, error) {
	var created chat.Conversation
	row := map[string][]string{"participants": participants}
	if err := r.db.From(TableConversations).Single().Insert(ctx, row, &created); err != nil {
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return created, nil
}

// ListMessages returns the messages of conversationID, oldest first.
func (r *Chat) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var rows []chat.Message
	err := r.db.From(TableMessages).
		Eq("conversation_id", conversationID).
		Order("created_at", true).
		Get(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", conversationID, err)
	}
	return rows, nil
}

// InsertMessage stores msg and returns the row with its id and timestamp.
func (r *Chat) InsertMessage(ctx context.Context, msg chat.NewMessage) (chat.Message, error) {
	var created chat.Message
	if err := r.db.From(TableMessages).Single().Insert(ctx, msg, &created); err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return created, nil
}

// MarkConversationSeen flags every unseen message of conversationID not sent
// by viewerID as seen.
func (r *Chat) MarkConversationSeen(ctx context.Context, conversationID, viewerID string) error {
	err := r.db.From(TableMessages).
		Eq("conversation_id", conversationID).
		Neq("sender_id", viewerID).
		Eq("seen", "false").
		Update(ctx, map[string]bool{"seen": true})
	if err != nil {
		return fmt.Errorf("mark conversation %s seen: %w", conversationID, err)
	}
	return nil
}

// MarkMessageSeen flags one message as seen. Already seen rows are untouched.
func (r *Chat) MarkMessageSeen(ctx context.Context, messageID string) error {
	err := r.db.From(TableMessages).
		Eq("id", messageID).
		Eq("seen", "false").
		Update(ctx, map[string]bool{"seen": true})
	if err != nil {
		return fmt.Errorf("mark message %s seen: %w", messageID, err)
	}
	return nil
}
