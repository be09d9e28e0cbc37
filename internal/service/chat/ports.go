package chat

import (
	"context"

	"github.com/zhouzirui/lingo-exchange/client/internal/model/auth"
	"github.com/zhouzirui/lingo-exchange/client/internal/model/chat"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/realtime"
)

// Store is the conversation and message table access the synchronizers need.
type Store interface {
	ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error)
	CreateConversation(ctx context.Context, participants []string) (chat.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	InsertMessage(ctx context.Context, msg chat.NewMessage) (chat.Message, error)
	MarkConversationSeen(ctx context.Context, conversationID, viewerID string) error
	MarkMessageSeen(ctx context.Context, messageID string) error
}

// ImageStore stores message attachments.
type ImageStore interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string, upsert bool) error
	PublicURL(bucket, path string) string
}

// Translator rewrites text into the target language.
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// Identity exposes the signed-in user.
type Identity interface {
	CurrentUser() (auth.User, bool)
}

// Stream is one live change subscription.
type Stream interface {
	Events() <-chan realtime.Change
	Close() error
}

// Feed opens live change subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, name string, filter realtime.Filter) (Stream, error)
}

// RealtimeFeed adapts a realtime client to Feed.
type RealtimeFeed struct {
	Client *realtime.Client
}

func (f RealtimeFeed) Subscribe(ctx context.Context, name string, filter realtime.Filter) (Stream, error) {
	sub, err := f.Client.Subscribe(ctx, name, filter)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
