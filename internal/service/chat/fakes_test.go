package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/lingo-exchange/client/internal/model/auth"
	"github.com/zhouzirui/lingo-exchange/client/internal/model/chat"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/realtime"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

type fakeStore struct {
	mu            sync.Mutex
	conversations map[string][]chat.Conversation
	messages      map[string][]chat.Message
	gates         map[string]chan struct{}
	listCalls     map[string]int

	insertGate chan struct{}
	insertErr  error
	inserted   []chat.NewMessage
	created    [][]string

	seenConversations []string
	seenMessages      []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: map[string][]chat.Conversation{},
		messages:      map[string][]chat.Message{},
		gates:         map[string]chan struct{}{},
		listCalls:     map[string]int{},
	}
}

// gate blocks list calls for key until the returned func is called.
func (f *fakeStore) gate(key string) func() {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[key] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeStore) wait(key string) {
	f.mu.Lock()
	ch := f.gates[key]
	f.listCalls[key]++
	f.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

func (f *fakeStore) calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls[key]
}

func (f *fakeStore) ListConversations(_ context.Context, userID string) ([]chat.Conversation, error) {
	f.wait(userID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Conversation(nil), f.conversations[userID]...), nil
}

func (f *fakeStore) CreateConversation(_ context.Context, participants []string) (chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, participants)
	return chat.Conversation{ID: fmt.Sprintf("c-new-%d", len(f.created)), Participants: participants, CreatedAt: base}, nil
}

func (f *fakeStore) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	f.wait(conversationID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeStore) InsertMessage(_ context.Context, msg chat.NewMessage) (chat.Message, error) {
	f.mu.Lock()
	gate := f.insertGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return chat.Message{}, f.insertErr
	}
	f.inserted = append(f.inserted, msg)
	return chat.Message{
		ID:              fmt.Sprintf("sent-%d", len(f.inserted)),
		ConversationID:  msg.ConversationID,
		SenderID:        msg.SenderID,
		Content:         msg.Content,
		ImageURL:        msg.ImageURL,
		IsTranslated:    msg.IsTranslated,
		OriginalContent: msg.OriginalContent,
		CreatedAt:       at(100 + len(f.inserted)),
		Seen:            msg.Seen,
	}, nil
}

func (f *fakeStore) MarkConversationSeen(_ context.Context, conversationID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seenConversations = append(f.seenConversations, conversationID)
	return nil
}

func (f *fakeStore) MarkMessageSeen(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seenMessages = append(f.seenMessages, id)
	return nil
}

func (f *fakeStore) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

type fakeStream struct {
	mu     sync.Mutex
	events chan realtime.Change
	closed bool
	filter realtime.Filter
}

func (s *fakeStream) Events() <-chan realtime.Change { return s.events }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// push delivers row as a change; it reports false on a closed stream.
func (s *fakeStream) push(t *testing.T, kind string, row any) bool {
	t.Helper()
	raw, err := json.Marshal(row)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- realtime.Change{Type: kind, Record: raw}
	return true
}

type fakeFeed struct {
	mu      sync.Mutex
	streams map[string][]*fakeStream
	err     error
}

func newFakeFeed() *fakeFeed { return &fakeFeed{streams: map[string][]*fakeStream{}} }

func (f *fakeFeed) Subscribe(_ context.Context, name string, filter realtime.Filter) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{events: make(chan realtime.Change, 16), filter: filter}
	f.streams[name] = append(f.streams[name], s)
	return s, nil
}

func (f *fakeFeed) latest(name string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.streams[name]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type fakeIdentity struct{ id string }

func (f fakeIdentity) CurrentUser() (auth.User, bool) {
	if f.id == "" {
		return auth.User{}, false
	}
	return auth.User{ID: f.id}, true
}

type fakeImages struct {
	mu      sync.Mutex
	err     error
	uploads []string
}

func (f *fakeImages) Upload(_ context.Context, bucket, path string, _ []byte, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.uploads = append(f.uploads, bucket+"/"+path)
	return nil
}

func (f *fakeImages) PublicURL(bucket, path string) string {
	return "https://cdn.test/" + bucket + "/" + path
}

type fakeTranslator struct {
	out string
	err error
}

func (f fakeTranslator) Translate(context.Context, string, string) (string, error) {
	return f.out, f.err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func ids(messages []chat.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}
