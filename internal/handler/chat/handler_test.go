package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/lingo-exchange/client/internal/errs"
	"github.com/zhouzirui/lingo-exchange/client/internal/model/chat"
	chatService "github.com/zhouzirui/lingo-exchange/client/internal/service/chat"
)

type fakeConversations struct {
	created [][]string
}

func (f *fakeConversations) Snapshot() chatService.ConversationsSnapshot {
	return chatService.ConversationsSnapshot{UserID: "me", Conversations: []chat.Conversation{{ID: "c1"}}}
}

func (f *fakeConversations) Create(_ context.Context, ids []string) (chat.Conversation, error) {
	f.created = append(f.created, ids)
	return chat.Conversation{ID: "c2", Participants: append(ids, "me")}, nil
}

type fakeRoom struct {
	mu      sync.Mutex
	snap    chatService.RoomSnapshot
	sent    []chatService.SendInput
	changes chan struct{}
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{changes: make(chan struct{}, 1)}
}

func (f *fakeRoom) Open(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = chatService.RoomSnapshot{ConversationID: id, Status: chatService.StatusLoading}
	return nil
}

func (f *fakeRoom) Send(_ context.Context, in chatService.SendInput) (chat.Message, error) {
	if strings.TrimSpace(in.Text) == "" && in.Image == nil {
		return chat.Message{}, errs.ErrEmptyMessage
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return chat.Message{ID: "m1", ConversationID: f.snap.ConversationID, Content: in.Text}, nil
}

func (f *fakeRoom) Snapshot() chatService.RoomSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeRoom) Watch() (<-chan struct{}, func()) {
	return f.changes, func() {}
}

func (f *fakeRoom) set(snap chatService.RoomSnapshot) {
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
	f.changes <- struct{}{}
}

func setupRouter() (*chi.Mux, *fakeConversations, *fakeRoom) {
	convs := &fakeConversations{}
	room := newFakeRoom()
	r := chi.NewRouter()
	New(convs, room).RegisterRoutes(r)
	return r, convs, room
}

func TestCreateConversation(t *testing.T) {
	r, convs, _ := setupRouter()
	req := httptest.NewRequest(http.MethodPost, "/conversations/", bytes.NewBufferString(`{"participant_ids":["B"]}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated || len(convs.created) != 1 {
		t.Fatalf("unexpected result %d %v", resp.Code, convs.created)
	}
}

func TestCreateConversationRequiresParticipants(t *testing.T) {
	r, _, _ := setupRouter()
	req := httptest.NewRequest(http.MethodPost, "/conversations/", bytes.NewBufferString(`{}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestMessagesRequireOpenConversation(t *testing.T) {
	r, _, _ := setupRouter()
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversations/c1/messages", nil))
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
}

func TestOpenThenSendJSON(t *testing.T) {
	r, _, room := setupRouter()

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/conversations/c1/open", nil))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", bytes.NewBufferString(`{"text":"hello","translate_to":"es"}`))
	req.Header.Set("Content-Type", "application/json")
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	if room.sent[0].Text != "hello" || room.sent[0].TranslateTo != "es" {
		t.Fatalf("unexpected input %+v", room.sent[0])
	}

	req = httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", bytes.NewBufferString(`{"text":"  "}`))
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", resp.Code)
	}
}

func TestSendMultipartImage(t *testing.T) {
	r, _, room := setupRouter()
	room.snap = chatService.RoomSnapshot{ConversationID: "c1", Status: chatService.StatusReady}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("text", "look")
	part, _ := mw.CreateFormFile("image", "pic.jpg")
	_, _ = part.Write([]byte("jpegdata"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	in := room.sent[0]
	if in.Image == nil || in.Image.Filename != "pic.jpg" || string(in.Image.Data) != "jpegdata" {
		t.Fatalf("unexpected image %+v", in.Image)
	}
}

func TestSendOversizedMultipartBody(t *testing.T) {
	r, _, room := setupRouter()
	room.snap = chatService.RoomSnapshot{ConversationID: "c1", Status: chatService.StatusReady}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("image", "huge.jpg")
	_, _ = part.Write(bytes.Repeat([]byte{0xff}, chatService.MaxImageBytes+2<<20))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", resp.Code, resp.Body.String())
	}
	if len(room.sent) != 0 {
		t.Fatalf("oversized body must not be sent, got %d", len(room.sent))
	}
}

func TestEventsStreamSnapshots(t *testing.T) {
	r, _, room := setupRouter()
	room.snap = chatService.RoomSnapshot{ConversationID: "c1", Status: chatService.StatusLoading}

	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/conversations/c1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	if first.Status != chatService.StatusLoading {
		t.Fatalf("unexpected first snapshot %+v", first)
	}

	room.set(chatService.RoomSnapshot{
		ConversationID: "c1",
		Status:         chatService.StatusReady,
		Messages:       []chat.Message{{ID: "m1", ConversationID: "c1"}},
	})
	second := readEvent(t, reader)
	if second.Status != chatService.StatusReady || len(second.Messages) != 1 {
		t.Fatalf("unexpected second snapshot %+v", second)
	}
}

func readEvent(t *testing.T, reader *bufio.Reader) chatService.RoomSnapshot {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap chatService.RoomSnapshot
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return snap
	}
}
