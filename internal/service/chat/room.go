package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/lingo-exchange/client/internal/errs"
	"github.com/zhouzirui/lingo-exchange/client/internal/model/chat"
	"github.com/zhouzirui/lingo-exchange/client/internal/notify"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/realtime"
	"github.com/zhouzirui/lingo-exchange/client/internal/repository"
)

const (
	// MaxImageBytes bounds message attachments.
	MaxImageBytes = 5 << 20
	// DefaultImageBucket holds message attachments.
	DefaultImageBucket = "chat_images"

	seenTimeout = 10 * time.Second
)

var (
	// ErrNotReady is returned by Send before the open conversation has loaded.
	ErrNotReady = fmt.Errorf("%w: conversation not ready", errs.ErrConflict)
	// ErrSendInFlight is returned while another send is still running.
	ErrSendInFlight = fmt.Errorf("%w: a message is already being sent", errs.ErrConflict)
)

// Status is the lifecycle of the open conversation.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
)

type (
	roomOpened struct {
		gen            uint64
		conversationID string
		viewerID       string
	}
	roomLeft    struct{ gen uint64 }
	roomFetched struct {
		gen  uint64
		rows []chat.Message
		err  error
	}
	// roomMessage is a live insert or the echo of our own send.
	roomMessage struct {
		gen uint64
		msg chat.Message
	}
	roomSeen struct {
		gen uint64
		ids []string
	}
)

// Image is an attachment to send.
type Image struct {
	Filename string
	Data     []byte
}

// SendInput is one message from the input surface.
type SendInput struct {
	Text  string
	Image *Image
	// TranslateTo, when set, sends a translation and keeps Text as the
	// original content.
	TranslateTo string
}

// RoomSnapshot is a read-only view of the open conversation.
type RoomSnapshot struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	Status         Status         `json:"status"`
	Sending        bool           `json:"sending"`
	Messages       []chat.Message `json:"messages"`
}

// RoomOptions configures a Room.
type RoomOptions struct {
	Images     ImageStore
	Bucket     string
	Translator Translator
	Notifier   notify.Notifier
}

// Room keeps the messages of the open conversation in sync with the backing
// table and its live insert feed.
type Room struct {
	store    Store
	feed     Feed
	identity Identity
	opts     RoomOptions
	now      func() time.Time

	loop    *eventLoop
	signals signals
	gen     atomic.Uint64
	sending atomic.Bool

	openMu sync.Mutex
	stream Stream

	mu             sync.RWMutex
	active         uint64
	conversationID string
	viewerID       string
	status         Status
	messages       []chat.Message
	// pending holds live messages received while the initial fetch runs.
	pending []chat.Message
}

// NewRoom starts the synchronizer loop. Close releases it.
func NewRoom(store Store, feed Feed, identity Identity, opts RoomOptions) *Room {
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	if opts.Bucket == "" {
		opts.Bucket = DefaultImageBucket
	}
	r := &Room{
		store:    store,
		feed:     feed,
		identity: identity,
		opts:     opts,
		now:      time.Now,
		status:   StatusIdle,
	}
	r.loop = newEventLoop(128, r.handle)
	return r
}

// Open switches to conversationID. The previous subscription is closed first;
// the fetch is issued before the new subscription is joined.
func (r *Room) Open(ctx context.Context, conversationID string) error {
	user, ok := r.identity.CurrentUser()
	if !ok {
		return errs.ErrUnauthenticated
	}
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is required", errs.ErrValidation)
	}

	r.openMu.Lock()
	defer r.openMu.Unlock()

	r.closeStreamLocked()
	gen := r.gen.Add(1)
	r.loop.post(roomOpened{gen: gen, conversationID: conversationID, viewerID: user.ID})

	bg := context.WithoutCancel(ctx)
	go func() {
		rows, err := r.store.ListMessages(bg, conversationID)
		r.loop.post(roomFetched{gen: gen, rows: rows, err: err})
	}()

	stream, err := r.feed.Subscribe(ctx, "messages:"+conversationID, realtime.Filter{
		Event:  "INSERT",
		Table:  repository.TableMessages,
		Filter: "conversation_id=eq." + conversationID,
	})
	if err != nil {
		// no live feed: close the room and drop the fetch in flight
		log.Printf("[chat] error subscribing to messages of %s: %v", conversationID, err)
		r.loop.post(roomLeft{gen: r.gen.Add(1)})
		r.opts.Notifier.Error("Failed to open conversation")
		return fmt.Errorf("subscribe messages: %w", err)
	}
	r.stream = stream
	go r.forward(gen, stream)
	return nil
}

// Leave closes the open conversation.
func (r *Room) Leave() {
	r.openMu.Lock()
	defer r.openMu.Unlock()

	r.closeStreamLocked()
	r.loop.post(roomLeft{gen: r.gen.Add(1)})
}

// Close stops the synchronizer for good.
func (r *Room) Close() {
	r.Leave()
	r.loop.stop()
}

func (r *Room) closeStreamLocked() {
	if r.stream == nil {
		return
	}
	if err := r.stream.Close(); err != nil {
		log.Printf("[chat] error closing message subscription: %v", err)
	}
	r.stream = nil
}

func (r *Room) forward(gen uint64, stream Stream) {
	for change := range stream.Events() {
		if change.Type != "INSERT" {
			continue
		}
		var msg chat.Message
		if err := change.Decode(&msg); err != nil {
			log.Printf("[chat] dropping undecodable message: %v", err)
			continue
		}
		if !r.loop.post(roomMessage{gen: gen, msg: msg}) {
			return
		}
	}
}

// Send validates, uploads the optional image and inserts one message. Only
// one send runs at a time.
func (r *Room) Send(ctx context.Context, in SendInput) (chat.Message, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && in.Image == nil {
		return chat.Message{}, errs.ErrEmptyMessage
	}
	if in.Image != nil && len(in.Image.Data) > MaxImageBytes {
		return chat.Message{}, fmt.Errorf("image of %d bytes: %w", len(in.Image.Data), errs.ErrPayloadTooLarge)
	}

	user, ok := r.identity.CurrentUser()
	if !ok {
		return chat.Message{}, errs.ErrUnauthenticated
	}

	r.mu.RLock()
	gen, conversationID, status := r.active, r.conversationID, r.status
	r.mu.RUnlock()
	if status != StatusReady {
		return chat.Message{}, ErrNotReady
	}

	if !r.sending.CompareAndSwap(false, true) {
		return chat.Message{}, ErrSendInFlight
	}
	r.signals.changed()
	defer func() {
		r.sending.Store(false)
		r.signals.changed()
	}()

	row := chat.NewMessage{
		ConversationID: conversationID,
		SenderID:       user.ID,
		Content:        text,
		Seen:           false,
	}

	if in.Image != nil {
		url, err := r.uploadImage(ctx, user.ID, in.Image)
		if err != nil {
			log.Printf("[chat] error uploading image: %v", err)
			r.opts.Notifier.Error("Failed to send message")
			return chat.Message{}, fmt.Errorf("upload image: %w", err)
		}
		row.ImageURL = url
	}

	if in.TranslateTo != "" && text != "" && r.opts.Translator != nil {
		translated, err := r.opts.Translator.Translate(ctx, text, in.TranslateTo)
		switch {
		case err != nil:
			log.Printf("[chat] translation to %s failed, sending original: %v", in.TranslateTo, err)
		case translated != "" && translated != text:
			row.Content = translated
			row.OriginalContent = text
			row.IsTranslated = true
		}
	}

	msg, err := r.store.InsertMessage(ctx, row)
	if err != nil {
		log.Printf("[chat] error sending message: %v", err)
		r.opts.Notifier.Error("Failed to send message")
		return chat.Message{}, err
	}

	r.loop.post(roomMessage{gen: gen, msg: msg})
	return msg, nil
}

func (r *Room) uploadImage(ctx context.Context, userID string, img *Image) (string, error) {
	if r.opts.Images == nil {
		return "", errors.New("image storage not configured")
	}
	objectPath := ImagePath(userID, img.Filename, r.now())
	if err := r.opts.Images.Upload(ctx, r.opts.Bucket, objectPath, img.Data, "", false); err != nil {
		return "", err
	}
	return r.opts.Images.PublicURL(r.opts.Bucket, objectPath), nil
}

// ImagePath names an attachment by sender and upload time.
func ImagePath(userID, filename string, at time.Time) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if ext == "" {
		ext = "png"
	}
	return fmt.Sprintf("%s/%d.%s", userID, at.UnixMilli(), ext)
}

// Snapshot returns the open conversation.
func (r *Room) Snapshot() RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RoomSnapshot{
		ConversationID: r.conversationID,
		Status:         r.status,
		Sending:        r.sending.Load(),
		Messages:       append([]chat.Message(nil), r.messages...),
	}
}

// Watch signals every change of the open conversation until cancel is
// called.
func (r *Room) Watch() (<-chan struct{}, func()) {
	return r.signals.watch()
}

func (r *Room) handle(ev any) {
	switch ev := ev.(type) {
	case roomOpened:
		r.mu.Lock()
		r.active = ev.gen
		r.conversationID = ev.conversationID
		r.viewerID = ev.viewerID
		r.status = StatusLoading
		r.messages, r.pending = nil, nil
		r.mu.Unlock()

	case roomLeft:
		r.mu.Lock()
		r.active = ev.gen
		r.conversationID, r.viewerID = "", ""
		r.status = StatusIdle
		r.messages, r.pending = nil, nil
		r.mu.Unlock()

	case roomFetched:
		if !r.applyFetched(ev) {
			return
		}

	case roomMessage:
		if !r.applyMessage(ev) {
			return
		}

	case roomSeen:
		r.mu.Lock()
		if ev.gen != r.active {
			r.mu.Unlock()
			return
		}
		markSeen(r.messages, ev.ids)
		r.mu.Unlock()
	}
	r.signals.changed()
}

func (r *Room) applyFetched(ev roomFetched) bool {
	r.mu.Lock()
	if ev.gen != r.active {
		r.mu.Unlock()
		log.Printf("[chat] discarding stale message fetch")
		return false
	}

	messages := orderFetched(ev.rows)
	for _, m := range r.pending {
		messages = mergeMessage(messages, m)
	}
	r.messages, r.pending = messages, nil
	r.status = StatusReady

	conversationID, viewerID := r.conversationID, r.viewerID
	var unseen []string
	for _, m := range messages {
		if m.SenderID != viewerID && !m.Seen {
			unseen = append(unseen, m.ID)
		}
	}
	r.mu.Unlock()

	if ev.err != nil {
		log.Printf("[chat] error fetching messages of %s: %v", conversationID, ev.err)
		r.opts.Notifier.Error("Failed to load messages")
		return true
	}

	if len(unseen) > 0 {
		go r.markSeen(ev.gen, unseen, func(ctx context.Context) error {
			return r.store.MarkConversationSeen(ctx, conversationID, viewerID)
		})
	}
	return true
}

func (r *Room) applyMessage(ev roomMessage) bool {
	r.mu.Lock()
	if ev.gen != r.active || ev.msg.ConversationID != r.conversationID {
		r.mu.Unlock()
		return false
	}
	if r.status == StatusLoading {
		r.pending = append(r.pending, ev.msg)
		r.mu.Unlock()
		return false
	}
	r.messages = mergeMessage(r.messages, ev.msg)
	fromOther := ev.msg.SenderID != r.viewerID && !isSeen(r.messages, ev.msg.ID)
	r.mu.Unlock()

	if fromOther {
		id := ev.msg.ID
		go r.markSeen(ev.gen, []string{id}, func(ctx context.Context) error {
			return r.store.MarkMessageSeen(ctx, id)
		})
	}
	return true
}

// markSeen runs mark and, on success, flags ids locally. Failures are logged
// only.
func (r *Room) markSeen(gen uint64, ids []string, mark func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), seenTimeout)
	defer cancel()
	if err := mark(ctx); err != nil {
		log.Printf("[chat] error marking messages seen: %v", err)
		return
	}
	r.loop.post(roomSeen{gen: gen, ids: ids})
}
