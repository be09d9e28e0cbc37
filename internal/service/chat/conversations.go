package chat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/zhouzirui/lingo-exchange/client/internal/errs"
	"github.com/zhouzirui/lingo-exchange/client/internal/model/chat"
	"github.com/zhouzirui/lingo-exchange/client/internal/notify"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/realtime"
	"github.com/zhouzirui/lingo-exchange/client/internal/repository"
)

type (
	convStarted struct {
		gen    uint64
		userID string
	}
	convStopped struct{ gen uint64 }
	convChanged struct{ gen uint64 }
	convFetched struct {
		gen  uint64
		rows []chat.Conversation
		err  error
	}
	convCreated struct {
		gen  uint64
		conv chat.Conversation
	}
)

// ConversationsSnapshot is a read-only view of the conversation list.
type ConversationsSnapshot struct {
	UserID        string              `json:"user_id,omitempty"`
	Loading       bool                `json:"loading"`
	Conversations []chat.Conversation `json:"conversations"`
}

// Conversations keeps the conversation list of the signed-in user in sync
// with the backing table.
type Conversations struct {
	store    Store
	feed     Feed
	identity Identity
	notifier notify.Notifier

	loop    *eventLoop
	signals signals
	gen     atomic.Uint64

	subMu  sync.Mutex
	stream Stream

	mu      sync.RWMutex
	active  uint64
	userID  string
	loading bool
	list    []chat.Conversation
}

// NewConversations starts the synchronizer loop. Call Start once an identity
// is available and Close on shutdown.
func NewConversations(store Store, feed Feed, identity Identity, notifier notify.Notifier) *Conversations {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	c := &Conversations{
		store:    store,
		feed:     feed,
		identity: identity,
		notifier: notifier,
	}
	c.loop = newEventLoop(64, c.handle)
	return c
}

// Start fetches the conversations of userID and follows changes to them.
// Results still in flight for a previous user are discarded.
func (c *Conversations) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return errs.ErrUnauthenticated
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.closeStreamLocked()
	gen := c.gen.Add(1)
	c.loop.post(convStarted{gen: gen, userID: userID})
	c.fetch(ctx, gen, userID)

	stream, err := c.feed.Subscribe(ctx, repository.TableConversations, realtime.Filter{
		Event:  "*",
		Table:  repository.TableConversations,
		Filter: "participants=cs.{" + userID + "}",
	})
	if err != nil {
		log.Printf("[chat] error subscribing to conversations of %s: %v", userID, err)
		c.loop.post(convStopped{gen: c.gen.Add(1)})
		return fmt.Errorf("subscribe conversations: %w", err)
	}
	c.stream = stream
	go c.forward(gen, stream)
	return nil
}

// Stop drops the list and its subscription.
func (c *Conversations) Stop() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.closeStreamLocked()
	c.loop.post(convStopped{gen: c.gen.Add(1)})
}

// Close stops the synchronizer for good.
func (c *Conversations) Close() {
	c.Stop()
	c.loop.stop()
}

func (c *Conversations) closeStreamLocked() {
	if c.stream == nil {
		return
	}
	if err := c.stream.Close(); err != nil {
		log.Printf("[chat] error closing conversation subscription: %v", err)
	}
	c.stream = nil
}

// Create inserts a conversation between the signed-in user and
// participantIDs. The participant set is de-duplicated and always contains
// the current user.
func (c *Conversations) Create(ctx context.Context, participantIDs []string) (chat.Conversation, error) {
	user, ok := c.identity.CurrentUser()
	if !ok {
		return chat.Conversation{}, errs.ErrUnauthenticated
	}

	conv, err := c.store.CreateConversation(ctx, chat.NormalizeParticipants(participantIDs, user.ID))
	if err != nil {
		log.Printf("[chat] error creating conversation: %v", err)
		c.notifier.Error("Failed to create conversation")
		return chat.Conversation{}, err
	}

	c.loop.post(convCreated{gen: c.gen.Load(), conv: conv})
	return conv, nil
}

// Snapshot returns the current list.
func (c *Conversations) Snapshot() ConversationsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConversationsSnapshot{
		UserID:        c.userID,
		Loading:       c.loading,
		Conversations: append([]chat.Conversation(nil), c.list...),
	}
}

// Watch signals every change of the list until cancel is called.
func (c *Conversations) Watch() (<-chan struct{}, func()) {
	return c.signals.watch()
}

func (c *Conversations) fetch(ctx context.Context, gen uint64, userID string) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		rows, err := c.store.ListConversations(ctx, userID)
		c.loop.post(convFetched{gen: gen, rows: rows, err: err})
	}()
}

func (c *Conversations) forward(gen uint64, stream Stream) {
	for change := range stream.Events() {
		log.Printf("[chat] conversation change received: %s", change.Type)
		if !c.loop.post(convChanged{gen: gen}) {
			return
		}
	}
}

func (c *Conversations) handle(ev any) {
	switch ev := ev.(type) {
	case convStarted:
		c.mu.Lock()
		c.active, c.userID, c.loading, c.list = ev.gen, ev.userID, true, nil
		c.mu.Unlock()

	case convStopped:
		c.mu.Lock()
		c.active, c.userID, c.loading, c.list = ev.gen, "", false, nil
		c.mu.Unlock()

	case convChanged:
		c.mu.RLock()
		current, userID := c.active, c.userID
		c.mu.RUnlock()
		if ev.gen != current {
			return
		}
		// any change refetches the whole list
		c.fetch(context.Background(), ev.gen, userID)
		return

	case convFetched:
		c.mu.Lock()
		if ev.gen != c.active {
			c.mu.Unlock()
			return
		}
		c.loading = false
		if ev.err == nil {
			c.list = ev.rows
		}
		c.mu.Unlock()
		if ev.err != nil {
			log.Printf("[chat] error fetching conversations: %v", ev.err)
			c.notifier.Error("Failed to load conversations")
		}

	case convCreated:
		c.mu.Lock()
		if ev.gen != c.active {
			c.mu.Unlock()
			return
		}
		c.list = upsertConversation(c.list, ev.conv)
		c.mu.Unlock()
	}
	c.signals.changed()
}
