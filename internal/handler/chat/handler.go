package chat

import (
	"context"
	"errors"
	"io"
	"log"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/lingo-exchange/client/internal/errs"
	"github.com/zhouzirui/lingo-exchange/client/internal/model/chat"
	chatService "github.com/zhouzirui/lingo-exchange/client/internal/service/chat"
	"github.com/zhouzirui/lingo-exchange/client/pkg/utils"
)

// ConversationList 是会话列表同步器的读写接口。
type ConversationList interface {
	Snapshot() chatService.ConversationsSnapshot
	Create(ctx context.Context, participantIDs []string) (chat.Conversation, error)
}

// Room 是当前打开会话的同步器接口。
type Room interface {
	Open(ctx context.Context, conversationID string) error
	Send(ctx context.Context, in chatService.SendInput) (chat.Message, error)
	Snapshot() chatService.RoomSnapshot
	Watch() (<-chan struct{}, func())
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	conversations ConversationList
	room          Room
	keepAlive     time.Duration
}

// New 创建聊天处理器
func New(conversations ConversationList, room Room) *Handler {
	return &Handler{
		conversations: conversations,
		room:          room,
		keepAlive:     utils.SSEKeepAlive,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.handleListConversations)
		r.Post("/", h.handleCreateConversation)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Post("/open", h.handleOpen)
			r.Get("/messages", h.handleMessages)
			r.Post("/messages", h.handleSend)
			r.Get("/events", h.handleEvents)
		})
	})
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.conversations.Snapshot())
}

// handleCreateConversation 创建会话，当前用户总会被加入参与者
func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ParticipantIDs []string `json:"participant_ids"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}
	if len(payload.ParticipantIDs) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "participant_ids is required")
		return
	}

	conv, err := h.conversations.Create(r.Context(), payload.ParticipantIDs)
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, conv)
}

// handleOpen 切换当前会话，消息在后台加载
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	if err := h.room.Open(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, h.room.Snapshot())
}

// roomSnapshot 仅在请求的会话处于打开状态时返回快照。
func (h *Handler) roomSnapshot(w http.ResponseWriter, r *http.Request) (chatService.RoomSnapshot, bool) {
	snap := h.room.Snapshot()
	if snap.ConversationID != chi.URLParam(r, "conversationID") {
		utils.RespondError(w, http.StatusConflict, "conversation is not open")
		return snap, false
	}
	return snap, true
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.roomSnapshot(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, snap)
}

// handleSend 发送消息，支持 JSON 文本或 multipart（text、translate_to、image）
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.roomSnapshot(w, r); !ok {
		return
	}

	in, ok := decodeSendInput(w, r)
	if !ok {
		return
	}

	msg, err := h.room.Send(r.Context(), in)
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, msg)
}

func decodeSendInput(w http.ResponseWriter, r *http.Request) (chatService.SendInput, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var payload struct {
			Text        string `json:"text"`
			TranslateTo string `json:"translate_to"`
		}
		if !utils.DecodeJSON(w, r, &payload) {
			return chatService.SendInput{}, false
		}
		return chatService.SendInput{Text: payload.Text, TranslateTo: payload.TranslateTo}, true
	}

	r.Body = http.MaxBytesReader(w, r.Body, chatService.MaxImageBytes+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			utils.RespondServiceError(w, errs.ErrPayloadTooLarge)
			return chatService.SendInput{}, false
		}
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart body")
		return chatService.SendInput{}, false
	}

	in := chatService.SendInput{
		Text:        r.FormValue("text"),
		TranslateTo: strings.TrimSpace(r.FormValue("translate_to")),
	}

	file, header, err := r.FormFile("image")
	switch {
	case err == http.ErrMissingFile:
		return in, true
	case err != nil:
		utils.RespondError(w, http.StatusBadRequest, "invalid image")
		return in, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, chatService.MaxImageBytes+1))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read image")
		return in, false
	}
	in.Image = &chatService.Image{Filename: header.Filename, Data: data}
	return in, true
}

// handleEvents 以 SSE 推送当前会话的快照，每次状态变化推送一次
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.roomSnapshot(w, r); !ok {
		return
	}

	changes, cancel := h.room.Watch()
	defer cancel()

	flusher, ok := utils.StartSSE(w)
	if !ok {
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	log.Printf("[sse] opening message stream for conversation=%s", conversationID)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	if err := utils.SendSSEEvent(w, flusher, "snapshot", h.room.Snapshot()); err != nil {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] closing message stream for conversation=%s", conversationID)
			return
		case _, open := <-changes:
			if !open {
				return
			}
			snap := h.room.Snapshot()
			if snap.ConversationID != conversationID {
				// 已切换到其他会话，通知客户端后结束。
				_ = utils.SendSSEEvent(w, flusher, "closed", map[string]string{"conversation_id": conversationID})
				return
			}
			if err := utils.SendSSEEvent(w, flusher, "snapshot", snap); err != nil {
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher); err != nil {
				return
			}
		}
	}
}
