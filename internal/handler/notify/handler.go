package notify

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/lingo-exchange/client/internal/notify"
	"github.com/zhouzirui/lingo-exchange/client/pkg/utils"
)

// Source 提供最近的通知以及新通知的订阅。
type Source interface {
	Recent() []notify.Notice
	Watch() (<-chan notify.Notice, func())
}

// Handler 通过 SSE 推送临时通知
type Handler struct {
	source    Source
	keepAlive time.Duration
}

// New 创建通知处理器
func New(source Source) *Handler {
	return &Handler{source: source, keepAlive: utils.SSEKeepAlive}
}

// RegisterRoutes 注册通知路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/notifications", h.handleStream)
}

// handleStream 先补发最近的通知，再持续推送新通知
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	notices, cancel := h.source.Watch()
	defer cancel()

	flusher, ok := utils.StartSSE(w)
	if !ok {
		return
	}

	for _, n := range h.source.Recent() {
		if err := utils.SendSSEEvent(w, flusher, string(n.Level), n); err != nil {
			return
		}
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case n, open := <-notices:
			if !open {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(n.Level), n); err != nil {
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher); err != nil {
				return
			}
		}
	}
}
