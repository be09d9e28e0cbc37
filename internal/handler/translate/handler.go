package translate

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/lingo-exchange/client/pkg/utils"
)

// Translator 将文本翻译为目标语言。
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// Handler 翻译助手的HTTP处理器
type Handler struct {
	translator Translator
}

// New 创建翻译处理器；translator 为空时接口返回 503。
func New(translator Translator) *Handler {
	return &Handler{translator: translator}
}

// RegisterRoutes 注册翻译路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/translate", h.handleTranslate)
}

func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	if h.translator == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "translation unavailable")
		return
	}

	var payload struct {
		Text           string `json:"text"`
		TargetLanguage string `json:"target_language"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	translated, err := h.translator.Translate(r.Context(), payload.Text, payload.TargetLanguage)
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"translation":     translated,
		"target_language": payload.TargetLanguage,
	})
}
