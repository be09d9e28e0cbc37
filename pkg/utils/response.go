package utils

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/zhouzirui/lingo-exchange/client/internal/errs"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// RespondServiceError 按错误类型映射HTTP状态码并发送错误响应
func RespondServiceError(w http.ResponseWriter, err error) {
	RespondError(w, StatusFor(err), err.Error())
}

// StatusFor 将服务层错误映射为HTTP状态码
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errs.IsRemote(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON 解析请求体，失败时直接写出 400 响应
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
