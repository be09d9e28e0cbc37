package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/lingo-exchange/client/internal/service/guard"
	"github.com/zhouzirui/lingo-exchange/client/internal/service/session"
	"github.com/zhouzirui/lingo-exchange/client/pkg/utils"
)

// Sessions 是处理器依赖的会话操作。
type Sessions interface {
	SignUp(ctx context.Context, email, password string) error
	SignIn(ctx context.Context, email, password string) error
	SignOut(ctx context.Context) error
	SignInWithProvider(ctx context.Context, provider string) (string, error)
	CompleteProviderSignIn(ctx context.Context, callbackURL string) error
	Snapshot() session.Snapshot
}

// Handler 认证与导航守卫的HTTP处理器
type Handler struct {
	sessions Sessions
	nav      *guard.Recorder
}

// New 创建认证处理器；nav 需与会话存储共用同一个 Recorder。
func New(sessions Sessions, nav *guard.Recorder) *Handler {
	return &Handler{sessions: sessions, nav: nav}
}

// RegisterRoutes 注册认证相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", h.handleSignUp)
		r.Post("/signin", h.handleSignIn)
		r.Post("/signout", h.handleSignOut)
		r.Get("/state", h.handleState)
		r.Get("/oauth/{provider}", h.handleOAuth)
		r.Get("/callback", h.handleCallbackPage)
		r.Post("/callback", h.handleCallback)
	})
	r.Get("/guard", h.handleGuard)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// stateResponse 携带会话快照以及会话存储请求的跳转目标。
type stateResponse struct {
	State    session.Snapshot `json:"state"`
	Redirect guard.Route      `json:"redirect,omitempty"`
}

func (h *Handler) respondState(w http.ResponseWriter, status int) {
	resp := stateResponse{State: h.sessions.Snapshot()}
	if h.nav != nil {
		resp.Redirect, _ = h.nav.Take()
	}
	utils.RespondJSON(w, status, resp)
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentials, bool) {
	var payload credentials
	if !utils.DecodeJSON(w, r, &payload) {
		return payload, false
	}
	payload.Email = strings.TrimSpace(payload.Email)
	if payload.Email == "" || payload.Password == "" {
		utils.RespondError(w, http.StatusBadRequest, "email and password are required")
		return payload, false
	}
	return payload, true
}

// handleSignUp 注册新账号，需通过邮件验证后才能登录
func (h *Handler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	if err := h.sessions.SignUp(r.Context(), payload.Email, payload.Password); err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, map[string]string{"status": "verification_sent"})
}

// handleSignIn 邮箱密码登录
func (h *Handler) handleSignIn(w http.ResponseWriter, r *http.Request) {
	payload, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	if err := h.sessions.SignIn(r.Context(), payload.Email, payload.Password); err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	h.respondState(w, http.StatusOK)
}

// handleSignOut 退出登录；远端失败时本地状态仍会被清空
func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.SignOut(r.Context()); err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	h.respondState(w, http.StatusOK)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	h.respondState(w, http.StatusOK)
}

// handleOAuth 跳转到第三方登录页面
func (h *Handler) handleOAuth(w http.ResponseWriter, r *http.Request) {
	target, err := h.sessions.SignInWithProvider(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// callbackPage 把只存在于浏览器中的 URL 片段回传给服务端。
const callbackPage = `<!doctype html>
<html><body>
<script>
fetch(window.location.pathname, {
  method: "POST",
  headers: {"Content-Type": "application/json"},
  body: JSON.stringify({url: window.location.href})
}).then(function (r) { return r.json(); })
  .then(function (body) { window.location.replace(body.redirect || "/login"); });
</script>
</body></html>`

func (h *Handler) handleCallbackPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(callbackPage))
}

// handleCallback 用回调 URL 中的令牌完成第三方登录
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		URL string `json:"url"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.URL) == "" {
		utils.RespondError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := h.sessions.CompleteProviderSignIn(r.Context(), payload.URL); err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	h.respondState(w, http.StatusOK)
}

// handleGuard 判断页面导航应放行、等待还是跳转
func (h *Handler) handleGuard(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	protected, _ := strconv.ParseBool(query.Get("protected"))

	decision := guard.Decide(h.sessions.Snapshot().GuardState(), guard.Request{
		Path:        query.Get("path"),
		RequireAuth: protected,
	})
	utils.RespondJSON(w, http.StatusOK, decision)
}
