package profile

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/lingo-exchange/client/internal/errs"
	"github.com/zhouzirui/lingo-exchange/client/internal/model/profile"
	profileService "github.com/zhouzirui/lingo-exchange/client/internal/service/profile"
	"github.com/zhouzirui/lingo-exchange/client/pkg/utils"
)

// Profiles 是处理器依赖的资料操作。
type Profiles interface {
	UpdateProfile(ctx context.Context, u profile.Update) error
	UploadAvatar(ctx context.Context, filename string, data []byte) (string, error)
	CompleteOnboarding(ctx context.Context, u profile.Update) error
}

// Current 返回本地保存的资料副本。
type Current interface {
	Profile() (profile.Profile, bool)
}

// Handler 个人资料的HTTP处理器
type Handler struct {
	profiles Profiles
	current  Current
}

// New 创建资料处理器
func New(profiles Profiles, current Current) *Handler {
	return &Handler{profiles: profiles, current: current}
}

// RegisterRoutes 注册资料相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/profile", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Patch("/", h.handleUpdate)
		r.Post("/avatar", h.handleAvatar)
		r.Post("/onboarding", h.handleOnboarding)
	})
}

func (h *Handler) respondProfile(w http.ResponseWriter) {
	p, ok := h.current.Profile()
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "profile not loaded")
		return
	}
	utils.RespondJSON(w, http.StatusOK, p)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	h.respondProfile(w)
}

// handleUpdate 只写入请求体中出现的字段
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var update profile.Update
	if !utils.DecodeJSON(w, r, &update) {
		return
	}
	if err := h.profiles.UpdateProfile(r.Context(), update); err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	h.respondProfile(w)
}

// handleAvatar 上传头像（multipart 字段 avatar）
func (h *Handler) handleAvatar(w http.ResponseWriter, r *http.Request) {
	// 多读 1 字节，超限判断交给服务层。
	r.Body = http.MaxBytesReader(w, r.Body, profileService.MaxAvatarBytes+1<<20)
	file, header, err := r.FormFile("avatar")
	if err != nil {
		// 请求体超过上限时 MaxBytesReader 会中断解析
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			utils.RespondServiceError(w, errs.ErrPayloadTooLarge)
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "avatar file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, profileService.MaxAvatarBytes+1))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read avatar")
		return
	}

	url, err := h.profiles.UploadAvatar(r.Context(), header.Filename, data)
	if err != nil {
		if errors.Is(err, profileService.ErrAvatarOutOfSync) {
			// 文件已上传，返回 URL 供客户端重试写入资料。
			utils.RespondJSON(w, http.StatusBadGateway, map[string]string{
				"error":      err.Error(),
				"avatar_url": url,
			})
			return
		}
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"avatar_url": url})
}

// handleOnboarding 保存引导页填写的资料并标记完成
func (h *Handler) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	var update profile.Update
	if !utils.DecodeJSON(w, r, &update) {
		return
	}
	if err := h.profiles.CompleteOnboarding(r.Context(), update); err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	h.respondProfile(w)
}
