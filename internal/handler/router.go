package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/lingo-exchange/client/internal/handler/auth"
	"github.com/zhouzirui/lingo-exchange/client/internal/handler/chat"
	"github.com/zhouzirui/lingo-exchange/client/internal/handler/notify"
	"github.com/zhouzirui/lingo-exchange/client/internal/handler/profile"
	"github.com/zhouzirui/lingo-exchange/client/internal/handler/translate"
	middlewarePkg "github.com/zhouzirui/lingo-exchange/client/internal/middleware"
	notifyCenter "github.com/zhouzirui/lingo-exchange/client/internal/notify"
	"github.com/zhouzirui/lingo-exchange/client/internal/service/guard"
	"github.com/zhouzirui/lingo-exchange/client/pkg/utils"
)

// Services 汇总路由需要的各个同步器。Translator 可以为空。
type Services struct {
	Sessions      auth.Sessions
	Navigator     *guard.Recorder
	Profiles      profile.Profiles
	Profile       profile.Current
	Conversations chat.ConversationList
	Room          chat.Room
	Notices       *notifyCenter.Center
	Translator    translate.Translator
}

// NewRouter wires HTTP routes to the client core.
func NewRouter(s Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		auth.New(s.Sessions, s.Navigator).RegisterRoutes(api)
		profile.New(s.Profiles, s.Profile).RegisterRoutes(api)
		chat.New(s.Conversations, s.Room).RegisterRoutes(api)
		notify.New(s.Notices).RegisterRoutes(api)
		translate.New(s.Translator).RegisterRoutes(api)
	})

	return r
}
