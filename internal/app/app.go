// Package app assembles the platform clients and synchronizers of the client
// core.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/zhouzirui/lingo-exchange/client/internal/config"
	"github.com/zhouzirui/lingo-exchange/client/internal/handler"
	authmodel "github.com/zhouzirui/lingo-exchange/client/internal/model/auth"
	"github.com/zhouzirui/lingo-exchange/client/internal/notify"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/auth"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/realtime"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/rest"
	"github.com/zhouzirui/lingo-exchange/client/internal/platform/storage"
	"github.com/zhouzirui/lingo-exchange/client/internal/repository"
	"github.com/zhouzirui/lingo-exchange/client/internal/service/chat"
	"github.com/zhouzirui/lingo-exchange/client/internal/service/guard"
	"github.com/zhouzirui/lingo-exchange/client/internal/service/profile"
	"github.com/zhouzirui/lingo-exchange/client/internal/service/session"
	"github.com/zhouzirui/lingo-exchange/client/internal/service/translate"
)

// App owns every long-lived component.
type App struct {
	Auth     *auth.Client
	Realtime *realtime.Client
	Storage  *storage.Client

	Notices       *notify.Center
	Navigator     *guard.Recorder
	Sessions      *session.Store
	Profiles      *profile.Service
	Conversations *chat.Conversations
	Room          *chat.Room
	Translator    *translate.Service

	identity chan *authmodel.User
	done     chan struct{}
}

// New builds the application from cfg. Nothing touches the network until
// Start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	authClient := auth.New(cfg.Backend.URL, cfg.Backend.AnonKey)
	db := rest.New(cfg.Backend.URL, cfg.Backend.AnonKey, authClient)
	objects := storage.New(cfg.Backend.URL, cfg.Backend.AnonKey, authClient)

	rtOpts := realtime.DefaultOptions()
	rtOpts.HeartbeatInterval = cfg.Backend.HeartbeatInterval
	live, err := realtime.New(cfg.Backend.URL, cfg.Backend.AnonKey, authClient, rtOpts)
	if err != nil {
		return nil, fmt.Errorf("create realtime client: %w", err)
	}

	a := &App{
		Auth:      authClient,
		Realtime:  live,
		Storage:   objects,
		Notices:   notify.NewCenter(0),
		Navigator: &guard.Recorder{},
		identity:  make(chan *authmodel.User, 8),
		done:      make(chan struct{}),
	}

	if cfg.AI.Enabled() {
		chatModel, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			log.Printf("warning: failed to initialize translation model: %v", err)
		} else if a.Translator, err = translate.NewService(ctx, chatModel); err != nil {
			log.Printf("warning: failed to initialize translation service: %v", err)
		} else {
			log.Println("translation service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过翻译功能初始化")
	}

	profiles := repository.NewProfiles(db)
	chats := repository.NewChat(db)
	feed := chat.RealtimeFeed{Client: live}

	a.Sessions = session.NewStore(authClient, profiles, session.Options{
		RedirectURL:    cfg.Backend.RedirectURL,
		Notifier:       a.Notices,
		Navigator:      a.Navigator,
		OnTokenRefresh: live.SetAuth,
	})
	a.Profiles = profile.NewService(a.Sessions, profiles, objects, a.Notices, cfg.Backend.AvatarBucket)
	a.Conversations = chat.NewConversations(chats, feed, a.Sessions, a.Notices)

	roomOpts := chat.RoomOptions{
		Images:   objects,
		Bucket:   cfg.Backend.ChatImageBucket,
		Notifier: a.Notices,
	}
	if a.Translator != nil {
		roomOpts.Translator = a.Translator
	}
	a.Room = chat.NewRoom(chats, feed, a.Sessions, roomOpts)

	a.Sessions.OnIdentity(func(user *authmodel.User) {
		a.identity <- user
	})
	go a.followIdentity(context.WithoutCancel(ctx))
	return a, nil
}

// Start restores the session. Identity changes from then on move the chat
// synchronizers.
func (a *App) Start(ctx context.Context) error {
	return a.Sessions.Start(ctx)
}

// followIdentity moves the chat synchronizers to the signed-in user, one
// change at a time.
func (a *App) followIdentity(ctx context.Context) {
	defer close(a.done)
	for user := range a.identity {
		a.Room.Leave()
		if user == nil {
			log.Printf("[app] signed out, stopping chat sync")
			a.Conversations.Stop()
			continue
		}
		log.Printf("[app] following conversations of %s", user.ID)
		if err := a.Conversations.Start(ctx, user.ID); err != nil {
			log.Printf("[app] failed to start conversation sync: %v", err)
			a.Notices.Error("Failed to load conversations")
		}
	}
}

// Router exposes the local HTTP API.
func (a *App) Router() http.Handler {
	services := handler.Services{
		Sessions:      a.Sessions,
		Navigator:     a.Navigator,
		Profiles:      a.Profiles,
		Profile:       a.Sessions,
		Conversations: a.Conversations,
		Room:          a.Room,
		Notices:       a.Notices,
	}
	if a.Translator != nil {
		services.Translator = a.Translator
	}
	return handler.NewRouter(services)
}

// Close stops the synchronizers and the realtime connection.
func (a *App) Close() {
	a.Sessions.Close()
	close(a.identity)
	<-a.done
	a.Room.Close()
	a.Conversations.Close()
	if err := a.Realtime.Close(); err != nil {
		log.Printf("[app] error closing realtime client: %v", err)
	}
}
