package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zhouzirui/lingo-exchange/client/internal/config"
	chatmodel "github.com/zhouzirui/lingo-exchange/client/internal/model/chat"
	"github.com/zhouzirui/lingo-exchange/client/internal/service/chat"
	"github.com/zhouzirui/lingo-exchange/client/internal/service/translate"
)

// Flag variables of the subcommands.
var (
	text, imagePath, translateTo string
	targetLanguage               string
)

var signinCmd = &cobra.Command{
	Use:   "signin",
	Short: "Sign in and print the resulting identity and profile",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		snap := a.Sessions.Snapshot()
		if snap.User == nil {
			return fmt.Errorf("no user after sign in")
		}
		fmt.Printf("user:    %s <%s>\n", snap.User.ID, snap.User.Email)
		if snap.Profile != nil {
			fmt.Printf("profile: %s (onboarding completed: %t)\n", snap.Profile.Username, snap.Profile.OnboardingCompleted)
		}
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List the conversations of the signed-in user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		user, _ := a.Sessions.CurrentUser()
		err = waitFor(cmd.Context(), a.Conversations.Watch, func() bool {
			snap := a.Conversations.Snapshot()
			return snap.UserID == user.ID && !snap.Loading
		})
		if err != nil {
			return fmt.Errorf("load conversations: %w", err)
		}

		for _, conv := range a.Conversations.Snapshot().Conversations {
			fmt.Printf("%s  %s  participants=%s\n",
				conv.ID, conv.CreatedAt.Format("2006-01-02 15:04"), strings.Join(conv.Participants, ","))
		}
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <participant-id>...",
	Short: "Create a conversation with the given participants",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		conv, err := a.Conversations.Create(cmd.Context(), args)
		if err != nil {
			return err
		}
		fmt.Println(conv.ID)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id>",
	Short: "Send a text and/or image message to a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := chat.SendInput{Text: text, TranslateTo: translateTo}
		if imagePath != "" {
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("read image: %w", err)
			}
			in.Image = &chat.Image{Filename: filepath.Base(imagePath), Data: data}
		}

		a, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := openRoom(cmd, a.Room, args[0]); err != nil {
			return err
		}
		msg, err := a.Room.Send(cmd.Context(), in)
		if err != nil {
			return err
		}
		printMessage(msg)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Print the history of a conversation and follow new messages until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		ch, cancel := a.Room.Watch()
		defer cancel()

		if err := openRoom(cmd, a.Room, args[0]); err != nil {
			return err
		}

		printed := make(map[string]struct{})
		for {
			for _, msg := range a.Room.Snapshot().Messages {
				if _, ok := printed[msg.ID]; ok {
					continue
				}
				printed[msg.ID] = struct{}{}
				printMessage(msg)
			}
			select {
			case <-cmd.Context().Done():
				return nil
			case <-ch:
			}
		}
	},
}

var translateCmd = &cobra.Command{
	Use:   "translate <text>",
	Short: "Translate text with the configured Ark model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("配置加载失败: %w", err)
		}
		if !cfg.AI.Enabled() {
			return fmt.Errorf("翻译功能未启用，请先配置 ARK_API_KEY 或 ARK_ACCESS_KEY/ARK_SECRET_KEY")
		}

		chatModel, err := cfg.AI.NewChatModel(cmd.Context())
		if err != nil {
			return err
		}
		svc, err := translate.NewService(cmd.Context(), chatModel)
		if err != nil {
			return err
		}

		out, err := svc.Translate(cmd.Context(), args[0], targetLanguage)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&text, "text", "", "Message text.")
	sendCmd.Flags().StringVar(&imagePath, "image", "", "Path of an image to attach.")
	sendCmd.Flags().StringVar(&translateTo, "translate-to", "", "Translate the text into this language before sending.")
	translateCmd.Flags().StringVar(&targetLanguage, "to", "English", "Target language.")
}

// openRoom opens conversationID and waits for its history to load.
func openRoom(cmd *cobra.Command, room *chat.Room, conversationID string) error {
	if err := room.Open(cmd.Context(), conversationID); err != nil {
		return err
	}
	err := waitFor(cmd.Context(), room.Watch, func() bool {
		snap := room.Snapshot()
		return snap.ConversationID == conversationID && snap.Status == chat.StatusReady
	})
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	return nil
}

func printMessage(msg chatmodel.Message) {
	line := msg.Content
	if msg.IsTranslated {
		line = fmt.Sprintf("%s  (original: %s)", msg.Content, msg.OriginalContent)
	}
	if msg.ImageURL != "" {
		line = strings.TrimSpace(line + "  [image] " + msg.ImageURL)
	}
	fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04:05"), msg.SenderID, line)
}
