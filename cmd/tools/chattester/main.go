// Command chattester drives the client core against a real backend from the
// terminal: sign in, list conversations, send and follow messages.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/zhouzirui/lingo-exchange/client/internal/app"
	"github.com/zhouzirui/lingo-exchange/client/internal/config"
)

// Flag variables.
var (
	email, password string
	timeout         time.Duration
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "chattester",
	Short:         "Exercise sign-in, conversation sync and messaging against the configured backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&email, "email", "e", os.Getenv("CHATTESTER_EMAIL"),
		"Account email. Defaults to $CHATTESTER_EMAIL.")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", os.Getenv("CHATTESTER_PASSWORD"),
		"Account password. Defaults to $CHATTESTER_PASSWORD.")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 30*time.Second,
		"Upper bound for sign-in and initial loads.")

	rootCmd.AddCommand(signinCmd, conversationsCmd, createCmd, sendCmd, watchCmd, translateCmd)
}

// connect builds the application, restores any session and signs in with the
// flag credentials.
func connect(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("配置加载失败: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		log.Printf("[WARN] 会话恢复失败: %v", err)
	}

	if a.Sessions.Authenticated() {
		return a, nil
	}
	if email == "" || password == "" {
		a.Close()
		return nil, fmt.Errorf("--email and --password are required")
	}

	signCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := a.Sessions.SignIn(signCtx, email, password); err != nil {
		a.Close()
		return nil, fmt.Errorf("sign in: %w", err)
	}
	return a, nil
}

// waitFor blocks until cond holds, re-checking on every signal from watch.
func waitFor(ctx context.Context, watch func() (<-chan struct{}, func()), cond func() bool) error {
	ch, cancel := watch()
	defer cancel()

	ctx, stop := context.WithTimeout(ctx, timeout)
	defer stop()

	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
	return nil
}
