// Package translate turns chat text into another language with an LLM chain.
package translate

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/lingo-exchange/client/internal/errs"
)

const systemPrompt = `You are a translator for a language exchange chat.
Translate the user's message into %s.
Keep the tone, names and emoji of the original. Reply with the translation only, without quotes or explanations.`

// Service translates text through a prompt template and chat model chain.
type Service struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewService compiles the translation chain around chatModel.
func NewService(ctx context.Context, chatModel model.ChatModel) (*Service, error) {
	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{text}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile translation chain: %w", err)
	}
	return &Service{chain: runnable}, nil
}

// Translate returns text rendered in targetLanguage.
func (s *Service) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	text = strings.TrimSpace(text)
	targetLanguage = strings.TrimSpace(targetLanguage)
	if text == "" {
		return "", fmt.Errorf("%w: nothing to translate", errs.ErrValidation)
	}
	if targetLanguage == "" {
		return "", fmt.Errorf("%w: target language is required", errs.ErrValidation)
	}

	response, err := s.chain.Invoke(ctx, map[string]any{
		"system": fmt.Sprintf(systemPrompt, targetLanguage),
		"text":   text,
	})
	if err != nil {
		return "", fmt.Errorf("failed to run translation chain: %w", err)
	}

	translated := strings.TrimSpace(response.Content)
	if translated == "" {
		return "", fmt.Errorf("translation to %s came back empty", targetLanguage)
	}
	log.Printf("[translate] translated %d chars into %s", len(text), targetLanguage)
	return translated, nil
}
