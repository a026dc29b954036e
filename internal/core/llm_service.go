package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	chatSystemInstruction = "You are a helpful assistant that uses provided context to answer questions accurately."

	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."

	geminiRoleUser  = "user"
	geminiRoleModel = "model"
)

type LLMConfig struct {
	APIKey          string
	ChatModel       string
	EmbeddingModel  string
	MaxOutputTokens int32
}

// LLMService is the Gemini-backed ChatModel.
type LLMService struct {
	client *genai.Client
	cfg    LLMConfig
	logger zerolog.Logger
}

func NewLLMService(ctx context.Context, cfg LLMConfig, logger zerolog.Logger) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &LLMService{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "llm").Logger(),
	}, nil
}

func (s *LLMService) Close() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing GenAI client")
		return
	}
	s.logger.Info().Msg("GenAI client closed")
}

// Embed returns the query embedding for text.
func (s *LLMService) Embed(ctx context.Context, text string) ([]float32, error) {
	em := s.client.EmbeddingModel(s.cfg.EmbeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, errors.New("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

// StreamChat sends prompt after history and forwards every text part of the
// streamed response to onDelta.
func (s *LLMService) StreamChat(ctx context.Context, system string, history []ChatMessage, prompt string, onDelta func(string) error) error {
	model := s.client.GenerativeModel(s.cfg.ChatModel)
	if system == "" {
		system = chatSystemInstruction
	}
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	if s.cfg.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(s.cfg.MaxOutputTokens)
	}

	session := model.StartChat()
	for _, m := range history {
		role := geminiRoleUser
		if m.Role == RoleAssistant {
			role = geminiRoleModel
		}
		session.History = append(session.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	iter := session.SendMessageStream(ctx, genai.Text(prompt))
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gemini stream failed: %w", err)
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				txt, ok := part.(genai.Text)
				if !ok || txt == "" {
					continue
				}
				if err := onDelta(string(txt)); err != nil {
					return err
				}
			}
		}
	}
}

// GenerateTitle names a conversation from its first question.
func (s *LLMService) GenerateTitle(ctx context.Context, basis string) (string, error) {
	model := s.client.GenerativeModel(s.cfg.ChatModel)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(titleSystemInstruction)}}
	model.SetTemperature(0.3)
	model.SetMaxOutputTokens(20)

	prompt := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with or is about: %q.", basis)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini title generation request failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("LLM did not generate a title (empty response)")
	}

	var title strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			title.WriteString(string(txt))
		}
	}
	cleaned := cleanTitle(title.String())
	if cleaned == "" {
		return "", errors.New("LLM generated an empty title string")
	}
	return cleaned, nil
}

func cleanTitle(s string) string {
	return strings.Trim(s, "\"'\n\r\t .")
}
