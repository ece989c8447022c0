package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"cite-hand/config"
)

// Client kapselt einen OpenAI-kompatiblen Chat-Completion-Endpunkt als Judge.
type Client struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewClient erstellt einen neuen OpenAI-Judge.
func NewClient(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY ist nicht konfiguriert")
	}
	clientConfig := openai.DefaultConfig(cfg.OpenAIAPIKey)
	clientConfig.BaseURL = strings.TrimSuffix(cfg.OpenAIBaseURL, "/")

	return &Client{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.OpenAIModel,
		logger: logger.Named("openai"),
	}, nil
}

// Complete schickt den Prompt als einzelne User-Message.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		c.logger.Error("Judge request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	c.logger.Debug("Judge request completed",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)))

	return resp.Choices[0].Message.Content, nil
}

// Name gibt den Provider-Namen zurück.
func (c *Client) Name() string {
	return "openai"
}
