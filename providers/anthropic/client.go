package anthropic

import (
	"context"
	"fmt"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"

	"cite-hand/config"
)

// Client kapselt die Anthropic Messages-API als Judge.
type Client struct {
	client *anthropic.Client
	model  string
	logger *zap.Logger
}

// NewClient erstellt einen neuen Anthropic-Judge.
func NewClient(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY ist nicht konfiguriert")
	}
	return &Client{
		client: anthropic.NewClient(cfg.AnthropicAPIKey),
		model:  cfg.AnthropicModel,
		logger: logger.Named("anthropic"),
	}, nil
}

// Complete schickt den Prompt als einzelne User-Message.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
				{Type: "text", Text: &prompt},
			}},
		},
	})
	if err != nil {
		c.logger.Error("Judge request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", err
	}

	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			c.logger.Debug("Judge request completed",
				zap.Duration("elapsed", time.Since(start)))
			return *block.Text, nil
		}
	}
	return "", fmt.Errorf("no text block in response")
}

// Name gibt den Provider-Namen zurück.
func (c *Client) Name() string {
	return "anthropic"
}
