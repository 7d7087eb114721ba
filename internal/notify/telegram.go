// Package notify relays error alerts to Telegram. Incoming Sentry
// webhooks are signature-checked, condensed into a readable message,
// and forwarded to a configured chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// TelegramClient posts messages through the Bot API.
type TelegramClient struct {
	httpClient *resty.Client
	chatID     string
	logger     *slog.Logger
}

// telegramResponse is the envelope the Bot API wraps every reply in.
type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewTelegramClient creates a client for one bot and one target chat.
func NewTelegramClient(botToken, chatID string, logger *slog.Logger) *TelegramClient {
	client := resty.New().
		SetBaseURL("https://api.telegram.org/bot" + botToken).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &TelegramClient{
		httpClient: client,
		chatID:     chatID,
		logger:     logger,
	}
}

// SendMessage posts one text message to the configured chat.
func (c *TelegramClient) SendMessage(ctx context.Context, text string) error {
	body := map[string]any{
		"chat_id": c.chatID,
		"text":    text,
	}

	var response telegramResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&response).
		Post("/sendMessage")
	if err != nil {
		return fmt.Errorf("notify: calling telegram: %w", err)
	}
	if !response.OK {
		return fmt.Errorf("notify: telegram rejected message (status %d): %s",
			resp.StatusCode(), response.Description)
	}

	c.logger.Info("telegram alert sent", slog.Int("length", len(text)))
	return nil
}
