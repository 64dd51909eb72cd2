package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID. An empty apiBase selects DefaultTelegramAPI.
func NewTelegramSender(apiBase, token, chatID string) *TelegramSender {
	if apiBase == "" {
		apiBase = DefaultTelegramAPI
	}
	return &TelegramSender{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		chatID:  chatID,
		client:  newHTTPClient(),
	}
}

// Send posts a message to the configured chat using sendMessage.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	return postJSON(ctx, t.client, t.Name(), url, map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	})
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
