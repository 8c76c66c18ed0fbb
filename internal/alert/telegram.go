package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"trade-terminal/internal/config"
)

const (
	telegramMaxRunes   = 4096
	telegramReplyLimit = 4096
)

// TelegramNotifier posts alerts to a chat through the Bot API sendMessage method, at most one
// message per second.
type TelegramNotifier struct {
	endpoint string
	chatID   string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewTelegramNotifier returns nil when the channel is disabled; a nil notifier drops messages.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	if !cfg.Enabled {
		return nil
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		endpoint: base + "/bot" + cfg.BotToken + "/sendMessage",
		chatID:   cfg.ChatID,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

type sendMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type botReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(sendMessage{
		ChatID:                t.chatID,
		Text:                  truncateMessage(msg, telegramMaxRunes),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, telegramReplyLimit))
	return checkReply(resp.StatusCode, raw)
}

// checkReply accepts any 2xx whose body is not an explicit {"ok":false}.
func checkReply(status int, raw []byte) error {
	var reply botReply
	parsed := len(raw) > 0 && json.Unmarshal(raw, &reply) == nil
	if status/100 == 2 && (!parsed || reply.OK) {
		return nil
	}
	desc := strings.TrimSpace(reply.Description)
	if !parsed {
		desc = strings.TrimSpace(string(raw))
	}
	if reply.Parameters.RetryAfter > 0 {
		return fmt.Errorf("telegram status=%d: %s (retry after %ds)", status, desc, reply.Parameters.RetryAfter)
	}
	return fmt.Errorf("telegram status=%d: %s", status, desc)
}

func truncateMessage(msg string, limit int) string {
	runes := []rune(msg)
	if len(runes) <= limit {
		return msg
	}
	return string(runes[:limit-1]) + "…"
}
