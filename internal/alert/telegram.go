package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/uoaths/harmony/internal/config"
)

const maxTelegramMessage = 4096

type TelegramNotifier struct {
	enabled  bool
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

func NewTelegramNotifier(enabled bool, botToken, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		enabled:  enabled,
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

// NewTelegramNotifierFromConfig returns nil when telegram is disabled, so
// callers can hand the result straight to NewManager.
func NewTelegramNotifierFromConfig(cfg config.TelegramConfig) Notifier {
	if !cfg.Enabled {
		return nil
	}
	return NewTelegramNotifier(true, cfg.BotToken, cfg.ChatID, cfg.APIBaseURL, time.Duration(cfg.TimeoutSec)*time.Second)
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil || !t.enabled {
		return nil
	}
	body, err := json.Marshal(telegramSendMessageRequest{
		ChatID:                t.chatID,
		Text:                  truncateMessage(msg, maxTelegramMessage),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}
	retryAfter, err := t.post(ctx, body)
	if retryAfter <= 0 {
		return err
	}
	// one retry when telegram asks for it and ctx leaves room
	timer := time.NewTimer(retryAfter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-timer.C:
	}
	_, err = t.post(ctx, body)
	return err
}

// post sends one request. A positive duration means telegram throttled the
// call and asked to wait that long.
func (t *TelegramNotifier) post(ctx context.Context, body []byte) (time.Duration, error) {
	endpoint := t.baseURL + "/bot" + t.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed telegramSendMessageResponse
	decoded := len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil
	if resp.StatusCode == http.StatusTooManyRequests {
		err := fmt.Errorf("telegram throttled: %s", strings.TrimSpace(parsed.Description))
		return time.Duration(parsed.Parameters.RetryAfter) * time.Second, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if decoded && !parsed.OK {
		return 0, fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return 0, nil
}

// truncateMessage cuts msg to at most limit runes.
func truncateMessage(msg string, limit int) string {
	if utf8.RuneCountInString(msg) <= limit {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:limit-3]) + "..."
}

type telegramSendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type telegramSendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}
