package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ambush/internal/pkg/text"
)

const defaultAPIBase = "https://api.telegram.org"

// telegramTextLimit stays under the API's 4096-character message cap.
const telegramTextLimit = 4000

// Telegram pushes armed-profile and execution summaries to a chat or
// channel.
type Telegram struct {
	BotToken string
	ChatID   string
	Client   *http.Client

	apiBase string
	sleepFn func(time.Duration)
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		BotToken: strings.TrimSpace(botToken),
		ChatID:   strings.TrimSpace(chatID),
		Client:   &http.Client{Timeout: 15 * time.Second},
		apiBase:  defaultAPIBase,
		sleepFn:  time.Sleep,
	}
}

// SetAPIBase points the client at a different API host for testing.
func (t *Telegram) SetAPIBase(base string) {
	t.apiBase = strings.TrimSpace(base)
}

// SendText sends a Markdown text message, retrying up to 3 times with a
// linearly growing pause. Oversized messages are truncated rather than
// rejected.
func (t *Telegram) SendText(msg string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram bot_token and chat_id are required")
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.BotToken)

	payload := map[string]any{
		"chat_id":    t.ChatID,
		"text":       text.Truncate(msg, telegramTextLimit),
		"parse_mode": "Markdown",
	}
	body, _ := json.Marshal(payload)

	var lastErr error
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.Client.Do(req)
		if err != nil {
			lastErr = err
			t.sleepFn(time.Duration(i+1) * time.Second)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		lastErr = fmt.Errorf("telegram status=%d", resp.StatusCode)
		t.sleepFn(time.Duration(i+1) * time.Second)
	}
	return lastErr
}
