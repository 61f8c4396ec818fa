package notifier

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram delivers alert text to one chat. Events are rendered by
// TextSink before they reach SendText; this type only owns transport.
type Telegram struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPIBase,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// SendText posts one plain-text message, retrying transient failures
// with a short linear backoff.
func (t *Telegram) SendText(text string) error {
	if t.botToken == "" || t.chatID == "" {
		return fmt.Errorf("telegram: bot token and chat id required")
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	form := url.Values{"chat_id": {t.chatID}, "text": {text}}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		resp, err := t.client.PostForm(endpoint, form)
		if err != nil {
			lastErr = err
		} else {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode/100 == 2 {
				return nil
			}
			lastErr = fmt.Errorf("telegram: status %d", resp.StatusCode)
		}
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	return lastErr
}
