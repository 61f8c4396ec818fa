package notifier

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (c *captureNotifier) SendText(text string) error {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return nil
}

func TestRenderTextLaysOutEventFields(t *testing.T) {
	at := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	text := renderText(Event{
		Severity:  SeverityCritical,
		AccountID: "acct-1",
		Kind:      "circuit_breaker",
		Message:   "daily_loss limit breached; all positions liquidated",
		At:        at,
	})
	assert.Contains(t, text, "[CRITICAL] circuit_breaker (acct-1)")
	assert.Contains(t, text, "daily_loss limit breached")
	assert.Contains(t, text, "2026-08-24 11:00:00 UTC")

	// No account, no timestamp: headline and body only.
	text = renderText(Event{Severity: SeverityInfo, Kind: "breaker_reset", Message: "reset"})
	assert.Equal(t, "[INFO] breaker_reset\nreset", text)
}

func TestDispatcherDeliversToTextSink(t *testing.T) {
	dst := &captureNotifier{}
	d := NewDispatcher(8, TextSink{Notifier: dst})

	d.Publish(Event{Severity: SeverityWarning, Kind: "risk_warning", AccountID: "acct-1", Message: "80% of daily limit"})
	d.Close()

	dst.mu.Lock()
	defer dst.mu.Unlock()
	require.Len(t, dst.texts, 1)
	assert.Contains(t, dst.texts[0], "[WARNING] risk_warning (acct-1)")
}

func TestTelegramSendsFormEncodedMessage(t *testing.T) {
	var gotPath, gotChat, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotPath = r.URL.Path
		gotChat = r.PostForm.Get("chat_id")
		gotText = r.PostForm.Get("text")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("tok-123", "chat-9")
	tg.apiBase = srv.URL
	require.NoError(t, tg.SendText("[INFO] breaker_reset\nreset"))

	assert.Equal(t, "/bottok-123/sendMessage", gotPath)
	assert.Equal(t, "chat-9", gotChat)
	assert.Contains(t, gotText, "breaker_reset")
}

func TestTelegramRequiresCredentials(t *testing.T) {
	tg := NewTelegram("", "")
	assert.Error(t, tg.SendText("anything"))
}
