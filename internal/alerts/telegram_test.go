package alerts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBotAPI answers getMe and records sendMessage calls
type fakeBotAPI struct {
	mu       sync.Mutex
	chats    []string
	failChat string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"filtertune","username":"filtertune_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		_ = r.ParseForm()
		chat := r.PostForm.Get("chat_id")
		if chat == f.failChat {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		f.mu.Lock()
		f.chats = append(f.chats, chat)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":` + chat + `,"type":"private"},"text":"ok"}}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBotAPI) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.chats...)
}

func newFakeTelegram(t *testing.T, api *fakeBotAPI, chatIDs []int64) *TelegramAlerter {
	t.Helper()
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	alerter, err := newTelegramAlerter("test-token", server.URL+"/bot%s/%s", chatIDs)
	require.NoError(t, err)
	return alerter
}

func TestNewTelegramAlerter_RequiresToken(t *testing.T) {
	_, err := NewTelegramAlerter("", []int64{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bot token is required")
}

func TestTelegramAlerter_Send(t *testing.T) {
	api := &fakeBotAPI{}
	alerter := newFakeTelegram(t, api, []int64{100, 200})
	assert.Equal(t, []int64{100, 200}, alerter.ChatIDs())

	err := alerter.Send(context.Background(), Alert{
		Title:     "Search complete",
		Message:   "done",
		Severity:  SeverityInfo,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"100", "200"}, api.sentTo())
}

func TestTelegramAlerter_PartialFailure(t *testing.T) {
	api := &fakeBotAPI{failChat: "200"}
	alerter := newFakeTelegram(t, api, []int64{100, 200})

	err := alerter.Send(context.Background(), Alert{Title: "t", Message: "m", Severity: SeverityWarning})
	require.NoError(t, err, "one delivered chat is enough")
	assert.Equal(t, []string{"100"}, api.sentTo())
}

func TestTelegramAlerter_AllChatsFail(t *testing.T) {
	api := &fakeBotAPI{failChat: "200"}
	alerter := newFakeTelegram(t, api, []int64{200})

	err := alerter.Send(context.Background(), Alert{Title: "t", Message: "m", Severity: SeverityCritical})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send alert to any chat")
}

func TestTelegramAlerter_NoChats(t *testing.T) {
	api := &fakeBotAPI{}
	alerter := newFakeTelegram(t, api, nil)

	require.NoError(t, alerter.Send(context.Background(), Alert{Title: "t"}))
	assert.Empty(t, api.sentTo())
}
