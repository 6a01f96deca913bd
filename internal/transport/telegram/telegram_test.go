package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "pillpal/internal/transport"
	logx "pillpal/pkg/logx"
)

type fakeBotAPI struct {
	mu    sync.Mutex
	calls []map[string]any
	fail  map[string]bool // chat_id -> reject
}

func (f *fakeBotAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		f.mu.Lock()
		f.calls = append(f.calls, body)
		n := len(f.calls)
		reject := f.fail[body["chat_id"].(string)]
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if reject {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":` + strconv.Itoa(n) + `,"date":1,"chat":{"id":1,"type":"private"},"text":"ok"}}`))
	}
}

func newTestSender(t *testing.T, api *fakeBotAPI, cfg Config) *Sender {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	cfg.Token = "123:abc"
	cfg.APIURL = srv.URL
	s, err := New(cfg, logx.Nop())
	require.NoError(t, err)
	return s
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)
}

func TestSendReminderToEveryChat(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{}
	s := newTestSender(t, api, Config{ChatIDs: []int64{42, 43}, ThreadID: 7})

	require.NoError(t, s.SendReminder(context.Background(), "Medication reminder 09:00"))
	require.Len(t, api.calls, 2)
	assert.Equal(t, "42", api.calls[0]["chat_id"])
	assert.Equal(t, "43", api.calls[1]["chat_id"])
	assert.Equal(t, "Medication reminder 09:00", api.calls[0]["text"])
	assert.Equal(t, "7", api.calls[0]["message_thread_id"])
}

func TestSendReminderContinuesPastFailedChat(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{fail: map[string]bool{"42": true}}
	s := newTestSender(t, api, Config{ChatIDs: []int64{42, 43}})

	err := s.SendReminder(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat 42")
	assert.Len(t, api.calls, 2)
}

func TestSendReminderWithoutChats(t *testing.T) {
	t.Parallel()
	s := newTestSender(t, &fakeBotAPI{}, Config{})
	assert.Error(t, s.SendReminder(context.Background(), "hello"))
}

func TestSendTextStopsOnCanceledContext(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{}
	s := newTestSender(t, api, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SendText(ctx, kit.ChatTarget{ChatID: 1}, "hi", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, api.calls)
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	chunks := splitText("aaaa\nbbbb\ncccc", 10)
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, chunks)

	long := strings.Repeat("x", 25)
	chunks = splitText(long, 10)
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Repeat("x", 5), chunks[2])
}

func TestSendReminderEscapesHTML(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{}
	s := newTestSender(t, api, Config{ChatIDs: []int64{5}, ParseMode: "HTML"})

	require.NoError(t, s.SendReminder(context.Background(), "Take <Vitamin D> & water"))
	require.Len(t, api.calls, 1)
	assert.Equal(t, "Take &lt;Vitamin D&gt; &amp; water", api.calls[0]["text"])
	assert.Equal(t, "HTML", api.calls[0]["parse_mode"])
}
