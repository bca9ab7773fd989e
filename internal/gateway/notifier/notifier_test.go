package notifier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTelegram(handler http.Handler) (*Telegram, *httptest.Server) {
	srv := httptest.NewServer(handler)
	tg := NewTelegram("token-1", "chat-1")
	tg.SetAPIBase(srv.URL)
	tg.sleepFn = func(time.Duration) {}
	return tg, srv
}

func TestSendTextPostsToBotEndpoint(t *testing.T) {
	var gotPath atomic.Value
	tg, srv := newTestTelegram(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	require.NoError(t, tg.SendText("armed"))
	assert.Equal(t, "/bottoken-1/sendMessage", gotPath.Load())
}

func TestSendTextRetriesThreeTimes(t *testing.T) {
	var hits atomic.Int32
	tg, srv := newTestTelegram(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := tg.SendText("armed")
	assert.ErrorContains(t, err, "status=502")
	assert.Equal(t, int32(3), hits.Load())
}

func TestSendTextRecoversMidRetry(t *testing.T) {
	var hits atomic.Int32
	tg, srv := newTestTelegram(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	assert.NoError(t, tg.SendText("armed"))
	assert.Equal(t, int32(2), hits.Load())
}

func TestSendTextRequiresConfig(t *testing.T) {
	tg := NewTelegram("", "")
	assert.Error(t, tg.SendText("x"))
}

func TestSendTextTruncatesOversizedMessage(t *testing.T) {
	var got atomic.Value
	tg, srv := newTestTelegram(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		got.Store(payload.Text)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	require.NoError(t, tg.SendText(strings.Repeat("x", 5000)))
	sent, _ := got.Load().(string)
	assert.Equal(t, telegramTextLimit+3, len(sent))
	assert.True(t, strings.HasSuffix(sent, "..."))
}

func TestRenderMarkdown(t *testing.T) {
	msg := StructuredMessage{
		Icon:  "\U0001F3AF",
		Title: "Run finished",
		Sections: []MessageSection{
			{Title: "Outcomes", Lines: []string{"op-1 ok", "", "op-2 failed"}},
			{Title: "Empty", Lines: []string{"   "}},
		},
		Footer:    "profile alpha",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	text := msg.RenderMarkdown()
	assert.Contains(t, text, "Run finished")
	assert.Contains(t, text, "- op-1 ok")
	assert.Contains(t, text, "- op-2 failed")
	assert.NotContains(t, text, "Empty")
	assert.Contains(t, text, "profile alpha")
	assert.Contains(t, text, "2026-03-01")
}

func TestRenderMarkdownEscapesCodeFence(t *testing.T) {
	msg := StructuredMessage{
		Title:    "x",
		Sections: []MessageSection{{Lines: []string{"bad ``` fence"}}},
	}
	assert.Contains(t, msg.RenderMarkdown(), "'''")
}

func TestRenderMarkdownClampsLength(t *testing.T) {
	long := make([]string, 0, 400)
	for i := 0; i < 400; i++ {
		long = append(long, "a line that repeats enough to overflow the telegram limit")
	}
	msg := StructuredMessage{Title: "big", Sections: []MessageSection{{Lines: long}}}
	assert.LessOrEqual(t, len(msg.RenderMarkdown()), maxStructuredMessageLen+3)
}
