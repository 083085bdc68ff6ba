package ingest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcopier/engine"
)

const firstBatch = `{"ok":true,"result":[
 {"update_id":10,"channel_post":{"message_id":5,"date":1767225600,"chat":{"id":-1001234,"type":"channel"},"text":"BUY EURUSD @ 1.2000 SL 1.1950"}},
 {"update_id":11,"channel_post":{"message_id":6,"date":1767225660,"chat":{"id":-1001234,"type":"channel"},"photo":[{"file_id":"a","file_unique_id":"b","width":1,"height":1}]}},
 {"update_id":12,"channel_post":{"message_id":7,"date":1767225720,"chat":{"id":-1001234,"type":"channel"},"caption":"move SL to BE","reply_to_message":{"message_id":5,"date":1767225600,"chat":{"id":-1001234,"type":"channel"}}}}
]}`

type fakeBotAPI struct {
	mu      sync.Mutex
	offsets []string
}

func (f *fakeBotAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"copier","username":"copier_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			require.NoError(t, r.ParseForm())
			f.mu.Lock()
			f.offsets = append(f.offsets, r.FormValue("offset"))
			first := len(f.offsets) == 1
			f.mu.Unlock()
			if first {
				io.WriteString(w, firstBatch)
				return
			}
			time.Sleep(5 * time.Millisecond)
			io.WriteString(w, `{"ok":true,"result":[]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeBotAPI) seenOffset(v string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.offsets {
		if o == v {
			return true
		}
	}
	return false
}

func TestTelegramSourceEmitsChannelPosts(t *testing.T) {
	fake := &fakeBotAPI{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	src, err := NewTelegramSource("TOKEN", srv.URL+"/bot%s/%s", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan engine.Message, 4)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	first := <-out
	assert.Equal(t, "-1001234", first.ChannelID)
	assert.Equal(t, "5", first.MessageID)
	assert.Empty(t, first.ReplyTo)
	assert.Equal(t, "BUY EURUSD @ 1.2000 SL 1.1950", first.Text)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), first.Timestamp)

	// 没有文字的图片消息被跳过
	second := <-out
	assert.Equal(t, "7", second.MessageID)
	assert.Equal(t, "5", second.ReplyTo)
	assert.Equal(t, "move SL to BE", second.Text)

	require.Eventually(t, func() bool { return fake.seenOffset("13") }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop")
	}
}

func TestNewTelegramSourceRequiresToken(t *testing.T) {
	_, err := NewTelegramSource("", "", 0)
	assert.Error(t, err)
}
