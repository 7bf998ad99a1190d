package bustransport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/aethra/internal/objectstore"
	"github.com/loqalabs/aethra/internal/protocol"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recordingSink) Dispatch(ev protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) snapshot() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.events...)
}

func setup(t *testing.T) (*nats.Conn, *objectstore.Store, *Transport) {
	t.Helper()
	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := conn.JetStream()
	require.NoError(t, err)
	media, err := objectstore.New(js, "TEST_MEDIA", time.Minute)
	require.NoError(t, err)

	return conn, media, New(conn, media, "aethra", newLogger())
}

func TestRunDispatchesInboundEvents(t *testing.T) {
	conn, _, tr := setup(t)
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, sink) }()
	require.Eventually(t, tr.Healthy, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Publish("aethra.event.42", []byte(`{"kind":"text","text":"Привет"}`)))
	require.NoError(t, conn.Publish("aethra.event.42", []byte(`{"chat_id":7,"kind":"init"}`)))
	require.NoError(t, conn.Publish("aethra.event.43", []byte(`not json`)))
	require.NoError(t, conn.Flush())

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	ev := sink.snapshot()[0]
	assert.Equal(t, int64(42), ev.ChatID)
	assert.Equal(t, protocol.EventText, ev.Kind)
	assert.Equal(t, "Привет", ev.Text)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, tr.Healthy())
}

func TestRepliesArePublished(t *testing.T) {
	conn, media, tr := setup(t)
	sub, err := conn.SubscribeSync("aethra.reply.42")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, tr.SendText(ctx, 42, "hello world"))
	require.NoError(t, tr.SendPrompt(ctx, 42, "Please choose a voice gender:", []protocol.Option{{Label: "Male", Payload: "gender:M"}}))

	audio := filepath.Join(t.TempDir(), "42-req.mp3")
	require.NoError(t, os.WriteFile(audio, []byte("ID3data"), 0o600))
	require.NoError(t, tr.SendAudio(ctx, 42, audio, "Here is your audio!"))

	var replies []protocol.Outbound
	for i := 0; i < 3; i++ {
		msg, err := sub.NextMsg(2 * time.Second)
		require.NoError(t, err)
		var out protocol.Outbound
		require.NoError(t, json.Unmarshal(msg.Data, &out))
		replies = append(replies, out)
	}

	assert.Equal(t, protocol.OutboundText, replies[0].Kind)
	assert.Equal(t, "hello world", replies[0].Text)
	assert.Equal(t, protocol.OutboundPrompt, replies[1].Kind)
	assert.Equal(t, "gender:M", replies[1].Options[0].Payload)
	assert.Equal(t, protocol.OutboundAudio, replies[2].Kind)
	assert.Equal(t, "Here is your audio!", replies[2].Caption)
	assert.Equal(t, "audio/42/42-req.mp3", replies[2].AudioRef)

	data, err := media.Download(ctx, replies[2].AudioRef)
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3data"), data)
}

func TestDownloadMedia(t *testing.T) {
	_, media, tr := setup(t)
	ctx := context.Background()
	require.NoError(t, media.Upload(ctx, "voice/1/note.ogg", "audio/ogg", []byte("OggS")))

	data, err := tr.DownloadMedia(ctx, "voice/1/note.ogg")
	require.NoError(t, err)
	assert.Equal(t, []byte("OggS"), data)

	_, err = media.Download(ctx, "voice/1/note.ogg")
	assert.ErrorIs(t, err, objectstore.ErrNotFound, "inbound media should be consumed")

	_, err = tr.DownloadMedia(ctx, "voice/1/missing.ogg")
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}
