package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/aethra/internal/config"
	"github.com/loqalabs/aethra/internal/eventstore"
	"github.com/loqalabs/aethra/internal/files"
	"github.com/loqalabs/aethra/internal/protocol"
	"github.com/loqalabs/aethra/internal/session"
	"github.com/loqalabs/aethra/internal/stt"
	"github.com/loqalabs/aethra/internal/tables"
	"github.com/loqalabs/aethra/internal/tts"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sent struct {
	kind    string
	chatID  int64
	text    string
	options []protocol.Option
	path    string
	caption string
	existed bool
}

type fakeTransport struct {
	mu           sync.Mutex
	sent         []sent
	media        map[string][]byte
	failAudio    error
	failDownload error
}

func (f *fakeTransport) record(s sent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, s)
}

func (f *fakeTransport) SendText(_ context.Context, chatID int64, text string) error {
	f.record(sent{kind: "text", chatID: chatID, text: text})
	return nil
}

func (f *fakeTransport) SendPrompt(_ context.Context, chatID int64, text string, options []protocol.Option) error {
	f.record(sent{kind: "prompt", chatID: chatID, text: text, options: options})
	return nil
}

func (f *fakeTransport) SendAudio(_ context.Context, chatID int64, path, caption string) error {
	_, err := os.Stat(path)
	f.record(sent{kind: "audio", chatID: chatID, path: path, caption: caption, existed: err == nil})
	return f.failAudio
}

func (f *fakeTransport) DownloadMedia(_ context.Context, fileRef string) ([]byte, error) {
	if f.failDownload != nil {
		return nil, f.failDownload
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.media[fileRef]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

// messages returns what was sent to chatID, optionally filtered by kind.
func (f *fakeTransport) messages(chatID int64, kind string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.sent {
		if s.chatID == chatID && (kind == "" || s.kind == kind) {
			out = append(out, s)
		}
	}
	return out
}

type fakeSynth struct {
	mu    sync.Mutex
	reqs  []tts.Request
	err   error
	delay time.Duration
}

func (f *fakeSynth) Format() string { return ".mp3" }

func (f *fakeSynth) Synthesize(ctx context.Context, req tts.Request) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(req.OutputPath, []byte("ID3"+req.Text), 0o600)
}

func (f *fakeSynth) requests() []tts.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tts.Request(nil), f.reqs...)
}

type fakeRecognizer struct {
	mu       sync.Mutex
	segments []stt.Segment
	err      error
	language string
	path     string
	existed  bool
}

func (f *fakeRecognizer) Transcribe(_ context.Context, audioPath string, language string) ([]stt.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, statErr := os.Stat(audioPath)
	f.language = language
	f.path = audioPath
	f.existed = statErr == nil
	return f.segments, f.err
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []eventstore.Entry
}

func (f *fakeRecorder) Append(_ context.Context, e eventstore.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeRecorder) outcomes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Kind+":"+e.Outcome)
	}
	return out
}

type harness struct {
	router    *Router
	catalog   *tables.Catalog
	store     *session.Store
	files     *files.Manager
	transport *fakeTransport
	synth     *fakeSynth
	rec       *fakeRecognizer
	recorder  *fakeRecorder
}

func newHarness(t *testing.T, cfg config.RouterConfig) *harness {
	t.Helper()
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 4
	}
	catalog := tables.Default()
	fm, err := files.New(t.TempDir(), newLogger())
	require.NoError(t, err)

	h := &harness{
		catalog:   catalog,
		store:     session.NewStore(catalog),
		files:     fm,
		transport: &fakeTransport{media: map[string][]byte{}},
		synth:     &fakeSynth{},
		rec:       &fakeRecognizer{},
		recorder:  &fakeRecorder{},
	}
	speaker := tts.NewService(config.TTSConfig{TimeoutMS: 5000}, h.synth, fm, newLogger())
	transcriber := stt.NewService(config.STTConfig{TimeoutMS: 5000}, h.rec, newLogger())
	h.router = New(context.Background(), cfg, Options{
		Catalog:     catalog,
		Store:       h.store,
		Files:       fm,
		Speaker:     speaker,
		Transcriber: transcriber,
		Transport:   h.transport,
		Recorder:    h.recorder,
	}, newLogger())
	t.Cleanup(h.router.Close)
	return h
}

func (h *harness) handle(t *testing.T, ev protocol.Event) error {
	t.Helper()
	return h.router.Handle(context.Background(), ev)
}

func (h *harness) mustHandle(t *testing.T, ev protocol.Event) {
	t.Helper()
	require.NoError(t, h.handle(t, ev))
}

func initEvent(chat int64) protocol.Event {
	return protocol.Event{ChatID: chat, Kind: protocol.EventInit}
}

func textEvent(chat int64, text string) protocol.Event {
	return protocol.Event{ChatID: chat, Kind: protocol.EventText, Text: text}
}

func callbackEvent(chat int64, payload string) protocol.Event {
	return protocol.Event{ChatID: chat, Kind: protocol.EventCallback, Payload: payload}
}

func voiceEvent(chat int64, ref string) protocol.Event {
	return protocol.Event{ChatID: chat, Kind: protocol.EventMedia, Media: protocol.MediaVoice, FileRef: ref}
}
