package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/loqalabs/aethra/internal/config"
	"github.com/loqalabs/aethra/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErrs []error
	fileURL  string
	updates  chan tgbotapi.Update
	stopped  bool
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		return tgbotapi.Message{}, err
	}
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetFileDirectURL(string) (string, error) {
	return f.fileURL, nil
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func newTestTransport(b *fakeBot, retries int) *Transport {
	t := newTransport(b, config.TelegramConfig{SendRetries: retries}, newLogger())
	t.backoff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return t
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

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func commandMessage(chat int64, text string, length int) *tgbotapi.Message {
	return &tgbotapi.Message{
		Chat:     &tgbotapi.Chat{ID: chat},
		Text:     text,
		Date:     1700000000,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}},
	}
}

func TestEventFromUpdateCommands(t *testing.T) {
	cases := map[string]protocol.EventKind{
		"/start":    protocol.EventInit,
		"/help":     protocol.EventHelp,
		"/settings": protocol.EventSettings,
		"/language": protocol.EventPromptLanguage,
		"/rate":     protocol.EventPromptRate,
		"/pitch":    protocol.EventPromptPitch,
		"/volume":   protocol.EventPromptVolume,
		"/unknown":  protocol.EventHelp,
	}
	for text, want := range cases {
		ev, ok := EventFromUpdate(tgbotapi.Update{Message: commandMessage(5, text, len(text))})
		require.True(t, ok, text)
		assert.Equal(t, want, ev.Kind, text)
		assert.Equal(t, int64(5), ev.ChatID)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.Timestamp)
	}
}

func TestEventFromUpdateMessages(t *testing.T) {
	chat := &tgbotapi.Chat{ID: 42}

	ev, ok := EventFromUpdate(tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Text: "Привет"}})
	require.True(t, ok)
	assert.Equal(t, protocol.EventText, ev.Kind)
	assert.Equal(t, "Привет", ev.Text)

	ev, ok = EventFromUpdate(tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Voice: &tgbotapi.Voice{FileID: "voice-id"}}})
	require.True(t, ok)
	assert.Equal(t, protocol.EventMedia, ev.Kind)
	assert.Equal(t, protocol.MediaVoice, ev.Media)
	assert.Equal(t, "voice-id", ev.FileRef)
	assert.NoError(t, ev.Validate())

	ev, ok = EventFromUpdate(tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Audio: &tgbotapi.Audio{FileID: "audio-id", FileName: "talk.mp3"}}})
	require.True(t, ok)
	assert.Equal(t, protocol.MediaAudio, ev.Media)
	assert.Equal(t, "talk.mp3", ev.FileName)

	_, ok = EventFromUpdate(tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Sticker: &tgbotapi.Sticker{FileID: "s"}}})
	assert.False(t, ok)
	_, ok = EventFromUpdate(tgbotapi.Update{EditedMessage: &tgbotapi.Message{Chat: chat, Text: "edit"}})
	assert.False(t, ok)
}

func TestEventFromUpdateCallback(t *testing.T) {
	ev, ok := EventFromUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		Data:    "lang:ru-RU",
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 42}},
	}})
	require.True(t, ok)
	assert.Equal(t, protocol.EventCallback, ev.Kind)
	assert.Equal(t, int64(42), ev.ChatID)
	assert.Equal(t, "lang:ru-RU", ev.Payload)
	assert.Equal(t, "cb-1", ev.CallbackID)

	ev, ok = EventFromUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID: "cb-2", Data: "F", From: &tgbotapi.User{ID: 77},
	}})
	require.True(t, ok)
	assert.Equal(t, int64(77), ev.ChatID)

	_, ok = EventFromUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb-3", From: &tgbotapi.User{ID: 1}}})
	assert.False(t, ok)
}

func TestKeyboardLayout(t *testing.T) {
	opts := func(n int) []protocol.Option {
		out := make([]protocol.Option, n)
		for i := range out {
			out[i] = protocol.Option{Label: "x", Payload: "p"}
		}
		return out
	}
	widths := func(m tgbotapi.InlineKeyboardMarkup) []int {
		var w []int
		for _, row := range m.InlineKeyboard {
			w = append(w, len(row))
		}
		return w
	}

	assert.Equal(t, []int{4, 4}, widths(Keyboard(opts(8))))
	assert.Equal(t, []int{2, 2, 1}, widths(Keyboard(opts(5))))
	assert.Equal(t, []int{2}, widths(Keyboard(opts(2))))

	kb := Keyboard([]protocol.Option{{Label: "Male", Payload: "gender:M"}})
	require.NotNil(t, kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "gender:M", *kb.InlineKeyboard[0][0].CallbackData)
}

func TestSendRetriesTransientErrors(t *testing.T) {
	b := &fakeBot{sendErrs: []error{errors.New("connection reset"), errors.New("timeout")}}
	tr := newTestTransport(b, 3)

	require.NoError(t, tr.SendText(context.Background(), 1, "hello"))
	assert.Len(t, b.sent, 3)
	msg, ok := b.sent[2].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Text)
}

func TestSendStopsOnClientError(t *testing.T) {
	b := &fakeBot{sendErrs: []error{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}}
	tr := newTestTransport(b, 3)

	err := tr.SendText(context.Background(), 1, "hello")
	var apiErr *tgbotapi.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Code)
	assert.Len(t, b.sent, 1)
}

func TestSendGivesUpAfterRetries(t *testing.T) {
	boom := errors.New("bad gateway")
	b := &fakeBot{sendErrs: []error{boom, boom, boom}}
	tr := newTestTransport(b, 1)

	err := tr.SendAudio(context.Background(), 1, "/tmp/x.mp3", "Here is your audio!")
	assert.ErrorIs(t, err, boom)
	assert.Len(t, b.sent, 2)
	audio, ok := b.sent[0].(tgbotapi.AudioConfig)
	require.True(t, ok)
	assert.Equal(t, "Here is your audio!", audio.Caption)
}

func TestSendPromptAttachesKeyboard(t *testing.T) {
	b := &fakeBot{}
	tr := newTestTransport(b, 0)
	require.NoError(t, tr.SendPrompt(context.Background(), 9, "Please choose a voice gender:", []protocol.Option{
		{Label: "Male", Payload: "gender:M"}, {Label: "Female", Payload: "gender:F"},
	}))
	msg := b.sent[0].(tgbotapi.MessageConfig)
	kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	assert.Len(t, kb.InlineKeyboard[0], 2)
}

func TestDownloadMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/file/voice.oga" {
			_, _ = w.Write([]byte("OggS"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	b := &fakeBot{fileURL: srv.URL + "/file/voice.oga"}
	tr := newTestTransport(b, 0)
	data, err := tr.DownloadMedia(context.Background(), "voice-id")
	require.NoError(t, err)
	assert.Equal(t, []byte("OggS"), data)

	b.fileURL = srv.URL + "/file/missing"
	_, err = tr.DownloadMedia(context.Background(), "voice-id")
	assert.Error(t, err)
}

func TestRunDispatchesAndAcksCallbacks(t *testing.T) {
	b := &fakeBot{updates: make(chan tgbotapi.Update, 4)}
	tr := newTestTransport(b, 0)
	sink := &recordingSink{}

	b.updates <- tgbotapi.Update{UpdateID: 1, Message: commandMessage(3, "/start", 6)}
	b.updates <- tgbotapi.Update{UpdateID: 2, CallbackQuery: &tgbotapi.CallbackQuery{
		ID: "cb", Data: "gender:F", Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 3}},
	}}
	b.updates <- tgbotapi.Update{UpdateID: 3, Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 3}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, sink) }()

	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, tr.Healthy())
	cancel()
	require.NoError(t, <-done)

	assert.False(t, tr.Healthy())
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.True(t, b.stopped)
	require.Len(t, b.requests, 1)
	ack, ok := b.requests[0].(tgbotapi.CallbackConfig)
	require.True(t, ok)
	assert.Equal(t, "cb", ack.CallbackQueryID)
}
