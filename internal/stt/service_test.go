package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/aethra/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scriptedRecognizer struct {
	language string
	segments []Segment
	err      error
}

func (r *scriptedRecognizer) Transcribe(_ context.Context, _ string, language string) ([]Segment, error) {
	r.language = language
	return r.segments, r.err
}

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice.ogg")
	require.NoError(t, os.WriteFile(path, []byte("OggS fake"), 0o600))
	return path
}

func TestTranscribeJoinsSegmentsWithLanguageHint(t *testing.T) {
	rec := &scriptedRecognizer{segments: []Segment{{Text: "hello"}, {Text: "world"}}}
	svc := NewService(config.STTConfig{TimeoutMS: 1000}, rec, newLogger())

	text, err := svc.Transcribe(context.Background(), writeAudio(t), "en-US")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
	assert.Equal(t, "en", rec.language)
}

func TestTranscribeTrimsAndSkipsBlankSegments(t *testing.T) {
	rec := &scriptedRecognizer{segments: []Segment{{Text: " Привет "}, {Text: "  "}, {Text: "мир\n"}}}
	svc := NewService(config.STTConfig{}, rec, newLogger())

	text, err := svc.Transcribe(context.Background(), writeAudio(t), "ru-RU")
	require.NoError(t, err)
	assert.Equal(t, "Привет мир", text)
	assert.Equal(t, "ru", rec.language)
}

func TestTranscribeEmptyIsNotAnError(t *testing.T) {
	svc := NewService(config.STTConfig{}, &scriptedRecognizer{}, newLogger())
	text, err := svc.Transcribe(context.Background(), writeAudio(t), "de-DE")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestTranscribeWrapsEngineError(t *testing.T) {
	boom := errors.New("engine down")
	svc := NewService(config.STTConfig{}, &scriptedRecognizer{err: boom}, newLogger())
	_, err := svc.Transcribe(context.Background(), writeAudio(t), "en-US")
	assert.ErrorIs(t, err, boom)
}

func TestLanguageHint(t *testing.T) {
	assert.Equal(t, "zh", LanguageHint("zh-CN"))
	assert.Equal(t, "e", LanguageHint("e"))
	assert.Equal(t, "", LanguageHint(""))
}

func TestMockRecognizer(t *testing.T) {
	svc := NewService(config.STTConfig{}, NewMockRecognizer(), newLogger())
	text, err := svc.Transcribe(context.Background(), writeAudio(t), "fr-FR")
	require.NoError(t, err)
	assert.Equal(t, "[fr transcript bytes=9]", text)

	_, err = svc.Transcribe(context.Background(), filepath.Join(t.TempDir(), "missing.ogg"), "fr-FR")
	assert.Error(t, err)
}

func TestNewSelectsEngine(t *testing.T) {
	rec, err := New(context.Background(), config.STTConfig{Mode: "whisper", Endpoint: "http://localhost/v1/audio/transcriptions"})
	require.NoError(t, err)
	assert.IsType(t, &whisperRecognizer{}, rec)

	_, err = New(context.Background(), config.STTConfig{Mode: "exec"})
	assert.Error(t, err)

	_, err = New(context.Background(), config.STTConfig{Mode: "telepathy"})
	assert.Error(t, err)
}
