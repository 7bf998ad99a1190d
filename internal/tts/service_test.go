package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/loqalabs/aethra/internal/config"
	"github.com/loqalabs/aethra/internal/files"
	"github.com/loqalabs/aethra/internal/session"
	"github.com/loqalabs/aethra/internal/tables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSynth struct {
	req Request
	err error
}

func (r *recordingSynth) Format() string { return ".mp3" }

func (r *recordingSynth) Synthesize(_ context.Context, req Request) error {
	r.req = req
	if r.err != nil {
		return r.err
	}
	return os.WriteFile(req.OutputPath, []byte("ID3"), 0o600)
}

func newService(t *testing.T, synth Synthesizer) (*Service, *files.Manager) {
	t.Helper()
	fm, err := files.New(t.TempDir(), newLogger())
	require.NoError(t, err)
	return NewService(config.TTSConfig{TimeoutMS: 1000}, synth, fm, newLogger()), fm
}

func snapshot(t *testing.T) session.Session {
	t.Helper()
	st := session.NewStore(tables.Default())
	st.CreateOrReset(42)
	s, err := st.Update(42, func(s *session.Session) error {
		s.Language = "ru-RU"
		s.Voice = "ru-RU-SvetlanaNeural"
		return nil
	})
	require.NoError(t, err)
	return s
}

func TestSpeakPassesSessionSettings(t *testing.T) {
	synth := &recordingSynth{}
	svc, fm := newService(t, synth)
	snap := snapshot(t)

	out, err := svc.Speak(context.Background(), "req-1", "Привет", snap)
	require.NoError(t, err)
	t.Cleanup(func() { _ = out.Release() })

	assert.Equal(t, "Привет", synth.req.Text)
	assert.Equal(t, "ru-RU-SvetlanaNeural", synth.req.Voice)
	assert.Equal(t, snap.Rate, synth.req.Rate)
	assert.Equal(t, snap.Pitch, synth.req.Pitch)
	assert.Equal(t, snap.Volume, synth.req.Volume)
	assert.Equal(t, out.Path(), synth.req.OutputPath)
	assert.Equal(t, fm.Path(42, "req-1", ".mp3"), out.Path())
	assert.FileExists(t, out.Path())
}

func TestSpeakPropagatesNoAudioAndCleansUp(t *testing.T) {
	synth := &recordingSynth{err: ErrNoAudio}
	svc, fm := newService(t, synth)

	_, err := svc.Speak(context.Background(), "req-2", "???", snapshot(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoAudio))
	assert.NoFileExists(t, synth.req.OutputPath)
	assert.Equal(t, int64(0), fm.Live())
}

func TestMockSynthWritesWav(t *testing.T) {
	svc, _ := newService(t, NewMockSynth(8000, 0))

	out, err := svc.Speak(context.Background(), "req-3", "hello", snapshot(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = out.Release() })

	data, err := os.ReadFile(out.Path())
	require.NoError(t, err)
	require.Greater(t, len(data), 44)
	assert.Equal(t, "RIFF", string(data[:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
}

func TestMockSynthRejectsUnspeakableText(t *testing.T) {
	svc, _ := newService(t, NewMockSynth(8000, 0))
	_, err := svc.Speak(context.Background(), "req-4", " ... !!", snapshot(t))
	assert.ErrorIs(t, err, ErrNoAudio)
}

func TestNewSelectsEngine(t *testing.T) {
	synth, err := New(config.TTSConfig{Mode: "exec", Command: "edge-tts --proxy 'http://x y'", Format: "mp3"})
	require.NoError(t, err)
	assert.Equal(t, ".mp3", synth.Format())

	_, err = New(config.TTSConfig{Mode: "exec", Command: ""})
	assert.Error(t, err)

	_, err = New(config.TTSConfig{Mode: "nope"})
	assert.Error(t, err)
}
