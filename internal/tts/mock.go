package tts

import (
	"context"
	"fmt"
	"os"
	"time"
	"unicode"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type mockSynth struct {
	sampleRate int
	delay      time.Duration
}

// NewMockSynth returns an engine that writes silent WAV audio, a tenth of a
// second per character. Text without letters or digits yields ErrNoAudio.
func NewMockSynth(sampleRate int, delay time.Duration) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &mockSynth{sampleRate: sampleRate, delay: delay}
}

func (m *mockSynth) Format() string { return ".wav" }

func (m *mockSynth) Synthesize(ctx context.Context, req Request) error {
	if !speakable(req.Text) {
		return ErrNoAudio
	}
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}

	file, err := os.Create(req.OutputPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer file.Close()

	frames := len([]rune(req.Text)) * m.sampleRate / 10
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: m.sampleRate},
		Data:           make([]int, frames),
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(file, m.sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func speakable(text string) bool {
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
