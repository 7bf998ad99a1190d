package stt

import (
	"context"
	"fmt"
	"os"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, audioPath string, language string) ([]Segment, error) {
	info, err := os.Stat(audioPath)
	if err != nil {
		return nil, fmt.Errorf("stat audio: %w", err)
	}
	return []Segment{
		{Text: fmt.Sprintf("[%s transcript", language)},
		{Text: fmt.Sprintf("bytes=%d]", info.Size())},
	}, nil
}
