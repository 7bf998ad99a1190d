package tts

import (
	"context"
	"errors"
)

// ErrNoAudio is reported when the engine produced no audio for the input,
// usually because the text does not match the voice's language.
var ErrNoAudio = errors.New("no audio produced")

// Request carries everything one synthesis needs.
type Request struct {
	Text       string
	Voice      string
	Rate       string
	Pitch      string
	Volume     string
	OutputPath string
}

// Synthesizer is the contract for producing audio files.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) error
	// Format is the file extension of produced audio, e.g. ".mp3".
	Format() string
}
