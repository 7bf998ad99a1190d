package stt

import (
	"context"
)

// Segment is one piece of transcript in the order the engine produced it.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start,omitempty"`
	End   float64 `json:"end,omitempty"`
}

// Recognizer abstracts STT backends. language is a two letter hint such as
// "en"; an empty hint lets the engine detect the language.
type Recognizer interface {
	Transcribe(ctx context.Context, audioPath string, language string) ([]Segment, error)
}
