package stt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// contentGenerator is the part of genai.Models the recognizer uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type geminiRecognizer struct {
	models contentGenerator
	model  string
}

// NewGeminiRecognizer transcribes by sending the audio inline to Gemini.
func NewGeminiRecognizer(ctx context.Context, apiKey, model string) (Recognizer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGeminiRecognizer(client.Models, model), nil
}

func newGeminiRecognizer(models contentGenerator, model string) *geminiRecognizer {
	if model == "" || strings.HasPrefix(model, "whisper") {
		model = defaultGeminiModel
	}
	return &geminiRecognizer{models: models, model: model}
}

func (g *geminiRecognizer) Transcribe(ctx context.Context, audioPath string, language string) ([]Segment, error) {
	audioBytes, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	prompt := "Transcribe this audio verbatim. Reply with the transcript only."
	if language != "" {
		prompt = fmt.Sprintf("Transcribe this audio verbatim. The spoken language is %q (ISO 639-1). Reply with the transcript only.", language)
	}

	resp, err := g.models.GenerateContent(ctx, g.model, []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: prompt},
				{InlineData: &genai.Blob{Data: audioBytes, MIMEType: audioMIMEType(audioPath)}},
			},
		},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("generation error: %w", err)
	}

	var segments []Segment
	if resp != nil && len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part != nil && part.Text != "" {
					segments = append(segments, Segment{Text: part.Text})
				}
			}
		}
	}
	return segments, nil
}

func audioMIMEType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ogg", ".oga", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".flac":
		return "audio/flac"
	}
	return "application/octet-stream"
}
