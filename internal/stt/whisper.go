package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// Form field names of the OpenAI compatible transcription endpoint.
const (
	formFieldFile           = "file"
	formFieldModel          = "model"
	formFieldLanguage       = "language"
	formFieldResponseFormat = "response_format"
)

type whisperRecognizer struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
}

type whisperResponse struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// NewWhisperRecognizer talks to an OpenAI compatible /audio/transcriptions
// endpoint and asks for verbose_json so segments come back individually.
func NewWhisperRecognizer(endpoint, apiKey, model string, client *http.Client) Recognizer {
	if client == nil {
		client = http.DefaultClient
	}
	if model == "" {
		model = "whisper-1"
	}
	return &whisperRecognizer{httpClient: client, endpoint: endpoint, apiKey: apiKey, model: model}
}

func (w *whisperRecognizer) Transcribe(ctx context.Context, audioPath string, language string) ([]Segment, error) {
	body, contentType, err := w.buildForm(audioPath, language)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Segments) == 0 && out.Text != "" {
		return []Segment{{Text: out.Text}}, nil
	}
	return out.Segments, nil
}

func (w *whisperRecognizer) buildForm(audioPath, language string) (io.Reader, string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(formFieldFile, filepath.Base(audioPath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("failed to copy file data: %w", err)
	}
	if err := writer.WriteField(formFieldModel, w.model); err != nil {
		return nil, "", fmt.Errorf("failed to write model field: %w", err)
	}
	if language != "" {
		if err := writer.WriteField(formFieldLanguage, language); err != nil {
			return nil, "", fmt.Errorf("failed to write language field: %w", err)
		}
	}
	if err := writer.WriteField(formFieldResponseFormat, "verbose_json"); err != nil {
		return nil, "", fmt.Errorf("failed to write response format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}
