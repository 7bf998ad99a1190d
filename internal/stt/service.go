package stt

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/aethra/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/aethra/stt"

// New builds the recognizer selected by cfg.Mode.
func New(ctx context.Context, cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "whisper":
		client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
		return NewWhisperRecognizer(cfg.Endpoint, cfg.APIKey, cfg.Model, client), nil
	case "gemini":
		return NewGeminiRecognizer(ctx, cfg.APIKey, cfg.Model)
	}
	return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
}

// Service transcribes downloaded chat audio into plain text.
type Service struct {
	recognizer Recognizer
	timeout    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

func NewService(cfg config.STTConfig, recognizer Recognizer, log *slog.Logger) *Service {
	s := &Service{
		recognizer: recognizer,
		timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		logger:     log.With(slog.String("component", "stt-service")),
		tracer:     otel.Tracer(instrumentation),
	}
	hist, err := otel.Meter(instrumentation).Float64Histogram("aethra.stt.duration",
		metric.WithDescription("Time spent transcribing audio"),
		metric.WithUnit("s"))
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	s.duration = hist
	return s
}

// Transcribe recognizes audioPath using the language part of locale
// ("ru-RU" is recognized as "ru") and returns the joined transcript. An
// empty string with a nil error means nothing was heard.
func (s *Service) Transcribe(ctx context.Context, audioPath, locale string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	language := LanguageHint(locale)
	ctx, span := s.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("stt.language", language),
	))
	defer span.End()

	started := time.Now()
	segments, err := s.recognizer.Transcribe(ctx, audioPath, language)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if s.duration != nil {
		s.duration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}

	text := Join(segments)
	span.SetAttributes(attribute.Int("stt.segments", len(segments)))
	s.logger.Debug("audio transcribed",
		slog.String("language", language),
		slog.Int("segments", len(segments)),
		slog.Duration("took", time.Since(started)))
	return text, nil
}

// LanguageHint returns the first two characters of a locale code.
func LanguageHint(locale string) string {
	if len(locale) < 2 {
		return locale
	}
	return locale[:2]
}

// Join concatenates segment texts in order, separated by single spaces.
// Surrounding whitespace is trimmed and blank segments are skipped.
func Join(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
