package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/aethra/internal/config"
	"github.com/loqalabs/aethra/internal/files"
	"github.com/loqalabs/aethra/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/aethra/tts"

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, 0), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.Format)
	}
	return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
}

// Service turns a chat's text into an audio file using the chat's voice
// settings.
type Service struct {
	synth    Synthesizer
	files    *files.Manager
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

func NewService(cfg config.TTSConfig, synth Synthesizer, fm *files.Manager, log *slog.Logger) *Service {
	s := &Service{
		synth:   synth,
		files:   fm,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		logger:  log.With(slog.String("component", "tts-service")),
		tracer:  otel.Tracer(instrumentation),
	}
	hist, err := otel.Meter(instrumentation).Float64Histogram("aethra.tts.duration",
		metric.WithDescription("Time spent synthesizing speech"),
		metric.WithUnit("s"))
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	s.duration = hist
	return s
}

// Allocate reserves the output file of one request.
func (s *Service) Allocate(chatID int64, requestID string) (*files.Handle, error) {
	return s.files.Acquire(chatID, requestID, s.synth.Format())
}

// Render synthesizes text into out with the snapshot's voice, rate, pitch and
// volume. ErrNoAudio is returned wrapped, never swallowed.
func (s *Service) Render(ctx context.Context, out *files.Handle, text string, snap session.Session) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.Int64("chat.id", snap.ID),
		attribute.String("tts.voice", snap.Voice),
		attribute.Int("tts.chars", len([]rune(text))),
	))
	defer span.End()

	started := time.Now()
	err := s.synth.Synthesize(ctx, Request{
		Text:       text,
		Voice:      snap.Voice,
		Rate:       snap.Rate,
		Pitch:      snap.Pitch,
		Volume:     snap.Volume,
		OutputPath: out.Path(),
	})
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
		return fmt.Errorf("synthesize: %w", err)
	}
	s.logger.Debug("speech synthesized",
		slog.Int64("chat_id", snap.ID),
		slog.String("voice", snap.Voice),
		slog.Duration("took", time.Since(started)))
	return nil
}

// Speak allocates a fresh file and renders into it. On failure the file is
// already released when Speak returns.
func (s *Service) Speak(ctx context.Context, requestID, text string, snap session.Session) (*files.Handle, error) {
	out, err := s.Allocate(snap.ID, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.Render(ctx, out, text, snap); err != nil {
		_ = out.Release()
		return nil, err
	}
	return out, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
