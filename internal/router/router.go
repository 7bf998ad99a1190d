// Package router interprets chat events against per-chat sessions and runs
// speech work on behalf of each chat.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/aethra/internal/config"
	"github.com/loqalabs/aethra/internal/eventstore"
	"github.com/loqalabs/aethra/internal/files"
	"github.com/loqalabs/aethra/internal/protocol"
	"github.com/loqalabs/aethra/internal/session"
	"github.com/loqalabs/aethra/internal/tables"
	"github.com/loqalabs/aethra/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const instrumentation = "github.com/loqalabs/aethra/router"

// Options carries the collaborators of a Router. Recorder may be nil.
type Options struct {
	Catalog     *tables.Catalog
	Store       *session.Store
	Files       *files.Manager
	Speaker     Speaker
	Transcriber Transcriber
	Transport   Transport
	Recorder    Recorder
}

// Router owns the per-chat state machine. Events of one chat are applied in
// arrival order through that chat's mailbox; speech work runs on separate
// goroutines bounded by MaxConcurrency overall and by MaxPerChat for any one
// chat, so a busy chat always leaves slots for the others.
type Router struct {
	cfg         config.RouterConfig
	catalog     *tables.Catalog
	store       *session.Store
	files       *files.Manager
	speaker     Speaker
	transcriber Transcriber
	transport   Transport
	recorder    Recorder
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *routerMetrics
	sem         *semaphore.Weighted
	perChat     int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	mailboxes map[int64]*mailbox
	limiters  *lru.Cache[int64, *rate.Limiter]
	shares    map[int64]*share
}

type envelope struct {
	ev       protocol.Event
	received time.Time
}

type mailbox struct {
	queue []envelope
}

// job is the capability part of an event, run off the mailbox. abort undoes
// what apply reserved for it and runs only when run never starts.
type job struct {
	run   func(ctx context.Context) error
	abort func()
}

func (j *job) cancel() {
	if j.abort != nil {
		j.abort()
	}
}

// share is one chat's part of the global slots.
type share struct {
	sem  *semaphore.Weighted
	refs int
}

func New(parent context.Context, cfg config.RouterConfig, opts Options, logger *slog.Logger) *Router {
	ctx, cancel := context.WithCancel(parent)
	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = 1
	}
	r := &Router{
		cfg:         cfg,
		catalog:     opts.Catalog,
		store:       opts.Store,
		files:       opts.Files,
		speaker:     opts.Speaker,
		transcriber: opts.Transcriber,
		transport:   opts.Transport,
		recorder:    opts.Recorder,
		logger:      logger.With(slog.String("component", "router")),
		tracer:      otel.Tracer(instrumentation),
		sem:         semaphore.NewWeighted(int64(limit)),
		perChat:     perChatLimit(cfg.MaxPerChat, limit),
		ctx:         ctx,
		cancel:      cancel,
		mailboxes:   make(map[int64]*mailbox),
		limiters:    newLimiterCache(),
		shares:      make(map[int64]*share),
	}
	r.metrics = newRouterMetrics(r)
	return r
}

// Dispatch queues ev on its chat's mailbox and returns immediately. Errors
// of asynchronous handling are logged and recorded, not returned.
func (r *Router) Dispatch(ev protocol.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	env := r.stamp(ev)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	mb, ok := r.mailboxes[ev.ChatID]
	if !ok {
		mb = &mailbox{}
		r.mailboxes[ev.ChatID] = mb
		r.wg.Add(1)
		go r.drain(ev.ChatID, mb)
	}
	mb.queue = append(mb.queue, env)
	return nil
}

// Handle processes ev synchronously, including any speech work, and returns
// the outcome. Recovered conditions (ErrUninitialized, tts.ErrNoAudio,
// ErrUnrecognizedCallback, ErrRateLimited) have already been answered in the
// chat when they are returned; a *DeliveryError means the transport failed.
func (r *Router) Handle(ctx context.Context, ev protocol.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("handle: %w", err)
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	env := r.stamp(ev)
	ctx, span := r.startSpan(ctx, env.ev)
	work, err := r.apply(ctx, env.ev)
	if err != nil || work == nil {
		return r.finish(ctx, span, env, err)
	}
	release, err := r.acquire(ctx, env.ev.ChatID)
	if err != nil {
		work.cancel()
		return r.finish(ctx, span, env, err)
	}
	defer release()
	return r.finish(ctx, span, env, work.run(ctx))
}

// Close stops accepting events and waits for queued and in-flight work.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
	r.cancel()
	r.metrics.unregister()
}

// Healthy reports whether the router still accepts events.
func (r *Router) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed
}

func (r *Router) stamp(ev protocol.Event) envelope {
	if ev.RequestID == "" {
		ev.RequestID = files.NewRequestID()
	}
	now := time.Now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now.UTC()
	}
	return envelope{ev: ev, received: now}
}

func (r *Router) drain(chatID int64, mb *mailbox) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(mb.queue) == 0 {
			delete(r.mailboxes, chatID)
			r.mu.Unlock()
			return
		}
		env := mb.queue[0]
		mb.queue[0] = envelope{}
		mb.queue = mb.queue[1:]
		r.mu.Unlock()

		ctx, span := r.startSpan(r.ctx, env.ev)
		work, err := r.apply(ctx, env.ev)
		if err != nil || work == nil {
			_ = r.finish(ctx, span, env, err)
			continue
		}
		r.spawn(ctx, span, env, work)
	}
}

func (r *Router) spawn(ctx context.Context, span trace.Span, env envelope, work *job) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		release, err := r.acquire(ctx, env.ev.ChatID)
		if err != nil {
			work.cancel()
			_ = r.finish(ctx, span, env, err)
			return
		}
		defer release()
		_ = r.finish(ctx, span, env, work.run(ctx))
	}()
}

// perChatLimit keeps at least one global slot out of any single chat's reach.
func perChatLimit(perChat, total int) int64 {
	if perChat <= 0 || perChat >= total {
		perChat = total - 1
	}
	return int64(max(perChat, 1))
}

// acquire takes a slot from chatID's share and then a global one. The
// returned func gives both back.
func (r *Router) acquire(ctx context.Context, chatID int64) (func(), error) {
	r.mu.Lock()
	sh, ok := r.shares[chatID]
	if !ok {
		sh = &share{sem: semaphore.NewWeighted(r.perChat)}
		r.shares[chatID] = sh
	}
	sh.refs++
	r.mu.Unlock()

	drop := func() {
		r.mu.Lock()
		sh.refs--
		if sh.refs == 0 {
			delete(r.shares, chatID)
		}
		r.mu.Unlock()
	}

	if err := sh.sem.Acquire(ctx, 1); err != nil {
		drop()
		return nil, err
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		sh.sem.Release(1)
		drop()
		return nil, err
	}
	return func() {
		r.sem.Release(1)
		sh.sem.Release(1)
		drop()
	}, nil
}

func (r *Router) startSpan(ctx context.Context, ev protocol.Event) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "router."+string(ev.Kind), trace.WithAttributes(
		attribute.Int64("chat.id", ev.ChatID),
		attribute.String("request.id", ev.RequestID),
	))
}

// apply runs the ordered part of an event: session changes, prompts and the
// snapshot a capability call will use. It returns the capability work, if
// any, to run afterwards.
func (r *Router) apply(ctx context.Context, ev protocol.Event) (*job, error) {
	switch ev.Kind {
	case protocol.EventInit:
		r.store.CreateOrReset(ev.ChatID)
		return nil, deliveryErr("send text", r.transport.SendText(ctx, ev.ChatID, replyStart))
	case protocol.EventHelp:
		return nil, deliveryErr("send text", r.transport.SendText(ctx, ev.ChatID, replyHelp))
	case protocol.EventSettings:
		snap, err := r.store.Get(ev.ChatID)
		if err != nil {
			return nil, r.uninitialized(ctx, ev.ChatID, err)
		}
		return nil, deliveryErr("send text", r.transport.SendText(ctx, ev.ChatID, replySettings(snap)))
	case protocol.EventPromptLanguage:
		return nil, deliveryErr("send prompt", r.transport.SendPrompt(ctx, ev.ChatID, replyChooseLanguage, languageOptions(r.catalog)))
	case protocol.EventPromptRate, protocol.EventPromptPitch, protocol.EventPromptVolume:
		kind, _ := ev.Kind.PresetKind()
		return nil, r.promptValue(ctx, ev.ChatID, kind)
	case protocol.EventCallback:
		return nil, r.callback(ctx, ev)
	case protocol.EventText:
		return r.speech(ctx, ev)
	case protocol.EventMedia:
		return r.transcription(ctx, ev)
	}
	return nil, fmt.Errorf("unhandled event kind %q", ev.Kind)
}

// promptValue sends the preset buttons of kind. A known chat starts waiting
// for that kind; an unknown chat still gets the buttons and is told to start
// once it presses one.
func (r *Router) promptValue(ctx context.Context, chatID int64, kind tables.Kind) error {
	_, err := r.store.Update(chatID, func(s *session.Session) error {
		s.State = session.AwaitingValue
		s.Awaiting = kind
		return nil
	})
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}
	return deliveryErr("send prompt", r.transport.SendPrompt(ctx, chatID, replyChooseValue(kind), presetOptions(r.catalog, kind)))
}

func (r *Router) callback(ctx context.Context, ev protocol.Event) error {
	snap, err := r.store.Get(ev.ChatID)
	if err != nil {
		return r.uninitialized(ctx, ev.ChatID, err)
	}
	choice, err := Classify(r.catalog, snap, ev.Payload)
	if err != nil {
		return err
	}

	switch choice.Kind {
	case protocol.ChoiceLanguage:
		_, err = r.store.Update(ev.ChatID, func(s *session.Session) error {
			s.Language = choice.Language
			s.State = session.AwaitingGender
			s.Awaiting = ""
			return nil
		})
		if err != nil {
			return err
		}
		return deliveryErr("send prompt", r.transport.SendPrompt(ctx, ev.ChatID, replyChooseGender, genderOptions()))

	case protocol.ChoiceGender:
		snap, err = r.store.Update(ev.ChatID, func(s *session.Session) error {
			voice, ok := r.catalog.Voice(s.Language, choice.Gender)
			if !ok {
				return fmt.Errorf("no %s voice for %s", choice.Gender.Label(), s.Language)
			}
			s.Gender = choice.Gender
			s.Voice = voice
			s.State = session.Configured
			s.Awaiting = ""
			return nil
		})
		if err != nil {
			return err
		}
		return deliveryErr("send text", r.transport.SendText(ctx, ev.ChatID, replyLanguage(snap.Language)))

	case protocol.ChoicePreset:
		value, _ := r.catalog.Presets(choice.Preset).Lookup(choice.Name)
		_, err = r.store.Update(ev.ChatID, func(s *session.Session) error {
			s.SetPreset(choice.Preset, value)
			s.State = session.Configured
			s.Awaiting = ""
			return nil
		})
		if err != nil {
			return err
		}
		return deliveryErr("send text", r.transport.SendText(ctx, ev.ChatID, replyValue(choice.Preset, value)))
	}
	return fmt.Errorf("%w: %q", ErrUnrecognizedCallback, ev.Payload)
}

// speech reserves the output file and captures the session snapshot in order;
// synthesis and delivery happen in the returned job.
func (r *Router) speech(ctx context.Context, ev protocol.Event) (*job, error) {
	if _, err := r.store.Get(ev.ChatID); err != nil {
		return nil, r.uninitialized(ctx, ev.ChatID, err)
	}
	if err := r.admit(ctx, ev.ChatID); err != nil {
		return nil, err
	}

	out, err := r.speaker.Allocate(ev.ChatID, ev.RequestID)
	if err != nil {
		return nil, r.failed(ctx, ev.ChatID, fmt.Errorf("allocate output: %w", err))
	}
	snap, err := r.store.Update(ev.ChatID, func(s *session.Session) error {
		if s.Pending == nil {
			s.Pending = make(map[string]string)
		}
		s.Pending[ev.RequestID] = out.Path()
		return nil
	})
	if err != nil {
		_ = out.Release()
		return nil, err
	}

	run := func(ctx context.Context) error {
		defer r.settle(ev.ChatID, ev.RequestID, out)

		started := time.Now()
		err := r.speaker.Render(ctx, out, ev.Text, snap)
		r.metrics.observeCapability(ctx, "tts", started, err)
		if errors.Is(err, tts.ErrNoAudio) {
			return errors.Join(err, deliveryErr("send text", r.transport.SendText(ctx, ev.ChatID, replyNoAudio)))
		}
		if err != nil {
			return r.failed(ctx, ev.ChatID, err)
		}
		return deliveryErr("send audio", r.transport.SendAudio(ctx, ev.ChatID, out.Path(), captionAudio))
	}
	return &job{
		run:   run,
		abort: func() { r.settle(ev.ChatID, ev.RequestID, out) },
	}, nil
}

// settle releases a synthesis output and drops it from the session.
func (r *Router) settle(chatID int64, requestID string, out *files.Handle) {
	if err := out.Release(); err != nil {
		r.logger.Warn("failed to release output", slog.Int64("chat_id", chatID), slogError(err))
	}
	_, err := r.store.Update(chatID, func(s *session.Session) error {
		delete(s.Pending, requestID)
		return nil
	})
	if err != nil {
		r.logger.Warn("failed to clear pending output", slog.Int64("chat_id", chatID), slogError(err))
	}
}

// transcription acknowledges the media in order with the session's language;
// download, recognition and the reply happen in the returned job.
func (r *Router) transcription(ctx context.Context, ev protocol.Event) (*job, error) {
	snap, err := r.store.Get(ev.ChatID)
	if err != nil {
		return nil, r.uninitialized(ctx, ev.ChatID, err)
	}
	if err := r.admit(ctx, ev.ChatID); err != nil {
		return nil, err
	}
	if err := r.transport.SendText(ctx, ev.ChatID, replyWait); err != nil {
		return nil, deliveryErr("send text", err)
	}

	run := func(ctx context.Context) error {
		data, err := r.transport.DownloadMedia(ctx, ev.FileRef)
		if err != nil {
			return deliveryErr("download media", err)
		}
		in, err := r.files.Stage(ev.ChatID, ev.RequestID, mediaExt(ev), data)
		if err != nil {
			return r.failed(ctx, ev.ChatID, err)
		}
		defer in.Release()

		started := time.Now()
		text, err := r.transcriber.Transcribe(ctx, in.Path(), snap.Language)
		r.metrics.observeCapability(ctx, "stt", started, err)
		if err != nil {
			return r.failed(ctx, ev.ChatID, err)
		}
		if text == "" {
			text = replyNothingHeard
		}
		return deliveryErr("send text", r.transport.SendText(ctx, ev.ChatID, text))
	}
	return &job{run: run}, nil
}

func mediaExt(ev protocol.Event) string {
	if ext := filepath.Ext(ev.FileName); ext != "" {
		return ext
	}
	if ext := filepath.Ext(ev.FileRef); ext != "" && len(ext) <= 5 {
		return ext
	}
	if ev.Media == protocol.MediaVoice {
		return ".ogg"
	}
	return ".mp3"
}

// maxLimiters bounds the per-chat limiters kept in memory. An evicted chat
// starts again with a full budget.
const maxLimiters = 4096

func newLimiterCache() *lru.Cache[int64, *rate.Limiter] {
	c, err := lru.New[int64, *rate.Limiter](maxLimiters)
	if err != nil {
		panic(err)
	}
	return c
}

// admit applies the per-chat request budget to capability work.
func (r *Router) admit(ctx context.Context, chatID int64) error {
	if r.cfg.RequestsPerMinute <= 0 {
		return nil
	}
	r.mu.Lock()
	lim, ok := r.limiters.Get(chatID)
	if !ok {
		burst := r.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(float64(r.cfg.RequestsPerMinute)/60), burst)
		r.limiters.Add(chatID, lim)
	}
	r.mu.Unlock()

	if lim.Allow() {
		return nil
	}
	return errors.Join(ErrRateLimited, deliveryErr("send text", r.transport.SendText(ctx, chatID, replyRateLimited)))
}

func (r *Router) uninitialized(ctx context.Context, chatID int64, cause error) error {
	if !errors.Is(cause, session.ErrNotFound) {
		return cause
	}
	return errors.Join(ErrUninitialized, deliveryErr("send text", r.transport.SendText(ctx, chatID, replyUninitialized)))
}

func (r *Router) failed(ctx context.Context, chatID int64, cause error) error {
	return errors.Join(cause, deliveryErr("send text", r.transport.SendText(ctx, chatID, replyFailure)))
}

// finish records the outcome of one event and ends its span.
func (r *Router) finish(ctx context.Context, span trace.Span, env envelope, err error) error {
	defer span.End()
	outcome := outcomeOf(err)
	took := time.Since(env.received)
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil && !recovered(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.metrics.observeEvent(ctx, env.ev.Kind, outcome)

	attrs := []any{
		slog.Int64("chat_id", env.ev.ChatID),
		slog.String("request_id", env.ev.RequestID),
		slog.String("kind", string(env.ev.Kind)),
		slog.String("outcome", outcome),
		slog.Duration("took", took),
	}
	switch {
	case err == nil:
		r.logger.Debug("event handled", attrs...)
	case recovered(err):
		r.logger.Info("event answered", append(attrs, slogError(err))...)
	default:
		r.logger.Warn("event failed", append(attrs, slogError(err))...)
	}

	if r.recorder != nil {
		entry := eventstore.Entry{
			ChatID:    env.ev.ChatID,
			RequestID: env.ev.RequestID,
			Kind:      string(env.ev.Kind),
			Outcome:   outcome,
			Duration:  took,
		}
		if err != nil {
			entry.Detail = err.Error()
		}
		if rerr := r.recorder.Append(context.WithoutCancel(ctx), entry); rerr != nil {
			r.logger.Warn("failed to record event", slog.Int64("chat_id", env.ev.ChatID), slogError(rerr))
		}
	}
	return err
}

func outcomeOf(err error) string {
	var delivery *DeliveryError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &delivery):
		return "delivery_failed"
	case errors.Is(err, ErrUninitialized):
		return "uninitialized"
	case errors.Is(err, tts.ErrNoAudio):
		return "no_audio"
	case errors.Is(err, ErrUnrecognizedCallback):
		return "unrecognized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "failed"
}

// recovered reports conditions that were answered in the chat and need no
// operator attention.
func recovered(err error) bool {
	var delivery *DeliveryError
	if errors.As(err, &delivery) {
		return false
	}
	return errors.Is(err, ErrUninitialized) ||
		errors.Is(err, tts.ErrNoAudio) ||
		errors.Is(err, ErrUnrecognizedCallback) ||
		errors.Is(err, ErrRateLimited)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
