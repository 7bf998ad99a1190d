package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/aethra/internal/bus"
	"github.com/loqalabs/aethra/internal/config"
	"github.com/loqalabs/aethra/internal/eventstore"
	"github.com/loqalabs/aethra/internal/files"
	"github.com/loqalabs/aethra/internal/natsserver"
	"github.com/loqalabs/aethra/internal/objectstore"
	"github.com/loqalabs/aethra/internal/router"
	"github.com/loqalabs/aethra/internal/session"
	"github.com/loqalabs/aethra/internal/stt"
	"github.com/loqalabs/aethra/internal/tables"
	"github.com/loqalabs/aethra/internal/transport/bustransport"
	"github.com/loqalabs/aethra/internal/transport/telegram"
	"github.com/loqalabs/aethra/internal/tts"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
	checks []func() bool
}

// link is an opened transport: the outbound half handed to the router and
// the inbound loop started once the router exists.
type link struct {
	out     router.Transport
	run     func(ctx context.Context, rt *router.Router) error
	healthy func() bool
	close   func()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves until ctx is done and tears down in
// reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	catalog, err := tables.Load(r.cfg.Tables.Path)
	if err != nil {
		return err
	}
	r.logger.Info("tables loaded",
		slog.Int("languages", len(catalog.Languages)),
		slog.String("default_voice", catalog.DefaultVoice()))

	fm, err := files.New(r.cfg.Files.TempDir, r.logger)
	if err != nil {
		return err
	}
	r.sweep(fm)

	synth, err := tts.New(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("failed to create tts engine: %w", err)
	}
	recognizer, err := stt.New(ctx, r.cfg.STT)
	if err != nil {
		return fmt.Errorf("failed to create stt engine: %w", err)
	}

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer events.Close()
	if err := events.Ensure(); err != nil {
		return err
	}
	var recorder router.Recorder
	if events.Enabled() {
		recorder = events
	}

	tr, err := r.openTransport(ctx)
	if err != nil {
		return err
	}
	defer tr.close()

	// In-flight speech work outlives the signal; Close waits for it and the
	// engine timeouts bound the wait.
	rt := router.New(context.WithoutCancel(ctx), r.cfg.Router, router.Options{
		Catalog:     catalog,
		Store:       session.NewStore(catalog),
		Files:       fm,
		Speaker:     tts.NewService(r.cfg.TTS, synth, fm, r.logger),
		Transcriber: stt.NewService(r.cfg.STT, recognizer, r.logger),
		Transport:   tr.out,
		Recorder:    recorder,
	}, r.logger)
	r.checks = append(r.checks, tr.healthy, rt.Healthy)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tr.run(gctx, rt)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.maintain(gctx, fm, events)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("transport", r.cfg.Transport.Mode))

	err = g.Wait()
	r.logger.Info("runtime stopping")
	rt.Close()
	return err
}

func (r *Runtime) openTransport(ctx context.Context) (*link, error) {
	switch r.cfg.Transport.Mode {
	case "telegram":
		t, err := telegram.New(r.cfg.Telegram, r.logger)
		if err != nil {
			return nil, err
		}
		return &link{
			out:     t,
			run:     func(ctx context.Context, rt *router.Router) error { return t.Run(ctx, rt) },
			healthy: t.Healthy,
			close:   func() {},
		}, nil
	case "bus":
		return r.openBus(ctx)
	}
	return nil, fmt.Errorf("unknown transport mode %q", r.cfg.Transport.Mode)
}

func (r *Runtime) openBus(ctx context.Context) (*link, error) {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		embedded.Shutdown()
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}

	media, err := objectstore.New(client.JetStream(), busCfg.MediaBucket, time.Duration(busCfg.MediaTTL)*time.Second)
	if err != nil {
		client.Close()
		embedded.Shutdown()
		return nil, err
	}

	t := bustransport.New(client.Conn(), media, busCfg.SubjectPrefix, r.logger)
	return &link{
		out: t,
		run: func(ctx context.Context, rt *router.Router) error { return t.Run(ctx, rt) },
		healthy: func() bool {
			return client.Healthy() && t.Healthy()
		},
		close: func() {
			client.Close()
			embedded.Shutdown()
		},
	}, nil
}

// sweep removes transient files a previous process left behind.
func (r *Runtime) sweep(fm *files.Manager) {
	age := time.Duration(r.cfg.Files.SweepAfterSec) * time.Second
	if age <= 0 {
		return
	}
	removed, err := fm.Sweep(age)
	if err != nil {
		r.logger.Warn("temp sweep failed", slogError(err))
		return
	}
	if removed > 0 {
		r.logger.Info("removed stale temp files", slog.Int("count", removed))
	}
}

func (r *Runtime) maintain(ctx context.Context, fm *files.Manager, events *eventstore.Store) {
	every := time.Duration(r.cfg.Files.SweepAfterSec) * time.Second
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(fm)
			if err := events.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	for _, check := range r.checks {
		if !check() {
			return false
		}
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
