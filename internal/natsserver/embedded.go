// Package natsserver runs an in-process NATS server with JetStream.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/aethra/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer lets bus mode run without an external broker. A nil
// *EmbeddedServer is valid and does nothing.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches the server when cfg.Embedded is set and returns nil
// otherwise. Port -1 picks a free port.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "nats-server"))

	ns, err := server.NewServer(serverOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	ns.SetLoggerV2(&serverLog{log: log}, false, false, false)
	ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}
	log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

func serverOptions(cfg config.BusConfig) *server.Options {
	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = "./data/nats"
	}
	return &server.Options{
		ServerName: "aethra-embedded",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
	}
}

func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
	e.log.Info("embedded NATS server stopped")
}

// serverLog forwards the server's own log lines to slog.
type serverLog struct {
	log *slog.Logger
}

func (l *serverLog) Noticef(format string, v ...any) { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l *serverLog) Warnf(format string, v ...any)   { l.log.Warn(fmt.Sprintf(format, v...)) }
func (l *serverLog) Fatalf(format string, v ...any)  { l.log.Error(fmt.Sprintf(format, v...)) }
func (l *serverLog) Errorf(format string, v ...any)  { l.log.Error(fmt.Sprintf(format, v...)) }
func (l *serverLog) Debugf(format string, v ...any)  { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l *serverLog) Tracef(format string, v ...any)  { l.log.Debug(fmt.Sprintf(format, v...)) }
