// Package bustransport carries chat events and replies over NATS for headless
// deployments. Events arrive on <prefix>.event.<chat>, replies leave on
// <prefix>.reply.<chat>, and media bytes travel through an object store.
package bustransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/aethra/internal/objectstore"
	"github.com/loqalabs/aethra/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Dispatcher accepts inbound events.
type Dispatcher interface {
	Dispatch(ev protocol.Event) error
}

// Media is the object store the transport exchanges audio through.
type Media interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key, contentType string, data []byte) error
	Delete(ctx context.Context, key string) error
}

type Transport struct {
	conn   *nats.Conn
	media  Media
	prefix string
	logger *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

var _ Media = (*objectstore.Store)(nil)

func New(conn *nats.Conn, media Media, prefix string, logger *slog.Logger) *Transport {
	return &Transport{
		conn:   conn,
		media:  media,
		prefix: prefix,
		logger: logger.With(slog.String("component", "bus-transport")),
	}
}

// Run subscribes to inbound events and blocks until ctx is done.
func (t *Transport) Run(ctx context.Context, sink Dispatcher) error {
	subject := t.prefix + "." + protocol.SubjectEvent + ".*"
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		t.handle(msg, sink)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	t.logger.Info("bus transport listening", slog.String("subject", subject))

	<-ctx.Done()

	t.mu.Lock()
	t.sub = nil
	t.mu.Unlock()
	if err := sub.Drain(); err != nil {
		t.logger.Warn("failed to drain subscription", slogError(err))
	}
	return nil
}

func (t *Transport) handle(msg *nats.Msg, sink Dispatcher) {
	chatID, err := protocol.ChatFromSubject(msg.Subject)
	if err != nil {
		t.logger.Warn("bad event subject", slog.String("subject", msg.Subject), slogError(err))
		return
	}
	var ev protocol.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.logger.Warn("failed to decode event", slog.Int64("chat_id", chatID), slogError(err))
		return
	}
	if ev.ChatID == 0 {
		ev.ChatID = chatID
	}
	if ev.ChatID != chatID {
		t.logger.Warn("event chat does not match subject",
			slog.Int64("chat_id", ev.ChatID),
			slog.String("subject", msg.Subject))
		return
	}
	if err := sink.Dispatch(ev); err != nil {
		t.logger.Warn("failed to dispatch event", slog.Int64("chat_id", chatID), slogError(err))
	}
}

// Healthy reports whether the connection is up and events are consumed.
func (t *Transport) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sub != nil && t.conn.Status() == nats.CONNECTED
}

func (t *Transport) SendText(_ context.Context, chatID int64, text string) error {
	return t.publish(protocol.Outbound{ChatID: chatID, Kind: protocol.OutboundText, Text: text})
}

func (t *Transport) SendPrompt(_ context.Context, chatID int64, text string, options []protocol.Option) error {
	return t.publish(protocol.Outbound{ChatID: chatID, Kind: protocol.OutboundPrompt, Text: text, Options: options})
}

// SendAudio uploads the file and publishes a reply referencing its key.
func (t *Transport) SendAudio(ctx context.Context, chatID int64, path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	key := "audio/" + strconv.FormatInt(chatID, 10) + "/" + filepath.Base(path)
	if err := t.media.Upload(ctx, key, mime.TypeByExtension(filepath.Ext(path)), data); err != nil {
		return err
	}
	t.logger.Debug("audio uploaded",
		slog.Int64("chat_id", chatID),
		slog.String("key", key),
		slog.String("size", humanize.Bytes(uint64(len(data)))))
	return t.publish(protocol.Outbound{ChatID: chatID, Kind: protocol.OutboundAudio, AudioRef: key, Caption: caption})
}

// DownloadMedia reads the object an inbound media event refers to and
// removes it from the bucket; the router keeps its own staged copy.
func (t *Transport) DownloadMedia(ctx context.Context, fileRef string) ([]byte, error) {
	data, err := t.media.Download(ctx, fileRef)
	if err != nil {
		return nil, err
	}
	if err := t.media.Delete(ctx, fileRef); err != nil {
		t.logger.Warn("failed to delete inbound media",
			slog.String("key", fileRef),
			slogError(err))
	}
	return data, nil
}

func (t *Transport) publish(out protocol.Outbound) error {
	out.Timestamp = time.Now().UTC()
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return t.conn.Publish(protocol.Subject(t.prefix, protocol.SubjectReply, out.ChatID), data)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
