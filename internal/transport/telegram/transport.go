// Package telegram connects the router to the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/loqalabs/aethra/internal/config"
	"github.com/loqalabs/aethra/internal/protocol"
)

// maxDownload matches the Bot API limit for files bots may fetch.
const maxDownload = 20 << 20

// Dispatcher accepts inbound events.
type Dispatcher interface {
	Dispatch(ev protocol.Event) error
}

// bot is the part of tgbotapi.BotAPI the transport uses.
type bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Transport struct {
	bot     bot
	cfg     config.TelegramConfig
	http    *http.Client
	logger  *slog.Logger
	backoff func() backoff.BackOff
	polling atomic.Bool
}

// New authenticates against the Bot API.
func New(cfg config.TelegramConfig, logger *slog.Logger) (*Transport, error) {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	api.Debug = cfg.Debug
	t := newTransport(api, cfg, logger)
	t.logger.Info("authorized on telegram", slog.String("bot", api.Self.UserName))
	return t, nil
}

func newTransport(b bot, cfg config.TelegramConfig, logger *slog.Logger) *Transport {
	return &Transport{
		bot:    b,
		cfg:    cfg,
		http:   &http.Client{Timeout: 2 * time.Minute},
		logger: logger.With(slog.String("component", "telegram")),
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Run long-polls updates and dispatches them until ctx is done.
func (t *Transport) Run(ctx context.Context, sink Dispatcher) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.cfg.PollTimeout
	updates := t.bot.GetUpdatesChan(u)
	t.polling.Store(true)
	defer t.polling.Store(false)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if upd.CallbackQuery != nil {
				t.ackCallback(upd.CallbackQuery.ID)
			}
			ev, ok := EventFromUpdate(upd)
			if !ok {
				continue
			}
			if err := sink.Dispatch(ev); err != nil {
				t.logger.Warn("failed to dispatch update",
					slog.Int("update_id", upd.UpdateID),
					slog.Int64("chat_id", ev.ChatID),
					slogError(err))
			}
		}
	}
}

// Healthy reports whether updates are being polled.
func (t *Transport) Healthy() bool {
	return t.polling.Load()
}

// ackCallback stops the client's loading spinner on the pressed button.
func (t *Transport) ackCallback(id string) {
	if _, err := t.bot.Request(tgbotapi.NewCallback(id, "")); err != nil {
		t.logger.Debug("failed to answer callback query", slogError(err))
	}
}

// EventFromUpdate maps an update to a router event. Updates the bot does not
// act on (stickers, edits, joins) report false.
func EventFromUpdate(upd tgbotapi.Update) (protocol.Event, bool) {
	if cq := upd.CallbackQuery; cq != nil {
		var chatID int64
		switch {
		case cq.Message != nil && cq.Message.Chat != nil:
			chatID = cq.Message.Chat.ID
		case cq.From != nil:
			chatID = cq.From.ID
		default:
			return protocol.Event{}, false
		}
		if cq.Data == "" {
			return protocol.Event{}, false
		}
		return protocol.Event{
			ChatID:     chatID,
			Kind:       protocol.EventCallback,
			Payload:    cq.Data,
			CallbackID: cq.ID,
			Timestamp:  time.Now().UTC(),
		}, true
	}

	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return protocol.Event{}, false
	}
	ev := protocol.Event{ChatID: msg.Chat.ID, Timestamp: time.Unix(int64(msg.Date), 0).UTC()}

	switch {
	case msg.IsCommand():
		ev.Kind = commandKind(msg.Command())
	case msg.Voice != nil:
		ev.Kind = protocol.EventMedia
		ev.Media = protocol.MediaVoice
		ev.FileRef = msg.Voice.FileID
		ev.FileName = "voice.ogg"
	case msg.Audio != nil:
		ev.Kind = protocol.EventMedia
		ev.Media = protocol.MediaAudio
		ev.FileRef = msg.Audio.FileID
		ev.FileName = msg.Audio.FileName
	case msg.Text != "":
		ev.Kind = protocol.EventText
		ev.Text = msg.Text
	default:
		return protocol.Event{}, false
	}
	return ev, true
}

func commandKind(cmd string) protocol.EventKind {
	switch cmd {
	case "start":
		return protocol.EventInit
	case "settings":
		return protocol.EventSettings
	case "language":
		return protocol.EventPromptLanguage
	case "rate":
		return protocol.EventPromptRate
	case "pitch":
		return protocol.EventPromptPitch
	case "volume":
		return protocol.EventPromptVolume
	}
	return protocol.EventHelp
}

func (t *Transport) SendText(ctx context.Context, chatID int64, text string) error {
	return t.send(ctx, tgbotapi.NewMessage(chatID, text))
}

func (t *Transport) SendPrompt(ctx context.Context, chatID int64, text string, options []protocol.Option) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = Keyboard(options)
	return t.send(ctx, msg)
}

func (t *Transport) SendAudio(ctx context.Context, chatID int64, path, caption string) error {
	audio := tgbotapi.NewAudio(chatID, tgbotapi.FilePath(path))
	audio.Caption = caption
	return t.send(ctx, audio)
}

// DownloadMedia resolves a file id and fetches its bytes.
func (t *Transport) DownloadMedia(ctx context.Context, fileRef string) ([]byte, error) {
	url, err := backoff.Retry(ctx, func() (string, error) {
		return t.bot.GetFileDirectURL(fileRef)
	}, t.retryOptions()...)
	if err != nil {
		return nil, fmt.Errorf("resolve file: %w", err)
	}
	return t.fetch(ctx, url)
}

func (t *Transport) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	if len(data) > maxDownload {
		return nil, errors.New("download file: file too large")
	}
	return data, nil
}

// send retries transient failures. Client errors other than flood control
// are permanent; flood control waits as long as Telegram asks.
func (t *Transport) send(ctx context.Context, c tgbotapi.Chattable) error {
	_, err := backoff.Retry(ctx, func() (tgbotapi.Message, error) {
		msg, err := t.bot.Send(c)
		if err == nil {
			return msg, nil
		}
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			if apiErr.RetryAfter > 0 {
				return msg, backoff.RetryAfter(apiErr.RetryAfter)
			}
			if apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
				return msg, backoff.Permanent(err)
			}
		}
		return msg, err
	}, t.retryOptions()...)
	return err
}

func (t *Transport) retryOptions() []backoff.RetryOption {
	tries := t.cfg.SendRetries + 1
	if tries < 1 {
		tries = 1
	}
	return []backoff.RetryOption{
		backoff.WithBackOff(t.backoff()),
		backoff.WithMaxTries(uint(tries)),
	}
}

// Keyboard lays options out as inline buttons: four per row for long lists
// such as languages, two per row otherwise.
func Keyboard(options []protocol.Option) tgbotapi.InlineKeyboardMarkup {
	width := 2
	if len(options) > 5 {
		width = 4
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	for start := 0; start < len(options); start += width {
		end := min(start+width, len(options))
		row := make([]tgbotapi.InlineKeyboardButton, 0, end-start)
		for _, opt := range options[start:end] {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(opt.Label, opt.Payload))
		}
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
