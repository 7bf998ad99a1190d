package router

import (
	"context"

	"github.com/loqalabs/aethra/internal/eventstore"
	"github.com/loqalabs/aethra/internal/files"
	"github.com/loqalabs/aethra/internal/protocol"
	"github.com/loqalabs/aethra/internal/session"
)

// Transport is the outbound side of a chat platform.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendPrompt(ctx context.Context, chatID int64, text string, options []protocol.Option) error
	SendAudio(ctx context.Context, chatID int64, path, caption string) error
	DownloadMedia(ctx context.Context, fileRef string) ([]byte, error)
}

// Speaker renders text into a file allocated for one request.
type Speaker interface {
	Allocate(chatID int64, requestID string) (*files.Handle, error)
	Render(ctx context.Context, out *files.Handle, text string, snap session.Session) error
}

// Transcriber turns an audio file into text using a locale hint.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, locale string) (string, error)
}

// Recorder receives one entry per handled event.
type Recorder interface {
	Append(ctx context.Context, e eventstore.Entry) error
}
