// Package protocol defines the transport-neutral events and replies that flow
// between chat transports and the router.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/aethra/internal/tables"
)

// EventKind identifies an inbound chat event.
type EventKind string

const (
	EventInit           EventKind = "init"
	EventHelp           EventKind = "help"
	EventSettings       EventKind = "settings"
	EventPromptLanguage EventKind = "prompt_language"
	EventPromptRate     EventKind = "prompt_rate"
	EventPromptPitch    EventKind = "prompt_pitch"
	EventPromptVolume   EventKind = "prompt_volume"
	EventText           EventKind = "text"
	EventMedia          EventKind = "media"
	EventCallback       EventKind = "callback"
)

// PromptKind returns the prompt event of a preset kind.
func PromptKind(kind tables.Kind) EventKind {
	return EventKind("prompt_" + string(kind))
}

// PresetKind reports which preset table a prompt event asks for.
func (k EventKind) PresetKind() (tables.Kind, bool) {
	name, ok := strings.CutPrefix(string(k), "prompt_")
	if !ok {
		return "", false
	}
	return tables.ParseKind(name)
}

// MediaKind distinguishes voice notes from audio files.
type MediaKind string

const (
	MediaVoice MediaKind = "voice"
	MediaAudio MediaKind = "audio"
)

// Event is one inbound chat event.
type Event struct {
	ChatID     int64     `json:"chat_id"`
	Kind       EventKind `json:"kind"`
	Text       string    `json:"text,omitempty"`
	Media      MediaKind `json:"media,omitempty"`
	FileRef    string    `json:"file_ref,omitempty"`
	FileName   string    `json:"file_name,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	CallbackID string    `json:"callback_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

var errMissingChat = errors.New("event without chat id")

// Validate checks that the fields the kind needs are present.
func (e Event) Validate() error {
	if e.ChatID == 0 {
		return errMissingChat
	}
	switch e.Kind {
	case EventInit, EventHelp, EventSettings, EventPromptLanguage,
		EventPromptRate, EventPromptPitch, EventPromptVolume, EventText:
		return nil
	case EventMedia:
		if e.FileRef == "" {
			return errors.New("media event without file reference")
		}
		if e.Media != MediaVoice && e.Media != MediaAudio {
			return fmt.Errorf("unknown media kind %q", e.Media)
		}
		return nil
	case EventCallback:
		if e.Payload == "" {
			return errors.New("callback event without payload")
		}
		return nil
	}
	return fmt.Errorf("unknown event kind %q", e.Kind)
}

// Option is one button of a prompt.
type Option struct {
	Label   string `json:"label"`
	Payload string `json:"payload"`
}

// OutboundKind identifies a reply.
type OutboundKind string

const (
	OutboundText   OutboundKind = "text"
	OutboundPrompt OutboundKind = "prompt"
	OutboundAudio  OutboundKind = "audio"
)

// Outbound is a reply published by the bus transport.
type Outbound struct {
	ChatID    int64        `json:"chat_id"`
	Kind      OutboundKind `json:"kind"`
	Text      string       `json:"text,omitempty"`
	Options   []Option     `json:"options,omitempty"`
	AudioRef  string       `json:"audio_ref,omitempty"`
	Caption   string       `json:"caption,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

const (
	SubjectEvent = "event"
	SubjectReply = "reply"
)

// Subject returns "<prefix>.<kind>.<chat>".
func Subject(prefix, kind string, chatID int64) string {
	return prefix + "." + kind + "." + strconv.FormatInt(chatID, 10)
}

// ChatFromSubject extracts the chat id from the last subject token.
func ChatFromSubject(subject string) (int64, error) {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 || idx == len(subject)-1 {
		return 0, fmt.Errorf("subject %q has no chat token", subject)
	}
	id, err := strconv.ParseInt(subject[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("subject %q: %w", subject, err)
	}
	return id, nil
}
