package protocol

import (
	"encoding/json"
	"testing"

	"github.com/loqalabs/aethra/internal/tables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChoiceRoundTrip(t *testing.T) {
	choices := []Choice{
		LanguageChoice("ru-RU"),
		GenderChoice(tables.Female),
		PresetChoice(tables.KindRate, "Very slow"),
		PresetChoice(tables.KindVolume, "default"),
	}
	for _, c := range choices {
		got, ok := DecodeChoice(c.Encode())
		require.True(t, ok, c.Encode())
		assert.Equal(t, c, got)
	}
}

func TestDecodeChoiceRejectsUntagged(t *testing.T) {
	for _, payload := range []string{"ru-RU", "M", "default", "lang:", "gender:X", "speed:Fast", ""} {
		_, ok := DecodeChoice(payload)
		assert.False(t, ok, payload)
	}
}

func TestPromptKinds(t *testing.T) {
	for _, kind := range tables.Kinds {
		got, ok := PromptKind(kind).PresetKind()
		require.True(t, ok)
		assert.Equal(t, kind, got)
	}
	_, ok := EventPromptLanguage.PresetKind()
	assert.False(t, ok)
	_, ok = EventText.PresetKind()
	assert.False(t, ok)
}

func TestEventValidate(t *testing.T) {
	assert.NoError(t, Event{ChatID: 1, Kind: EventText, Text: "hi"}.Validate())
	assert.NoError(t, Event{ChatID: 1, Kind: EventMedia, Media: MediaVoice, FileRef: "f"}.Validate())
	assert.Error(t, Event{Kind: EventInit}.Validate())
	assert.Error(t, Event{ChatID: 1, Kind: EventMedia, Media: MediaVoice}.Validate())
	assert.Error(t, Event{ChatID: 1, Kind: EventMedia, Media: "video", FileRef: "f"}.Validate())
	assert.Error(t, Event{ChatID: 1, Kind: EventCallback}.Validate())
	assert.Error(t, Event{ChatID: 1, Kind: "dance"}.Validate())
}

func TestEventJSON(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"chat_id":7,"kind":"callback","payload":"gender:M"}`), &ev))
	assert.Equal(t, int64(7), ev.ChatID)
	assert.Equal(t, EventCallback, ev.Kind)
	assert.Equal(t, "gender:M", ev.Payload)
}

func TestSubjects(t *testing.T) {
	subject := Subject("aethra", SubjectReply, -100123)
	assert.Equal(t, "aethra.reply.-100123", subject)

	id, err := ChatFromSubject(subject)
	require.NoError(t, err)
	assert.Equal(t, int64(-100123), id)

	_, err = ChatFromSubject("aethra.event.")
	assert.Error(t, err)
	_, err = ChatFromSubject("aethra.event.abc")
	assert.Error(t, err)
}
