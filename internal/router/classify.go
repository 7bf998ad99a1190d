package router

import (
	"fmt"

	"github.com/loqalabs/aethra/internal/protocol"
	"github.com/loqalabs/aethra/internal/session"
	"github.com/loqalabs/aethra/internal/tables"
)

// Classify turns a button payload into a choice. Tagged payloads are decoded
// directly. Untagged payloads are matched in order against language codes,
// the genders, the preset table the chat is waiting on, and then the rate,
// pitch and volume tables.
func Classify(catalog *tables.Catalog, snap session.Session, payload string) (protocol.Choice, error) {
	if choice, ok := protocol.DecodeChoice(payload); ok {
		if err := checkChoice(catalog, choice); err != nil {
			return protocol.Choice{}, err
		}
		return choice, nil
	}

	if catalog.HasLanguage(payload) {
		return protocol.LanguageChoice(payload), nil
	}
	for _, g := range tables.Genders {
		if payload == string(g) {
			return protocol.GenderChoice(g), nil
		}
	}
	if snap.State == session.AwaitingValue {
		if _, ok := catalog.Presets(snap.Awaiting).Lookup(payload); ok {
			return protocol.PresetChoice(snap.Awaiting, payload), nil
		}
	}
	for _, kind := range tables.Kinds {
		if _, ok := catalog.Presets(kind).Lookup(payload); ok {
			return protocol.PresetChoice(kind, payload), nil
		}
	}
	return protocol.Choice{}, fmt.Errorf("%w: %q", ErrUnrecognizedCallback, payload)
}

func checkChoice(catalog *tables.Catalog, c protocol.Choice) error {
	switch c.Kind {
	case protocol.ChoiceLanguage:
		if !catalog.HasLanguage(c.Language) {
			return fmt.Errorf("%w: unknown language %q", ErrUnrecognizedCallback, c.Language)
		}
	case protocol.ChoicePreset:
		if _, ok := catalog.Presets(c.Preset).Lookup(c.Name); !ok {
			return fmt.Errorf("%w: unknown %s preset %q", ErrUnrecognizedCallback, c.Preset, c.Name)
		}
	}
	return nil
}

func languageOptions(catalog *tables.Catalog) []protocol.Option {
	opts := make([]protocol.Option, 0, len(catalog.Languages))
	for _, lang := range catalog.Languages {
		opts = append(opts, protocol.Option{Label: lang.Name, Payload: protocol.LanguageChoice(lang.Code).Encode()})
	}
	return opts
}

func genderOptions() []protocol.Option {
	opts := make([]protocol.Option, 0, len(tables.Genders))
	for _, g := range tables.Genders {
		opts = append(opts, protocol.Option{Label: g.Label(), Payload: protocol.GenderChoice(g).Encode()})
	}
	return opts
}

func presetOptions(catalog *tables.Catalog, kind tables.Kind) []protocol.Option {
	table := catalog.Presets(kind)
	opts := make([]protocol.Option, 0, len(table))
	for _, p := range table {
		opts = append(opts, protocol.Option{Label: p.Name, Payload: protocol.PresetChoice(kind, p.Name).Encode()})
	}
	return opts
}
