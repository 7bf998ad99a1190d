package protocol

import (
	"strings"

	"github.com/loqalabs/aethra/internal/tables"
)

// ChoiceKind tells which prompt a button answered.
type ChoiceKind int

const (
	ChoiceLanguage ChoiceKind = iota + 1
	ChoiceGender
	ChoicePreset
)

func (k ChoiceKind) String() string {
	switch k {
	case ChoiceLanguage:
		return "language"
	case ChoiceGender:
		return "gender"
	case ChoicePreset:
		return "preset"
	}
	return "unknown"
}

const (
	tagLanguage = "lang"
	tagGender   = "gender"
)

// Choice is a decoded button press.
type Choice struct {
	Kind     ChoiceKind
	Language string
	Gender   tables.Gender
	Preset   tables.Kind
	Name     string
}

func LanguageChoice(code string) Choice {
	return Choice{Kind: ChoiceLanguage, Language: code}
}

func GenderChoice(g tables.Gender) Choice {
	return Choice{Kind: ChoiceGender, Gender: g}
}

func PresetChoice(kind tables.Kind, name string) Choice {
	return Choice{Kind: ChoicePreset, Preset: kind, Name: name}
}

// Encode renders the tagged callback payload, e.g. "lang:ru-RU" or
// "rate:Fast".
func (c Choice) Encode() string {
	switch c.Kind {
	case ChoiceLanguage:
		return tagLanguage + ":" + c.Language
	case ChoiceGender:
		return tagGender + ":" + string(c.Gender)
	case ChoicePreset:
		return string(c.Preset) + ":" + c.Name
	}
	return ""
}

// DecodeChoice parses a tagged payload. It returns false for payloads that
// carry no known tag; those are classified by value instead.
func DecodeChoice(payload string) (Choice, bool) {
	tag, value, ok := strings.Cut(payload, ":")
	if !ok || value == "" {
		return Choice{}, false
	}
	switch tag {
	case tagLanguage:
		return LanguageChoice(value), true
	case tagGender:
		g, ok := tables.ParseGender(value)
		if !ok {
			return Choice{}, false
		}
		return GenderChoice(g), true
	}
	if kind, ok := tables.ParseKind(tag); ok {
		return PresetChoice(kind, value), true
	}
	return Choice{}, false
}
