// Package tables holds the static language, voice and preset catalog.
package tables

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultCatalog []byte

// DefaultPreset is the preset name every table must carry.
const DefaultPreset = "default"

// Gender selects one of the two voices of a language.
type Gender string

const (
	Male   Gender = "M"
	Female Gender = "F"
)

// Genders lists the valid genders in prompt order.
var Genders = []Gender{Male, Female}

// Label returns the button label of the gender.
func (g Gender) Label() string {
	switch g {
	case Male:
		return "Male"
	case Female:
		return "Female"
	}
	return string(g)
}

// ParseGender accepts "M"/"F" and the long forms.
func ParseGender(s string) (Gender, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "M", "MALE":
		return Male, true
	case "F", "FEMALE":
		return Female, true
	}
	return "", false
}

// Kind identifies a preset table.
type Kind string

const (
	KindRate   Kind = "rate"
	KindPitch  Kind = "pitch"
	KindVolume Kind = "volume"
)

// Kinds lists preset kinds in classification order.
var Kinds = []Kind{KindRate, KindPitch, KindVolume}

// ParseKind maps a kind name to a Kind.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

type Language struct {
	Name string `yaml:"name" toml:"name"`
	Code string `yaml:"code" toml:"code"`
}

type VoicePair struct {
	Male   string `yaml:"male" toml:"male"`
	Female string `yaml:"female" toml:"female"`
}

type Preset struct {
	Name  string `yaml:"name" toml:"name"`
	Value string `yaml:"value" toml:"value"`
}

// PresetTable is an ordered list of named adjustment values.
type PresetTable []Preset

// Lookup returns the encoded value for name.
func (t PresetTable) Lookup(name string) (string, bool) {
	for _, p := range t {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Default returns the value of the "default" entry.
func (t PresetTable) Default() string {
	v, _ := t.Lookup(DefaultPreset)
	return v
}

// Names returns preset names in table order.
func (t PresetTable) Names() []string {
	names := make([]string, 0, len(t))
	for _, p := range t {
		names = append(names, p.Name)
	}
	return names
}

// Catalog is the immutable configuration read once at startup.
type Catalog struct {
	DefaultLanguage string               `yaml:"default_language" toml:"default_language"`
	DefaultGender   Gender               `yaml:"default_gender" toml:"default_gender"`
	Languages       []Language           `yaml:"languages" toml:"languages"`
	Voices          map[string]VoicePair `yaml:"voices" toml:"voices"`
	Rates           PresetTable          `yaml:"rates" toml:"rates"`
	Pitches         PresetTable          `yaml:"pitches" toml:"pitches"`
	Volumes         PresetTable          `yaml:"volumes" toml:"volumes"`
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog, "yaml")
	if err != nil {
		panic(fmt.Sprintf("embedded catalog: %v", err))
	}
	return c
}

// Load reads a catalog file. The format follows the extension: .toml is
// decoded as TOML, anything else as YAML. An empty path yields Default().
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables file: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes and validates a catalog.
func Parse(data []byte, format string) (*Catalog, error) {
	var c Catalog
	switch format {
	case "toml":
		if err := toml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse tables toml: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse tables yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported tables format %q", format)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the catalog is complete enough to drive sessions.
func (c *Catalog) Validate() error {
	if len(c.Languages) == 0 {
		return errors.New("tables: languages must not be empty")
	}
	seen := make(map[string]struct{}, len(c.Languages))
	for _, lang := range c.Languages {
		if lang.Code == "" {
			return errors.New("tables: language code must not be empty")
		}
		if _, dup := seen[lang.Code]; dup {
			return fmt.Errorf("tables: duplicate language %s", lang.Code)
		}
		seen[lang.Code] = struct{}{}
		pair, ok := c.Voices[lang.Code]
		if !ok || pair.Male == "" || pair.Female == "" {
			return fmt.Errorf("tables: language %s needs a male and a female voice", lang.Code)
		}
	}
	if !c.HasLanguage(c.DefaultLanguage) {
		return fmt.Errorf("tables: default_language %q is not a listed language", c.DefaultLanguage)
	}
	if _, ok := ParseGender(string(c.DefaultGender)); !ok {
		return fmt.Errorf("tables: default_gender %q must be M or F", c.DefaultGender)
	}
	for _, kind := range Kinds {
		table := c.Presets(kind)
		if len(table) == 0 {
			return fmt.Errorf("tables: %s presets must not be empty", kind)
		}
		if _, ok := table.Lookup(DefaultPreset); !ok {
			return fmt.Errorf("tables: %s presets need a %q entry", kind, DefaultPreset)
		}
		for _, p := range table {
			if p.Name == "" || p.Value == "" {
				return fmt.Errorf("tables: %s preset with empty name or value", kind)
			}
		}
	}
	return nil
}

// HasLanguage reports whether code is a supported locale.
func (c *Catalog) HasLanguage(code string) bool {
	for _, lang := range c.Languages {
		if lang.Code == code {
			return true
		}
	}
	return false
}

// Voice resolves the voice name for a locale and gender.
func (c *Catalog) Voice(code string, g Gender) (string, bool) {
	pair, ok := c.Voices[code]
	if !ok {
		return "", false
	}
	switch g {
	case Male:
		return pair.Male, true
	case Female:
		return pair.Female, true
	}
	return "", false
}

// DefaultVoice derives the voice of the default language and gender.
func (c *Catalog) DefaultVoice() string {
	v, _ := c.Voice(c.DefaultLanguage, c.DefaultGender)
	return v
}

// Presets returns the table for kind.
func (c *Catalog) Presets(kind Kind) PresetTable {
	switch kind {
	case KindRate:
		return c.Rates
	case KindPitch:
		return c.Pitches
	case KindVolume:
		return c.Volumes
	}
	return nil
}
