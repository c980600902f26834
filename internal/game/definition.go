package game

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Manifest is the game.yaml descriptor shipped alongside the script.
type Manifest struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	MaxPlayers  int               `yaml:"max_players"`
	Metadata    map[string]string `yaml:"metadata"` // opaque passthrough
}

// Definition is the immutable descriptor an instance is created from.
// Loaded once, shared read-only by every instance of the game.
type Definition struct {
	ID          string
	Name        string
	Description string
	MaxPlayers  int
	Metadata    map[string]string

	// Source is the raw lua text; Proto is its compiled chunk. A
	// FunctionProto is immutable and safe to share across lua states.
	Source string
	Proto  *lua.FunctionProto

	skillDoc string
}

// SkillDoc returns the static skill.md text, or empty if the game ships
// none.
func (d *Definition) SkillDoc() string { return d.skillDoc }

// LoadDefinition reads a game directory (game.yaml + main.lua + optional
// skill.md) and validates it. Script compilation happens here so a broken
// script fails at load, never inside a scheduled instance.
func LoadDefinition(dir string) (*Definition, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "game.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	src, err := os.ReadFile(filepath.Join(dir, "main.lua"))
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	skillDoc := ""
	if b, err := os.ReadFile(filepath.Join(dir, "skill.md")); err == nil {
		skillDoc = string(b)
	}

	if m.ID == "" {
		m.ID = filepath.Base(dir)
	}
	return NewDefinition(m, string(src), skillDoc)
}

// NewDefinition validates a manifest and script and builds the immutable
// definition. Used directly by tests that build games in memory.
func NewDefinition(m Manifest, source, skillDoc string) (*Definition, error) {
	m.Name = strings.TrimSpace(norm.NFC.String(m.Name))
	if m.Name == "" {
		return nil, fmt.Errorf("game %s: empty name", m.ID)
	}
	if m.MaxPlayers < 1 {
		return nil, fmt.Errorf("game %s: max_players must be positive, got %d", m.ID, m.MaxPlayers)
	}

	proto, err := compile(source, m.ID)
	if err != nil {
		return nil, fmt.Errorf("game %s: %w", m.ID, err)
	}

	return &Definition{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		MaxPlayers:  m.MaxPlayers,
		Metadata:    m.Metadata,
		Source:      source,
		Proto:       proto,
		skillDoc:    skillDoc,
	}, nil
}

func compile(source, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	return proto, nil
}

// LoadAll loads every game directory under root. Directories without a
// game.yaml are skipped.
func LoadAll(root string) ([]*Definition, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read games dir: %w", err)
	}
	var defs []*Definition
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, "game.yaml")); err != nil {
			continue
		}
		def, err := LoadDefinition(dir)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", entry.Name(), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}
