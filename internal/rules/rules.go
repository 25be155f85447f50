package rules

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"

	yaml "gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultFiles embed.FS

// Preset configures role distribution and the ASUR win threshold.
type Preset struct {
	Name string `yaml:"-"`
	// AsurPerPlayers deals one ASUR per this many players; 0 means exactly one ASUR.
	AsurPerPlayers int `yaml:"asur_per_players"`
	DevaCount      int `yaml:"deva_count"`
	// AsurParity: ASUR wins once aliveAsur*AsurParity >= aliveOthers.
	AsurParity int `yaml:"asur_parity"`
}

// AsurCount returns how many ASUR roles a table of n players receives.
func (p Preset) AsurCount(n int) int {
	if n <= 0 {
		return 0
	}
	if p.AsurPerPlayers <= 0 {
		return 1
	}
	c := n / p.AsurPerPlayers
	if c < 1 {
		c = 1
	}
	// at least one non-ASUR seat must remain
	if c >= n {
		c = n - 1
	}
	return c
}

func (p Preset) Validate() error {
	if p.AsurPerPlayers < 0 {
		return fmt.Errorf("preset %s: asur_per_players must be >= 0", p.Name)
	}
	if p.DevaCount < 0 {
		return fmt.Errorf("preset %s: deva_count must be >= 0", p.Name)
	}
	if p.AsurParity <= 0 {
		return fmt.Errorf("preset %s: asur_parity must be > 0", p.Name)
	}
	return nil
}

type file struct {
	Default string            `yaml:"default"`
	Presets map[string]Preset `yaml:"presets"`
}

// Book is the set of named presets loaded from the embedded file and an optional override.
type Book struct {
	mu      sync.RWMutex
	def     string
	presets map[string]Preset
}

// Load reads the embedded presets and then applies overridePath when set.
func Load(overridePath string) (*Book, error) {
	b := &Book{presets: make(map[string]Preset)}
	raw, err := fs.ReadFile(defaultFiles, "rules.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded rules: %w", err)
	}
	if err := b.apply(raw); err != nil {
		return nil, err
	}
	if p := strings.TrimSpace(overridePath); p != "" {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read rules %s: %w", p, err)
		}
		if err := b.apply(raw); err != nil {
			return nil, fmt.Errorf("parse rules %s: %w", p, err)
		}
	}
	return b, nil
}

func (b *Book) apply(raw []byte) error {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, p := range f.Presets {
		p.Name = strings.ToLower(strings.TrimSpace(name))
		if p.AsurParity == 0 {
			p.AsurParity = 1
		}
		if err := p.Validate(); err != nil {
			return err
		}
		b.presets[p.Name] = p
	}
	if d := strings.ToLower(strings.TrimSpace(f.Default)); d != "" {
		b.def = d
	}
	if _, ok := b.presets[b.def]; !ok {
		return fmt.Errorf("default preset %q not defined", b.def)
	}
	return nil
}

// Get resolves a preset by name; empty selects the default.
func (b *Book) Get(name string) (Preset, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = b.def
	}
	p, ok := b.presets[key]
	if !ok {
		return Preset{}, fmt.Errorf("unknown rules preset %q", name)
	}
	return p, nil
}

func (b *Book) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.presets))
	for k := range b.presets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Classic is the built-in default used when no book is wired.
func Classic() Preset {
	return Preset{Name: "classic", AsurPerPlayers: 0, DevaCount: 1, AsurParity: 1}
}
