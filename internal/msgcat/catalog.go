package msgcat

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	yaml "gopkg.in/yaml.v3"
)

//go:embed messages.en.yaml
var defaultFiles embed.FS

// Catalog holds notification templates keyed by dotted path ("notice.refund_sent").
// Templates are parsed once on load; rendering with a missing field fails.
type Catalog struct {
	mu    sync.RWMutex
	tpls  map[string]*template.Template
	files map[string]string
}

// New loads the embedded messages and then the *.yaml files of overrideDir, if set.
func New(overrideDir string) (*Catalog, error) {
	c := &Catalog{tpls: make(map[string]*template.Template), files: make(map[string]string)}
	raw, err := fs.ReadFile(defaultFiles, "messages.en.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded messages: %w", err)
	}
	if err := c.load("embedded", raw, false); err != nil {
		return nil, err
	}
	if dir := strings.TrimSpace(overrideDir); dir != "" {
		if err := c.loadDir(dir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read messages dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
	}
	sort.Strings(names)
	for _, n := range names {
		raw, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return fmt.Errorf("read %s: %w", n, err)
		}
		if err := c.load(n, raw, true); err != nil {
			return err
		}
	}
	return nil
}

// load parses raw and installs its templates. Two override files may not define the same key.
func (c *Catalog) load(source string, raw []byte, override bool) error {
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("parse %s: %w", source, err)
	}
	flat := make(map[string]string)
	if err := flatten(tree, "", flat); err != nil {
		return fmt.Errorf("parse %s: %w", source, err)
	}
	parsed := make(map[string]*template.Template, len(flat))
	for k, text := range flat {
		t, err := template.New(k).Option("missingkey=error").Parse(text)
		if err != nil {
			return fmt.Errorf("%s: template %s: %w", source, k, err)
		}
		parsed[k] = t
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range parsed {
		if prev, ok := c.files[k]; ok && override && prev != "embedded" {
			return fmt.Errorf("duplicate key %q in %s and %s", k, prev, source)
		}
	}
	for k, t := range parsed {
		c.tpls[k] = t
		c.files[k] = source
	}
	return nil
}

func flatten(node any, prefix string, out map[string]string) error {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if err := flatten(child, key, out); err != nil {
				return err
			}
		}
	case string:
		if prefix == "" {
			return fmt.Errorf("top-level string without key")
		}
		out[prefix] = v
	case nil:
	default:
		return fmt.Errorf("%s: only string values are allowed, got %T", prefix, v)
	}
	return nil
}

func (c *Catalog) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tpls[strings.TrimSpace(key)]
	return ok
}

// Render executes the template stored under key.
func (c *Catalog) Render(key string, data any) (string, error) {
	c.mu.RLock()
	t, ok := c.tpls[strings.TrimSpace(key)]
	c.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template not found: %s", key)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
