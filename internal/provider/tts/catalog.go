package tts

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Voice maps the name users type to the backend model id.
type Voice struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

type Catalog struct {
	Voices []Voice `yaml:"voices"`
}

// LoadCatalog reads a YAML voice list. A missing file yields an empty catalog.
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Catalog{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Catalog{}, nil
		}
		return Catalog{}, fmt.Errorf("read voice catalog: %w", err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse voice catalog: %w", err)
	}
	out := Catalog{Voices: make([]Voice, 0, len(c.Voices))}
	seen := map[string]struct{}{}
	for _, v := range c.Voices {
		v.Name = strings.TrimSpace(v.Name)
		v.Model = strings.TrimSpace(v.Model)
		if v.Name == "" {
			continue
		}
		if v.Model == "" {
			v.Model = v.Name
		}
		if _, dup := seen[v.Name]; dup {
			return Catalog{}, fmt.Errorf("duplicate voice %q", v.Name)
		}
		seen[v.Name] = struct{}{}
		out.Voices = append(out.Voices, v)
	}
	return out, nil
}

// Lookup returns the backend model for a user-facing voice name.
func (c Catalog) Lookup(name string) (string, bool) {
	name = strings.TrimSpace(name)
	for _, v := range c.Voices {
		if v.Name == name {
			return v.Model, true
		}
	}
	return "", false
}

func (c Catalog) Names() []string {
	names := make([]string, 0, len(c.Voices))
	for _, v := range c.Voices {
		names = append(names, v.Name)
	}
	return names
}
