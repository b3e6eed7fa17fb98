package config

import (
	"errors"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// Capability names a model may declare.
var Capabilities = []string{"text_input", "image_input", "image_output", "streaming"}

type ModelSettings struct {
	MaxTokens   int      `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature" json:"temperature,omitempty"`
}

// ModelEntry maps a public model name to a provider and its upstream id.
type ModelEntry struct {
	Name         string          `yaml:"name" json:"name"`
	DisplayName  string          `yaml:"display_name" json:"display_name"`
	Provider     string          `yaml:"provider" json:"provider"`
	ModelID      string          `yaml:"model_id" json:"model_id"`
	Description  string          `yaml:"description" json:"description"`
	Capabilities map[string]bool `yaml:"capabilities" json:"capabilities"`
	Settings     ModelSettings   `yaml:"settings" json:"settings"`
}

type Catalog struct {
	Models []ModelEntry `yaml:"models"`
}

// LoadCatalog reads the model catalog. A missing file gives an empty
// catalog; a file that does not parse is an error.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("[Config] model catalog not found path=%s", path)
		return &Catalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read model catalog %s: %w", path, err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse model catalog %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("model catalog %s: %w", path, err)
	}
	log.Printf("[Config] model catalog loaded path=%s models=%d", path, len(c.Models))
	return &c, nil
}

// Validate checks required fields, capability names and duplicate names.
func (c *Catalog) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("models[%d]: missing required field: name", i))
		}
		if m.Provider == "" {
			errs = append(errs, fmt.Errorf("models[%d]: missing required field: provider", i))
		}
		if m.ModelID == "" {
			errs = append(errs, fmt.Errorf("models[%d]: missing required field: model_id", i))
		}
		for capName := range m.Capabilities {
			if !knownCapability(capName) {
				errs = append(errs, fmt.Errorf("models[%d]: unknown capability: %s", i, capName))
			}
		}
		if m.Name != "" && seen[m.Name] {
			errs = append(errs, fmt.Errorf("models[%d]: duplicate name: %s", i, m.Name))
		}
		seen[m.Name] = true
	}
	return errors.Join(errs...)
}

func knownCapability(name string) bool {
	for _, c := range Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

func (c *Catalog) Model(name string) (ModelEntry, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelEntry{}, false
}

func (c *Catalog) ByProvider(provider string) []ModelEntry {
	var out []ModelEntry
	for _, m := range c.Models {
		if m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

type ModelRef struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Provider    string `json:"provider"`
}

// CapabilitySummary lists, per known capability, the models that declare it.
func (c *Catalog) CapabilitySummary() map[string][]ModelRef {
	out := make(map[string][]ModelRef, len(Capabilities))
	for _, capName := range Capabilities {
		out[capName] = []ModelRef{}
	}
	for _, m := range c.Models {
		for capName, ok := range m.Capabilities {
			if _, known := out[capName]; ok && known {
				out[capName] = append(out[capName], ModelRef{Name: m.Name, DisplayName: m.DisplayName, Provider: m.Provider})
			}
		}
	}
	return out
}
