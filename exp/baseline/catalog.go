package baseline

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk override file for baseline configuration.
// Only known identifiers may appear; unset fields keep the built-in value.
type Catalog struct {
	Baselines map[string]Override `yaml:"baselines"`
}

// Override changes selected fields of a built-in baseline.
type Override struct {
	RuntimeClass *string `yaml:"runtime_class"`
	VMIsolated   *bool   `yaml:"vm_isolated"`
	SNP          *bool   `yaml:"snp"`
	TDX          *bool   `yaml:"tdx"`
	SC2          *bool   `yaml:"sc2"`
}

func (o Override) apply(c Config) Config {
	if o.RuntimeClass != nil {
		c.RuntimeClass = *o.RuntimeClass
	}
	if o.VMIsolated != nil {
		c.VMIsolated = *o.VMIsolated
	}
	if o.SNP != nil {
		c.SNP = *o.SNP
	}
	if o.TDX != nil {
		c.TDX = *o.TDX
	}
	if o.SC2 != nil {
		c.SC2 = *o.SC2
	}
	return c
}

// LoadCatalog reads a catalog file and applies it on top of base.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadCatalog(path string, base *Registry) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading baseline catalog: %w", err)
	}
	var cat Catalog
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cat); err != nil {
		return nil, fmt.Errorf("parsing baseline catalog: %w", err)
	}
	return cat.Apply(base)
}

// Apply returns a new registry with the overrides applied and re-validated.
func (c Catalog) Apply(base *Registry) (*Registry, error) {
	for id := range c.Baselines {
		if _, err := base.Lookup(id); err != nil {
			return nil, fmt.Errorf("baseline catalog: %w", err)
		}
	}
	var out []Baseline
	for _, b := range base.List() {
		if o, ok := c.Baselines[string(b.ID)]; ok {
			b.Config = o.apply(b.Config)
		}
		out = append(out, b)
	}
	return NewRegistry(out...)
}
