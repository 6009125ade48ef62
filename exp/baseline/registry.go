// Package baseline enumerates the runtime baselines under comparison and the
// platform configuration that activates each one. It is pure data: no I/O besides
// the optional catalog file read at startup.
package baseline

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sc2-sys/sc2-exp/exp"
)

// ID identifies a baseline.
type ID string

// The closed set of known baselines.
const (
	Runc   ID = "runc"
	Kata   ID = "kata"
	SNP    ID = "snp"
	SNPSC2 ID = "snp-sc2"
	TDX    ID = "tdx"
	TDXSC2 ID = "tdx-sc2"
)

// Config is the platform configuration descriptor for a baseline.
type Config struct {
	RuntimeClass string `yaml:"runtime_class"` // empty selects the cluster's default runtime
	VMIsolated   bool   `yaml:"vm_isolated"`
	SNP          bool   `yaml:"snp"`
	TDX          bool   `yaml:"tdx"`
	SC2          bool   `yaml:"sc2"`
}

// ConfidentialMode returns "snp", "tdx" or "" for non-confidential baselines.
func (c Config) ConfidentialMode() string {
	switch {
	case c.SNP:
		return "snp"
	case c.TDX:
		return "tdx"
	}
	return ""
}

// Confidential reports whether the baseline uses a confidential-computing mode.
func (c Config) Confidential() bool {
	return c.SNP || c.TDX
}

// Validate checks that the platform flags are mutually consistent.
func (c Config) Validate() error {
	if c.SNP && c.TDX {
		return fmt.Errorf("claims both snp and tdx confidential-computing modes")
	}
	if c.Confidential() && !c.VMIsolated {
		return fmt.Errorf("confidential-computing mode %s requires vm isolation", c.ConfidentialMode())
	}
	if c.SC2 && !c.Confidential() {
		return fmt.Errorf("sc2 requires a confidential-computing mode")
	}
	if c.VMIsolated && c.RuntimeClass == "" {
		return fmt.Errorf("vm isolation requires a runtime class")
	}
	return nil
}

// Baseline is a named runtime configuration under comparison.
type Baseline struct {
	ID     ID
	Config Config
}

func (b Baseline) String() string { return string(b.ID) }

// builtin lists the baselines in their canonical order.
var builtin = []Baseline{
	{ID: Runc, Config: Config{}},
	{ID: Kata, Config: Config{RuntimeClass: "kata-qemu", VMIsolated: true}},
	{ID: SNP, Config: Config{RuntimeClass: "kata-qemu-snp", VMIsolated: true, SNP: true}},
	{ID: SNPSC2, Config: Config{RuntimeClass: "kata-qemu-snp-sc2", VMIsolated: true, SNP: true, SC2: true}},
	{ID: TDX, Config: Config{RuntimeClass: "kata-qemu-tdx", VMIsolated: true, TDX: true}},
	{ID: TDXSC2, Config: Config{RuntimeClass: "kata-qemu-tdx-sc2", VMIsolated: true, TDX: true, SC2: true}},
}

// Registry is an immutable, ordered set of baselines validated at construction.
type Registry struct {
	order []Baseline
	byID  map[ID]Baseline
}

// NewRegistry validates the given baselines once and builds a registry.
// Identifiers must be unique and every configuration must pass Validate.
func NewRegistry(baselines ...Baseline) (*Registry, error) {
	r := &Registry{byID: make(map[ID]Baseline, len(baselines))}
	for _, b := range baselines {
		if b.ID == "" {
			return nil, fmt.Errorf("baseline with empty identifier")
		}
		if _, dup := r.byID[b.ID]; dup {
			return nil, fmt.Errorf("duplicate baseline %q", b.ID)
		}
		if err := b.Config.Validate(); err != nil {
			return nil, fmt.Errorf("baseline %q: %w", b.ID, err)
		}
		r.byID[b.ID] = b
		r.order = append(r.order, b)
	}
	return r, nil
}

// Default returns the registry of built-in baselines.
func Default() *Registry {
	r, err := NewRegistry(builtin...)
	if err != nil {
		panic(fmt.Sprintf("built-in baselines are invalid: %v", err))
	}
	return r
}

// Resolve returns the configuration for an identifier.
func (r *Registry) Resolve(id string) (Config, error) {
	b, err := r.Lookup(id)
	if err != nil {
		return Config{}, err
	}
	return b.Config, nil
}

// Lookup returns the baseline for an identifier, failing with exp.ErrUnknownBaseline.
func (r *Registry) Lookup(id string) (Baseline, error) {
	b, ok := r.byID[ID(id)]
	if !ok {
		return Baseline{}, &exp.BaselineError{
			Baseline: id,
			Kind:     exp.ErrUnknownBaseline,
			Msg:      "valid: " + strings.Join(r.IDs(), ", "),
		}
	}
	return b, nil
}

// List returns every baseline in registry order.
func (r *Registry) List() []Baseline {
	return slices.Clone(r.order)
}

// IDs returns the identifiers in registry order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.order))
	for i, b := range r.order {
		ids[i] = string(b.ID)
	}
	return ids
}

// Select resolves a list of identifiers, dropping repeats while keeping request order.
func (r *Registry) Select(ids []string) ([]Baseline, error) {
	seen := make(map[string]bool, len(ids))
	var out []Baseline
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		b, err := r.Lookup(id)
		if err != nil {
			return nil, err
		}
		seen[id] = true
		out = append(out, b)
	}
	return out, nil
}
