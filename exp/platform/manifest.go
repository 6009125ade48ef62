package platform

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/shell"

	"github.com/sc2-sys/sc2-exp/exp/baseline"
)

//go:embed templates/knative-service.yaml
var defaultTemplate string

// DefaultImage is the hello-world workload measured by default.
const DefaultImage = "ghcr.io/sc2-sys/knative-helloworld:unencrypted"

// ServiceLabel selects the pods and deployments of a service.
const ServiceLabel = "apps.sc2.io/name"

// Template renders the Knative service manifest for a baseline. The text uses envsubst
// syntax (${VAR}); KSERVICE_NAME, NAMESPACE, IMAGE, BASELINE and RUNTIME_CLASS are set
// by Render and any other variable is read from Vars.
type Template struct {
	Text string
	Vars map[string]string
}

// DefaultTemplate returns the built-in hello-world service template.
func DefaultTemplate() *Template {
	return &Template{Text: defaultTemplate}
}

// LoadTemplate reads a manifest template from disk.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest template: %w", err)
	}
	return &Template{Text: string(data)}, nil
}

// ServiceRef names the workload being measured.
type ServiceRef struct {
	Name      string
	Namespace string
	Image     string
}

// Render substitutes variables and pins spec.template.spec.runtimeClassName to the
// baseline's runtime class, removing the field for baselines that use the cluster
// default runtime.
func (t *Template) Render(svc ServiceRef, b baseline.Baseline) ([]byte, error) {
	vars := map[string]string{
		"KSERVICE_NAME": svc.Name,
		"NAMESPACE":     svc.Namespace,
		"IMAGE":         svc.Image,
		"BASELINE":      string(b.ID),
		"RUNTIME_CLASS": b.Config.RuntimeClass,
	}
	expanded, err := shell.Expand(t.Text, func(name string) string {
		if v, ok := vars[name]; ok {
			return v
		}
		return t.Vars[name]
	})
	if err != nil {
		return nil, fmt.Errorf("expanding manifest template: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("parsing rendered manifest: %w", err)
	}
	podSpec, err := lookupMap(doc, "spec", "template", "spec")
	if err != nil {
		return nil, err
	}
	if b.Config.RuntimeClass == "" {
		delete(podSpec, "runtimeClassName")
	} else {
		podSpec["runtimeClassName"] = b.Config.RuntimeClass
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	return out, nil
}

func lookupMap(doc map[string]any, path ...string) (map[string]any, error) {
	cur := doc
	for i, key := range path {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("manifest has no mapping at %v", path[:i+1])
		}
		cur = next
	}
	return cur, nil
}
