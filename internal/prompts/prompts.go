// Package prompts holds the text templates handed to agent processes for
// each phase. Built-in defaults are embedded; a YAML file can override any
// subset of them.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/iondrive-co/chad/internal/common/logger"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Phase template names.
const (
	Exploration  = "exploration"
	Combined     = "combined"
	Continuation = "continuation"
	Revision     = "revision"
	Verification = "verification"
)

// Data is the substitution context for a phase template.
type Data struct {
	Task        string
	PriorOutput string
	Feedback    string // verifier issues, revision phase only
	Handoff     string // condensed context carried across providers
	Screenshots []string
}

// Library is an immutable set of compiled phase templates.
type Library struct {
	templates map[string]*template.Template
}

// Load compiles the embedded defaults and, when path names an existing
// file, overlays templates from it. Unknown template names in the overlay
// are accepted so operators can add provider-specific variants.
func Load(path string, log *logger.Logger) (*Library, error) {
	if log == nil {
		log = logger.Default()
	}

	raw := map[string]string{}
	if err := yaml.Unmarshal(defaultsYAML, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse embedded prompt defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			log.Debug("no prompt override file, using defaults", zap.String("path", path))
		case err != nil:
			return nil, fmt.Errorf("failed to read prompt file: %w", err)
		default:
			overlay := map[string]string{}
			if err := yaml.Unmarshal(data, &overlay); err != nil {
				return nil, fmt.Errorf("failed to parse prompt file %s: %w", path, err)
			}
			for name, text := range overlay {
				raw[name] = text
			}
			log.Info("Loaded prompt overrides", zap.String("path", path), zap.Int("count", len(overlay)))
		}
	}

	lib := &Library{templates: make(map[string]*template.Template, len(raw))}
	for name, text := range raw {
		tmpl, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("failed to compile prompt template %q: %w", name, err)
		}
		lib.templates[name] = tmpl
	}
	return lib, nil
}

// Render executes the named template with the given data.
func (l *Library) Render(name string, data Data) (string, error) {
	tmpl, ok := l.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %q: %w", name, err)
	}
	return strings.TrimSpace(b.String()) + "\n", nil
}

// Has reports whether a template with this name exists.
func (l *Library) Has(name string) bool {
	_, ok := l.templates[name]
	return ok
}
