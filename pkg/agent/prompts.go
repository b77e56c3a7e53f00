// Package agent implements the six stage transformers. Agents are pure with
// respect to the store: they turn one stage's output into the next stage's
// input and leave all persistence to the orchestrator.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Prompt template files expected under the prompts directory.
const (
	PromptProblem = "problem_extraction.txt"
	PromptSpec    = "spec_generation.txt"
	PromptContent = "content_generation.txt"
	PromptVerify  = "verifier.txt"
	PromptListing = "listing.txt"
)

// PromptLibrary holds the stage prompt templates, loaded once per run. The
// files are read-only after startup.
type PromptLibrary struct {
	templates map[string]string
}

// LoadPrompts reads all stage templates from dir. A missing template is a
// startup error, not a per-post one.
func LoadPrompts(dir string) (*PromptLibrary, error) {
	names := []string{PromptProblem, PromptSpec, PromptContent, PromptVerify, PromptListing}
	templates := make(map[string]string, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to load prompt template %s: %w", name, err)
		}
		templates[name] = string(data)
	}
	return &PromptLibrary{templates: templates}, nil
}

// Render substitutes <<KEY>> placeholders in the named template. Unknown
// placeholders left in the template are an error so a typo in a template file
// fails loudly instead of leaking literal markers into a prompt.
func (l *PromptLibrary) Render(name string, vars map[string]string) (string, error) {
	tmpl, ok := l.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt template %s", name)
	}
	out := tmpl
	for key, value := range vars {
		out = strings.ReplaceAll(out, "<<"+key+">>", value)
	}
	if start := strings.Index(out, "<<"); start >= 0 {
		if end := strings.Index(out[start:], ">>"); end >= 0 {
			return "", fmt.Errorf("unsubstituted placeholder %s in template %s", out[start:start+end+2], name)
		}
	}
	return out, nil
}
