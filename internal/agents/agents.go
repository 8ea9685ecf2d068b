// Package agents holds the fixed catalogue of phase agents and renders their prompts.
package agents

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"
)

//go:embed prompts/*.tmpl
var promptTemplatesFS embed.FS

var promptTemplates = template.Must(template.ParseFS(promptTemplatesFS, "prompts/*.tmpl"))

// ID identifies one agent in the catalogue.
type ID string

// Catalogue ids, in canonical phase order.
const (
	Analyst   ID = "analyst"
	Architect ID = "architect"
	Planner   ID = "planner"
	Developer ID = "developer"
	Tester    ID = "tester"
	Reviewer  ID = "reviewer"
)

// NoPreviousOutput stands in for the accumulated context of the first phase.
const NoPreviousOutput = "(no previous output)"

// DefinitionDir is the project-relative directory holding agent definitions.
const DefinitionDir = ".specforge/agents"

// Agent describes one phase agent.
type Agent struct {
	ID          ID            `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Timeout     time.Duration `json:"timeout"`
	TracksTasks bool          `json:"tracks_tasks"`
}

var catalogue = []Agent{
	{ID: Analyst, Name: "Analyst", Description: "Extracts requirements and open questions", Timeout: 10 * time.Minute},
	{ID: Architect, Name: "Architect", Description: "Designs components and interfaces", Timeout: 15 * time.Minute},
	{ID: Planner, Name: "Planner", Description: "Breaks the work into checklist tasks", Timeout: 10 * time.Minute},
	{ID: Developer, Name: "Developer", Description: "Implements unchecked tasks", Timeout: 60 * time.Minute, TracksTasks: true},
	{ID: Tester, Name: "Tester", Description: "Writes and runs tests for implemented tasks", Timeout: 30 * time.Minute, TracksTasks: true},
	{ID: Reviewer, Name: "Reviewer", Description: "Reviews the changes against the specification", Timeout: 15 * time.Minute},
}

// All returns the catalogue in its canonical order.
func All() []Agent {
	out := make([]Agent, len(catalogue))
	copy(out, catalogue)
	return out
}

// Lookup returns the agent with id.
func Lookup(id string) (Agent, bool) {
	normalized := ID(strings.ToLower(strings.TrimSpace(id)))
	for _, agent := range catalogue {
		if agent.ID == normalized {
			return agent, true
		}
	}
	return Agent{}, false
}

// PromptInput carries the values substituted into an agent template.
type PromptInput struct {
	Spec            string
	PreviousOutputs []string
	Definition      string
}

// BuildPrompt renders the agent's template, prefixed by its definition block.
func BuildPrompt(agent Agent, input PromptInput) (string, error) {
	previous := strings.Join(input.PreviousOutputs, "\n")
	if strings.TrimSpace(previous) == "" {
		previous = NoPreviousOutput
	}
	renderInput := struct {
		Spec           string
		PreviousOutput string
	}{
		Spec:           strings.TrimSpace(input.Spec),
		PreviousOutput: previous,
	}
	if renderInput.Spec == "" {
		renderInput.Spec = "(none provided)"
	}

	templateName := string(agent.ID) + ".tmpl"
	var prompt bytes.Buffer
	if definition := strings.TrimSpace(input.Definition); definition != "" {
		prompt.WriteString(definition)
		prompt.WriteString("\n\n")
	}
	if err := promptTemplates.ExecuteTemplate(&prompt, templateName, renderInput); err != nil {
		return "", fmt.Errorf("render %s: %w", templateName, err)
	}
	return prompt.String(), nil
}

// LoadDefinition returns the project definition for agent from
// <projectDir>/.specforge/agents/<id>.md, or a generic reference when absent.
func LoadDefinition(projectDir string, agent Agent) string {
	path := DefinitionPath(projectDir, agent.ID)
	// #nosec G304 -- path is built from the project directory and a catalogue id.
	content, err := os.ReadFile(path)
	if err == nil && strings.TrimSpace(string(content)) != "" {
		return strings.TrimSpace(string(content))
	}
	return fmt.Sprintf("Act as the %s agent: %s.", agent.Name, strings.ToLower(agent.Description))
}

// DefinitionPath returns where the project definition for id lives.
func DefinitionPath(projectDir string, id ID) string {
	return filepath.Join(projectDir, DefinitionDir, string(id)+".md")
}
