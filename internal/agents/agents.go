// Package agents loads YAML agent definitions and runs them through the AI
// router.
//
// An agent lives in <dir>/<agent_id>.yml:
//
//	name: Query optimizer
//	description: Rewrites questions for retrieval.
//	provider: OpenAI
//	model: gpt-4o-mini
//	role: You rewrite search queries.
//	task: Rewrite the input question.
//	parameters:
//	  temperature: 0.2
//	  max_tokens: 200
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/perculacms/pagecontext/internal/service/ai"
)

// ErrUnknownAgent is returned when no definition exists for an agent id.
var ErrUnknownAgent = errors.New("agents: unknown agent")

// Parameters are optional generation settings.
type Parameters struct {
	Temperature *float64 `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens" json:"max_tokens,omitempty"`
}

// Definition is one agent. ID is the file name without extension.
type Definition struct {
	ID          string     `yaml:"-" json:"id"`
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Provider    string     `yaml:"provider" json:"provider"`
	Model       string     `yaml:"model" json:"model"`
	Role        string     `yaml:"role" json:"role"`
	Task        string     `yaml:"task" json:"task"`
	Parameters  Parameters `yaml:"parameters" json:"parameters"`
}

func (d Definition) validate() error {
	var missing []string
	for _, f := range []struct{ name, v string }{
		{"provider", d.Provider}, {"model", d.Model}, {"role", d.Role}, {"task", d.Task},
	} {
		if strings.TrimSpace(f.v) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Parse decodes a definition and assigns it the given id.
func Parse(id string, data []byte) (Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Definition{}, fmt.Errorf("agents: parse %s: %w", id, err)
	}
	if err := d.validate(); err != nil {
		return Definition{}, fmt.Errorf("agents: %s: %w", id, err)
	}
	d.ID = id
	if d.Name == "" {
		d.Name = id
	}
	return d, nil
}

// Registry holds the definitions of a directory.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry over dir. Call Load to read it.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	return &Registry{dir: dir, logger: logger, defs: map[string]Definition{}}
}

func isDefinitionFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

// Load replaces the registry contents with the definitions found in the
// directory. Invalid files are logged and skipped. A missing directory
// yields an empty registry.
func (r *Registry) Load() error {
	defs := map[string]Definition{}
	if r.dir != "" {
		entries, err := os.ReadDir(r.dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("agents: read dir %s: %w", r.dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !isDefinitionFile(e.Name()) {
				continue
			}
			path := filepath.Join(r.dir, e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				r.logger.Warn("agents: read failed", "path", path, "error", err)
				continue
			}
			id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			d, err := Parse(id, data)
			if err != nil {
				r.logger.Warn("agents: invalid definition", "path", path, "error", err)
				continue
			}
			defs[id] = d
		}
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	r.logger.Debug("agents: loaded", "dir", r.dir, "count", len(defs))
	return nil
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// List returns all definitions ordered by id.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Definition) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Chatter is the router capability agents need.
type Chatter interface {
	Chat(ctx context.Context, messages []ai.Message, c ai.Call) (ai.Completion, error)
}

// Runner executes registered agents.
type Runner struct {
	registry *Registry
	router   Chatter
}

// NewRunner creates a Runner.
func NewRunner(registry *Registry, router Chatter) *Runner {
	return &Runner{registry: registry, router: router}
}

// Registry returns the runner's registry.
func (r *Runner) Registry() *Registry { return r.registry }

// Has reports whether agent id is defined.
func (r *Runner) Has(id string) bool {
	_, ok := r.registry.Get(id)
	return ok
}

// Run executes agent id on input. The call is recorded in the ledger under
// the agent id; user and client ip are taken from c.
func (r *Runner) Run(ctx context.Context, id, input, extra string, c ai.Call) (ai.Completion, error) {
	d, ok := r.registry.Get(id)
	if !ok {
		return ai.Completion{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	c.Agent = id
	c.ProviderType, c.ModelID = d.Provider, d.Model
	c.Options = ai.Options{Temperature: d.Parameters.Temperature, MaxTokens: d.Parameters.MaxTokens}

	out, err := r.router.Chat(ctx, Messages(d, input, extra), c)
	if err != nil {
		return ai.Completion{}, fmt.Errorf("agents: run %s: %w", id, err)
	}
	out.Text = strings.TrimSpace(out.Text)
	return out, nil
}

// Messages builds the conversation for one run: the role as system message,
// then the task followed by optional context and the input.
func Messages(d Definition, input, extra string) []ai.Message {
	var sb strings.Builder
	sb.WriteString(d.Task)
	if extra != "" {
		sb.WriteString("\n\nContext:\n")
		sb.WriteString(extra)
	}
	sb.WriteString("\n\nInput:\n")
	sb.WriteString(input)
	return []ai.Message{
		{Role: ai.RoleSystem, Content: d.Role},
		{Role: ai.RoleUser, Content: sb.String()},
	}
}
