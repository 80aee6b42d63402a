// Package agents loads the agent definitions that dry runs are simulated
// against.
package agents

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/dryrun"
)

var (
	ErrNotFound   = errors.New("agent not found")
	ErrInvalidDef = errors.New("invalid agent definition")
)

// Definition is one agent file.
type Definition struct {
	ID           string            `yaml:"id"`
	WorkspaceID  string            `yaml:"workspace"`
	Name         string            `yaml:"name"`
	Schedule     string            `yaml:"schedule"`
	Integrations []string          `yaml:"integrations"`
	Templates    []dryrun.Template `yaml:"templates"`
	Plan         dryrun.Plan       `yaml:"plan"`
}

// Agent returns what the estimator needs to know about the definition.
func (d Definition) Agent() dryrun.Agent {
	templates := make(map[string]dryrun.Template, len(d.Templates))
	for _, t := range d.Templates {
		templates[t.Name] = t
	}
	integrations := make([]string, len(d.Integrations))
	for i, name := range d.Integrations {
		integrations[i] = strings.ToLower(name)
	}
	return dryrun.Agent{
		ID:           d.ID,
		WorkspaceID:  d.WorkspaceID,
		Schedule:     d.Schedule,
		Integrations: integrations,
		Templates:    templates,
	}
}

func (d Definition) validate() error {
	if d.ID == "" || d.WorkspaceID == "" {
		return fmt.Errorf("%w: id and workspace are required", ErrInvalidDef)
	}
	for _, t := range d.Templates {
		if t.Name == "" {
			return fmt.Errorf("%w: agent %s: template without name", ErrInvalidDef, d.ID)
		}
	}
	return nil
}

// Parse decodes one agent definition.
func Parse(data []byte) (Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Definition{}, fmt.Errorf("%w: %v", ErrInvalidDef, err)
	}
	if err := d.validate(); err != nil {
		return Definition{}, err
	}
	return d, nil
}

type key struct{ workspace, agent string }

// Registry holds agent definitions keyed by workspace and agent id.
type Registry struct {
	mu   sync.RWMutex
	defs map[key]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[key]Definition)}
}

// LoadDir reads every *.yaml and *.yml file in dir. A missing directory gives
// an empty registry.
func LoadDir(dir string) (*Registry, error) {
	r := NewRegistry()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("dir", dir).Msg("agent directory not found, dry runs will report unknown agents")
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading agent directory: %w", err)
	}

	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- files under the configured agent directory
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		d, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := r.Add(d); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	log.Info().Str("dir", dir).Int("agents", r.Len()).Msg("loaded agent definitions")
	return r, nil
}

// Add registers d. Registering the same agent twice is an error.
func (r *Registry) Add(d Definition) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{d.WorkspaceID, d.ID}
	if _, ok := r.defs[k]; ok {
		return fmt.Errorf("%w: agent %s defined twice in workspace %s", ErrInvalidDef, d.ID, d.WorkspaceID)
	}
	r.defs[k] = d
	return nil
}

// Get looks up an agent in a workspace.
func (r *Registry) Get(workspaceID, agentID string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[key{workspaceID, agentID}]
	if !ok {
		return Definition{}, fmt.Errorf("agent %s in workspace %s: %w", agentID, workspaceID, ErrNotFound)
	}
	return d, nil
}

// IDs lists the agents of a workspace in order.
func (r *Registry) IDs(workspaceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for k := range r.defs {
		if k.workspace == workspaceID {
			ids = append(ids, k.agent)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
