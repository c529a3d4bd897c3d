package flow

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
)

//go:embed definitions/*.json
var embeddedDefinitions embed.FS

// DefaultFlowID is the flow new conversations start when none is configured.
const DefaultFlowID = "botpoditov2"

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDefaultFlow sets the flow id returned by Default.
func WithDefaultFlow(id string) RegistryOption {
	return func(r *Registry) {
		if id != "" {
			r.defaultID = id
		}
	}
}

// Registry holds compiled flows by id.
type Registry struct {
	mu        sync.RWMutex
	graphs    map[string]*Graph
	defaultID string
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{graphs: make(map[string]*Graph), defaultID: DefaultFlowID}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadRegistry builds a registry with the embedded flows plus every
// definition found in dir (when dir is non-empty), and checks that the
// default flow exists.
func LoadRegistry(dir string, opts ...RegistryOption) (*Registry, error) {
	r := NewRegistry(opts...)
	if err := r.LoadEmbedded(); err != nil {
		return nil, err
	}
	if dir != "" {
		if err := r.LoadDir(dir); err != nil {
			return nil, err
		}
	}
	if _, err := r.Default(); err != nil {
		return nil, err
	}
	return r, nil
}

// Register compiles def and adds it. Duplicate ids are rejected.
func (r *Registry) Register(def models.FlowDefinition) (*Graph, error) {
	g, err := Compile(def)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.graphs[g.ID()]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateFlow, g.ID())
	}
	r.graphs[g.ID()] = g
	slog.Info("Flow registered", "flowID", g.ID(), "nodes", g.Len(), "ai", def.AI.RouterEnabled())
	return g, nil
}

// LoadEmbedded registers the flows shipped with the binary.
func (r *Registry) LoadEmbedded() error {
	return r.loadFS(embeddedDefinitions, "definitions")
}

// LoadDir registers every *.json, *.yaml and *.yml definition in dir.
func (r *Registry) LoadDir(dir string) error {
	slog.Debug("Registry LoadDir", "dir", dir)
	return r.loadFS(os.DirFS(dir), ".")
}

func (r *Registry) loadFS(fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("failed to read flow directory %s: %w", root, err)
	}
	for _, e := range entries {
		if e.IsDir() || FormatFromPath(e.Name()) == "" {
			continue
		}
		p := path.Join(root, e.Name())
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("failed to read flow %s: %w", p, err)
		}
		def, err := ParseDefinition(data, FormatFromPath(e.Name()))
		if err != nil {
			return fmt.Errorf("flow %s: %w", e.Name(), err)
		}
		if _, err := r.Register(def); err != nil {
			return fmt.Errorf("flow %s: %w", e.Name(), err)
		}
	}
	return nil
}

// FormatFromPath returns "json" or "yaml" for a definition file name, or ""
// for anything else.
func FormatFromPath(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}

// ParseDefinition decodes a flow definition in the given format.
func ParseDefinition(data []byte, format string) (models.FlowDefinition, error) {
	var def models.FlowDefinition
	var err error
	switch format {
	case "json", "":
		err = json.Unmarshal(data, &def)
	case "yaml":
		err = yaml.Unmarshal(data, &def)
	default:
		return def, fmt.Errorf("unsupported flow format %q", format)
	}
	if err != nil {
		return def, fmt.Errorf("failed to decode %s flow: %w", format, err)
	}
	return def, nil
}

// Get returns the flow with the given id.
func (r *Registry) Get(id string) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, id)
	}
	return g, nil
}

// Default returns the configured default flow.
func (r *Registry) Default() (*Graph, error) {
	return r.Get(r.defaultID)
}

// DefaultID returns the configured default flow id.
func (r *Registry) DefaultID() string { return r.defaultID }

// List returns summaries of all flows sorted by id.
func (r *Registry) List() []models.FlowSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.FlowSummary, 0, len(r.graphs))
	for _, g := range r.graphs {
		out = append(out, g.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
