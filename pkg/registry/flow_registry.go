// Package registry keeps the flow definitions a server can execute.
package registry

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tcmartin/stepflow/pkg/loader"
	"github.com/tcmartin/stepflow/pkg/logging"
	"github.com/tcmartin/stepflow/pkg/runtime"
)

//go:embed flows/*.yaml
var builtinFlows embed.FS

// Errors returned by the flow registry
var (
	ErrInvalidDefinition = errors.New("invalid flow definition")
	ErrBuiltinFlow       = errors.New("built-in flows cannot be removed")
)

// SourceBuiltin marks definitions shipped with the binary
const SourceBuiltin = "builtin"

// FlowInfo describes a registered flow
type FlowInfo struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Steps       []string            `json:"steps"`
	Checkpoints map[string][]string `json:"checkpoints,omitempty"`
	Source      string              `json:"source"`
}

type entry struct {
	def    *runtime.Definition
	source string
}

// FlowRegistry holds flow definitions by id
type FlowRegistry struct {
	mu     sync.RWMutex
	flows  map[string]entry
	loader *loader.DefaultYAMLLoader
	logger logging.Logger
}

// NewFlowRegistry creates an empty registry that parses documents with l
func NewFlowRegistry(l *loader.DefaultYAMLLoader, logger logging.Logger) *FlowRegistry {
	if l == nil {
		l = loader.NewYAMLLoader(nil, nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &FlowRegistry{
		flows:  make(map[string]entry),
		loader: l,
		logger: logger,
	}
}

// LoadBuiltins registers the flows shipped with the binary
func (r *FlowRegistry) LoadBuiltins() error {
	names, err := fs.Glob(builtinFlows, "flows/*.yaml")
	if err != nil {
		return err
	}
	for _, name := range names {
		content, err := builtinFlows.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read built-in flow %s: %w", name, err)
		}
		if _, err := r.RegisterYAML(string(content), SourceBuiltin); err != nil {
			return fmt.Errorf("built-in flow %s: %w", name, err)
		}
	}
	return nil
}

// LoadDir registers every *.yaml and *.yml file in dir and returns how many
// were loaded. Files that fail to parse abort the load.
func (r *FlowRegistry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read flow directory: %w", err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		def, err := r.loader.ParseFile(path)
		if err != nil {
			return loaded, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		if err := r.Register(def, path); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

// RegisterYAML parses a document and registers the result
func (r *FlowRegistry) RegisterYAML(content, source string) (*runtime.Definition, error) {
	def, err := r.loader.Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := r.Register(def, source); err != nil {
		return nil, err
	}
	return def, nil
}

// Register adds or replaces a definition. Running sessions keep the
// definition they started with.
func (r *FlowRegistry) Register(def *runtime.Definition, source string) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if err := def.Validate(r.loader.Rules()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	r.mu.Lock()
	_, replaced := r.flows[def.ID]
	r.flows[def.ID] = entry{def: def, source: source}
	r.mu.Unlock()

	r.logger.Info("Registered flow",
		logging.String("flow_id", def.ID),
		logging.String("source", source),
		logging.Int("steps", len(def.Steps)),
		logging.Any("replaced", replaced),
	)
	return nil
}

// Get implements runtime.DefinitionSource
func (r *FlowRegistry) Get(id string) (*runtime.Definition, error) {
	r.mu.RLock()
	e, ok := r.flows[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", runtime.ErrFlowNotFound, id)
	}
	return e.def, nil
}

// Info describes one flow
func (r *FlowRegistry) Info(id string) (FlowInfo, error) {
	r.mu.RLock()
	e, ok := r.flows[id]
	r.mu.RUnlock()
	if !ok {
		return FlowInfo{}, fmt.Errorf("%w: %s", runtime.ErrFlowNotFound, id)
	}
	return describe(e), nil
}

// List returns all flows ordered by id
func (r *FlowRegistry) List() []FlowInfo {
	r.mu.RLock()
	infos := make([]FlowInfo, 0, len(r.flows))
	for _, e := range r.flows {
		infos = append(infos, describe(e))
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Remove deletes a flow loaded from a file or registered at runtime
func (r *FlowRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.flows[id]
	if !ok {
		return fmt.Errorf("%w: %s", runtime.ErrFlowNotFound, id)
	}
	if e.source == SourceBuiltin {
		return fmt.Errorf("%w: %s", ErrBuiltinFlow, id)
	}
	delete(r.flows, id)
	return nil
}

// Len returns the number of registered flows
func (r *FlowRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows)
}

func describe(e entry) FlowInfo {
	info := FlowInfo{
		ID:          e.def.ID,
		Name:        e.def.Name,
		Description: e.def.Description,
		Steps:       e.def.StepIDs(),
		Source:      e.source,
	}
	for stepID, ops := range e.def.Operations {
		if info.Checkpoints == nil {
			info.Checkpoints = make(map[string][]string)
		}
		names := make([]string, len(ops))
		for i, op := range ops {
			names[i] = op.Name
		}
		info.Checkpoints[stepID] = names
	}
	return info
}
