package definitions

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/procflow/internal/domain"
)

// Registry holds compiled graphs by id and resolves specs for running instances.
type Registry struct {
	graphs map[string]*domain.Graph
	byHash map[string]*domain.Graph
	mu     sync.RWMutex
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		graphs: make(map[string]*domain.Graph),
		byHash: make(map[string]*domain.Graph),
		logger: logger.With("component", "definitions"),
	}
}

// Register adds graphs as one unit. Cross-graph references are validated against
// the union of the existing and new graphs; nothing is added when validation fails.
func (r *Registry) Register(graphs ...*domain.Graph) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidate := make(map[string]*domain.Graph, len(r.graphs)+len(graphs))
	for id, g := range r.graphs {
		candidate[id] = g
	}
	for _, g := range graphs {
		if existing, ok := candidate[g.ID()]; ok && existing.Hash() != g.Hash() {
			r.logger.Info("replacing definition", "graph_id", g.ID(), "old_hash", existing.Hash(), "new_hash", g.Hash())
		}
		candidate[g.ID()] = g
	}

	result := Validate(graphs, candidate)
	if !result.Valid() {
		r.logger.Warn("definition validation failed", "errors", len(result.Errors))
		return result.Err()
	}
	for _, w := range result.Warnings {
		r.logger.Debug("definition warning", "graph_id", w.GraphID, "spec_id", w.SpecID, "code", w.Code, "message", w.Message)
	}

	for _, g := range graphs {
		r.graphs[g.ID()] = g
		r.byHash[g.Hash()] = g
		r.logger.Debug("definition registered", "graph_id", g.ID(), "hash", g.Hash())
	}
	return nil
}

func (r *Registry) Graph(id string) (*domain.Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.graphs[id]
	if !ok {
		return nil, &domain.UnknownSpecError{GraphID: id, SpecID: domain.RootSpecID}
	}
	return g, nil
}

// GraphByHash finds any registered revision of a definition by content hash.
func (r *Registry) GraphByHash(hash string) (*domain.Graph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byHash[hash]
	return g, ok
}

func (r *Registry) Spec(graphID, specID string) (*domain.TaskSpec, error) {
	g, err := r.Graph(graphID)
	if err != nil {
		return nil, err
	}
	if specID == domain.RootSpecID {
		return domain.RootSpec(), nil
	}
	return g.GetSpec(specID)
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
