package ports

import "github.com/eleven-am/procflow/internal/domain"

// GraphResolver exposes compiled definitions to the engine and serializer.
type GraphResolver interface {
	domain.SpecResolver
	Graph(id string) (*domain.Graph, error)
}
