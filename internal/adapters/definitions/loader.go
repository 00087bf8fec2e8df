package definitions

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/xjson"
)

// ProcessFile is the compiled form of one process as emitted by a diagram compiler.
type ProcessFile struct {
	ID    string             `json:"id" yaml:"id"`
	Name  string             `json:"name,omitempty" yaml:"name,omitempty"`
	Tasks []*domain.TaskSpec `json:"tasks" yaml:"tasks"`
}

// DefinitionFile holds one or more processes. A file may also describe a single
// process at the top level.
type DefinitionFile struct {
	ProcessFile `yaml:",inline"`
	Processes   []ProcessFile `json:"processes,omitempty" yaml:"processes,omitempty"`
}

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Parse decodes a definition file and compiles every process it contains.
func Parse(raw []byte, format Format) ([]*domain.Graph, error) {
	var file DefinitionFile
	var err error
	switch format {
	case FormatJSON:
		err = xjson.Unmarshal(raw, &file)
	default:
		err = yaml.Unmarshal(raw, &file)
	}
	if err != nil {
		return nil, domain.NewValidationError("failed to decode definition", err, domain.WithComponent("definitions"),
			domain.WithDetail("format", string(format)))
	}

	processes := file.Processes
	if file.ID != "" {
		processes = append([]ProcessFile{file.ProcessFile}, processes...)
	}
	if len(processes) == 0 {
		return nil, domain.NewValidationError("definition contains no process", domain.ErrInvalidInput)
	}

	graphs := make([]*domain.Graph, 0, len(processes))
	for _, p := range processes {
		g, err := domain.NewGraph(p.ID, p.Name, p.Tasks)
		if err != nil {
			return nil, err
		}
		graphs = append(graphs, g)
	}
	return graphs, nil
}

// LoadFile parses a definition file and registers its graphs.
func (r *Registry) LoadFile(path string) ([]*domain.Graph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewValidationError("failed to read definition", err, domain.WithDetail("path", path))
	}
	graphs, err := Parse(raw, FormatFromPath(path))
	if err != nil {
		return nil, err
	}
	if err := r.Register(graphs...); err != nil {
		return nil, err
	}
	r.logger.Info("definitions loaded", "path", path, "count", len(graphs))
	return graphs, nil
}
