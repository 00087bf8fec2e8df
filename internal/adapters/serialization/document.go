package serialization

import (
	"time"

	"github.com/eleven-am/procflow/internal/domain"
)

const (
	// CurrentVersion is the schema version written by Serialize.
	CurrentVersion = 3
	// OldestVersion is the oldest schema version Deserialize can migrate from.
	OldestVersion = 1
)

type GraphRef struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

type TaskRecord struct {
	GUID         string                 `json:"guid"`
	SpecID       string                 `json:"spec_id"`
	GraphID      string                 `json:"graph_id,omitempty"`
	State        domain.TaskState       `json:"state"`
	Parent       string                 `json:"parent,omitempty"`
	Children     []string               `json:"children"`
	Data         map[string]interface{} `json:"data"`
	InternalData map[string]interface{} `json:"internal_data,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Document is the persisted form of one process instance.
type Document struct {
	Version     int                     `json:"version"`
	InstanceID  string                  `json:"instance_id"`
	Definition  GraphRef                `json:"definition"`
	Graphs      []GraphRef              `json:"graphs,omitempty"`
	Status      domain.ProcessStatus    `json:"status"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	LastError   *domain.ErrorRecord     `json:"last_error,omitempty"`
	Revision    int64                   `json:"revision"`
	Root        string                  `json:"root"`
	Tasks       []TaskRecord            `json:"tasks"`
	Joins       []*domain.JoinState     `json:"joins,omitempty"`
	Correlation domain.CorrelationState `json:"correlation"`
	SavedAt     time.Time               `json:"saved_at"`
}

func recordOf(t *domain.TaskInstance) TaskRecord {
	snap := t.Snapshot()
	rec := TaskRecord{
		GUID:         snap.GUID,
		SpecID:       snap.SpecID,
		GraphID:      snap.GraphID,
		State:        snap.State,
		Parent:       snap.Parent,
		Children:     snap.Children,
		Data:         snap.Data,
		InternalData: snap.InternalData,
		UpdatedAt:    snap.UpdatedAt,
	}
	if len(rec.InternalData) == 0 {
		rec.InternalData = nil
	}
	return rec
}

func (r TaskRecord) instance() *domain.TaskInstance {
	return &domain.TaskInstance{
		GUID:         r.GUID,
		SpecID:       r.SpecID,
		GraphID:      r.GraphID,
		State:        r.State,
		Parent:       r.Parent,
		Children:     append([]string{}, r.Children...),
		Data:         r.Data,
		InternalData: r.InternalData,
		UpdatedAt:    r.UpdatedAt,
	}
}
