package serialization

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/eleven-am/procflow/internal/domain"
	"github.com/eleven-am/procflow/internal/ports"
	"github.com/eleven-am/procflow/internal/xjson"
)

const component = "serialization.Serializer"

// Serializer converts process instances and their correlation state to versioned
// documents and back.
type Serializer struct {
	graphs ports.GraphResolver
	config domain.SerializationConfig
	now    func() time.Time
	logger *slog.Logger
}

func New(graphs ports.GraphResolver, config domain.SerializationConfig, logger *slog.Logger) *Serializer {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RepairPolicy == "" {
		config.RepairPolicy = domain.RepairReject
	}
	return &Serializer{
		graphs: graphs,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "serialization"),
	}
}

func serializationError(message string, cause error, opts ...domain.ErrorOption) *domain.DomainError {
	return domain.NewSerializationError(message, cause, append([]domain.ErrorOption{domain.WithComponent(component)}, opts...)...)
}

// Serialize prunes look-ahead children, validates the live tree and encodes it.
func (s *Serializer) Serialize(inst *domain.ProcessInstance, corr domain.CorrelationState) ([]byte, error) {
	doc, err := s.Document(inst, corr)
	if err != nil {
		return nil, err
	}

	raw, err := xjson.Marshal(doc)
	if err != nil {
		return nil, serializationError("failed to encode document", err, domain.WithInstance(inst.ID))
	}
	if s.config.CompressThreshold > 0 && len(raw) > s.config.CompressThreshold {
		packed, err := compress(raw)
		if err != nil {
			return nil, serializationError("failed to compress document", err, domain.WithInstance(inst.ID))
		}
		s.logger.Debug("document compressed", "instance_id", inst.ID, "raw_bytes", len(raw), "bytes", len(packed))
		return packed, nil
	}
	return raw, nil
}

// Document builds the typed document without encoding it.
func (s *Serializer) Document(inst *domain.ProcessInstance, corr domain.CorrelationState) (*Document, error) {
	if inst == nil || inst.Tree == nil {
		return nil, serializationError("process instance has no task tree", domain.ErrInvalidInput)
	}
	if pruned := inst.Tree.PrunePredicted(); pruned > 0 {
		s.logger.Debug("pruned predicted instances", "instance_id", inst.ID, "count", pruned)
	}
	if violations := inst.Tree.Validate(); len(violations) > 0 {
		return nil, &domain.CorruptTreeError{InstanceID: inst.ID, Violations: violations}
	}

	def, err := s.graphs.Graph(inst.DefinitionID)
	if err != nil {
		return nil, serializationError("definition not registered", err, domain.WithInstance(inst.ID))
	}

	doc := &Document{
		Version:     CurrentVersion,
		InstanceID:  inst.ID,
		Definition:  GraphRef{ID: def.ID(), Hash: def.Hash()},
		Status:      inst.Status,
		StartedAt:   inst.StartedAt,
		CompletedAt: inst.CompletedAt,
		LastError:   inst.LastError,
		Revision:    inst.Version,
		Root:        inst.Tree.Root().GUID,
		Joins:       inst.JoinList(),
		Correlation: corr,
		SavedAt:     s.now(),
	}

	nested := map[string]bool{}
	for _, t := range inst.Tree.Tasks() {
		doc.Tasks = append(doc.Tasks, recordOf(t))
		if t.IsRoot() && t.GraphID != def.ID() {
			nested[t.GraphID] = true
		}
	}
	ids := make([]string, 0, len(nested))
	for id := range nested {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		g, err := s.graphs.Graph(id)
		if err != nil {
			return nil, serializationError("nested definition not registered", err, domain.WithInstance(inst.ID))
		}
		doc.Graphs = append(doc.Graphs, GraphRef{ID: g.ID(), Hash: g.Hash()})
	}
	return doc, nil
}

// Upgrade decodes raw and migrates it to the current schema without restoring it.
func (s *Serializer) Upgrade(raw []byte) (*Document, int, error) {
	if isGzip(raw) {
		unpacked, err := decompress(raw)
		if err != nil {
			return nil, 0, serializationError("failed to decompress document", err)
		}
		raw = unpacked
	}

	var generic map[string]interface{}
	if err := xjson.Unmarshal(raw, &generic); err != nil {
		return nil, 0, serializationError("document is not valid JSON", err)
	}
	from, err := Migrate(generic)
	if err != nil {
		var vm *domain.VersionMigrationError
		if errors.As(err, &vm) {
			return nil, from, err
		}
		return nil, from, serializationError("failed to migrate document", err, domain.WithDetail("from_version", from))
	}
	if from != CurrentVersion {
		s.logger.Info("document migrated", "from_version", from, "to_version", CurrentVersion)
	}

	upgraded, err := xjson.Marshal(generic)
	if err != nil {
		return nil, from, serializationError("failed to re-encode migrated document", err)
	}
	var doc Document
	if err := xjson.Unmarshal(upgraded, &doc); err != nil {
		return nil, from, serializationError("migrated document does not match the schema", err)
	}
	return &doc, from, nil
}

// Deserialize restores a process instance and the correlation state to import.
func (s *Serializer) Deserialize(raw []byte) (*domain.ProcessInstance, domain.CorrelationState, error) {
	doc, _, err := s.Upgrade(raw)
	if err != nil {
		return nil, domain.CorrelationState{}, err
	}
	inst, err := s.Restore(doc)
	if err != nil {
		return nil, domain.CorrelationState{}, err
	}
	return inst, doc.Correlation, nil
}

// Restore repairs (per policy), validates and rebuilds the live instance.
func (s *Serializer) Restore(doc *Document) (*domain.ProcessInstance, error) {
	if s.config.RepairPolicy == domain.RepairPrune {
		if edits := repair(doc); edits > 0 {
			s.logger.Warn("document repaired on load", "instance_id", doc.InstanceID, "edits", edits)
		}
	}
	if violations := validate(doc, s.graphs); len(violations) > 0 {
		return nil, &domain.CorruptTreeError{InstanceID: doc.InstanceID, Violations: violations}
	}
	if err := s.checkGraphs(doc); err != nil {
		return nil, err
	}

	records := make([]*domain.TaskInstance, 0, len(doc.Tasks))
	for _, r := range doc.Tasks {
		records = append(records, r.instance())
	}
	tree, err := domain.RestoreTaskTree(s.graphs, doc.Root, records)
	if err != nil {
		var corrupt *domain.CorruptTreeError
		if errors.As(err, &corrupt) {
			corrupt.InstanceID = doc.InstanceID
		}
		return nil, err
	}

	inst := &domain.ProcessInstance{
		ID:           doc.InstanceID,
		DefinitionID: doc.Definition.ID,
		Status:       doc.Status,
		StartedAt:    doc.StartedAt,
		CompletedAt:  doc.CompletedAt,
		LastError:    doc.LastError,
		Tree:         tree,
		Joins:        make(map[string]*domain.JoinState, len(doc.Joins)),
		Version:      doc.Revision,
	}
	for _, j := range doc.Joins {
		inst.Joins[domain.JoinKey(j.Scope, j.JoinID)] = j
	}
	return inst, nil
}

func (s *Serializer) checkGraphs(doc *Document) error {
	if !s.config.VerifyGraphHash {
		return nil
	}
	refs := append([]GraphRef{doc.Definition}, doc.Graphs...)
	for _, ref := range refs {
		g, err := s.graphs.Graph(ref.ID)
		if err != nil {
			return serializationError("referenced definition not registered", err,
				domain.WithInstance(doc.InstanceID), domain.WithDetail("graph_id", ref.ID))
		}
		if ref.Hash != "" && g.Hash() != ref.Hash {
			return serializationError(fmt.Sprintf("definition %s changed since the document was saved", ref.ID), domain.ErrVersionConflict,
				domain.WithInstance(doc.InstanceID), domain.WithDetail("saved_hash", ref.Hash), domain.WithDetail("hash", g.Hash()))
		}
	}
	return nil
}
