package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohae/deepcopy"

	"github.com/rendis/flowcore/pkg/schema"
)

// MemoryStore is a process-local Store. Records are deep-copied on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	documents   map[string][]byte
	definitions map[string]*Definition
	workflows   map[string]*schema.WorkflowInstance
	tasks       map[string]map[string]*schema.TaskInstance
	events      map[string][]*Event
	secrets     map[string][]byte
	nextEventID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:   make(map[string][]byte),
		definitions: make(map[string]*Definition),
		workflows:   make(map[string]*schema.WorkflowInstance),
		tasks:       make(map[string]map[string]*schema.TaskInstance),
		events:      make(map[string][]*Event),
		secrets:     make(map[string][]byte),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

// --- Documents ---

func (s *MemoryStore) PutDocument(ctx context.Context, content any) (string, error) {
	raw, err := encodeDocument(content)
	if err != nil {
		return "", err
	}
	ref := uuid.New().String()
	s.mu.Lock()
	s.documents[ref] = raw
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, ref string) (any, error) {
	s.mu.RLock()
	raw, ok := s.documents[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("document", ref)
	}
	return decodeDocument(raw)
}

// --- Definitions ---

func definitionKey(namespace, name, version string) string {
	return namespace + "/" + name + "/" + version
}

func (s *MemoryStore) StoreDefinition(ctx context.Context, def *Definition) error {
	cp := *def
	cp.Source = append([]byte(nil), def.Source...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.definitions[definitionKey(def.Namespace, def.Name, def.Version)] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, namespace, name, version string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if version == "" {
		var latest *Definition
		for _, d := range s.definitions {
			if d.Namespace == namespace && d.Name == name && (latest == nil || d.CreatedAt.After(latest.CreatedAt)) {
				latest = d
			}
		}
		if latest == nil {
			return nil, storeNotFound("definition", namespace+"."+name)
		}
		cp := *latest
		return &cp, nil
	}
	d, ok := s.definitions[definitionKey(namespace, name, version)]
	if !ok {
		return nil, storeNotFound("definition", namespace+"."+name+":"+version)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Definition
	for _, d := range s.definitions {
		if filter.Namespace != "" && d.Namespace != filter.Namespace {
			continue
		}
		if filter.Name != "" && d.Name != filter.Name {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Workflow instances ---

func (s *MemoryStore) CreateWorkflowInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[inst.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeStore, "workflow instance %q already exists", inst.ID)
	}
	cp := deepcopy.Copy(inst).(*schema.WorkflowInstance)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.workflows[inst.ID] = cp
	return nil
}

func (s *MemoryStore) GetWorkflowInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow instance", id)
	}
	return deepcopy.Copy(inst).(*schema.WorkflowInstance), nil
}

func (s *MemoryStore) UpdateWorkflowInstance(ctx context.Context, id string, update WorkflowInstanceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.workflows[id]
	if !ok {
		return storeNotFound("workflow instance", id)
	}
	applyInstanceUpdate(inst, update)
	return nil
}

func applyInstanceUpdate(inst *schema.WorkflowInstance, update WorkflowInstanceUpdate) {
	if update.Status != nil {
		inst.Status = *update.Status
	}
	if update.OutputRef != nil {
		inst.OutputRef = *update.OutputRef
	}
	if update.ContextRef != nil {
		inst.ContextRef = *update.ContextRef
	}
	if update.Error != nil {
		inst.Error = update.Error
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		inst.StartedAt = &t
	}
	if update.EndedAt != nil {
		t := *update.EndedAt
		inst.EndedAt = &t
	}
	inst.UpdatedAt = time.Now().UTC()
}

func (s *MemoryStore) ListWorkflowInstances(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.WorkflowInstance
	for _, inst := range s.workflows {
		if filter.Namespace != "" && inst.Namespace != filter.Namespace {
			continue
		}
		if filter.Name != "" && inst.Name != filter.Name {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		out = append(out, deepcopy.Copy(inst).(*schema.WorkflowInstance))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Task instances ---

func (s *MemoryStore) UpsertTaskInstance(ctx context.Context, inst *schema.TaskInstance) error {
	cp := deepcopy.Copy(inst).(*schema.TaskInstance)
	cp.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	byRef, ok := s.tasks[inst.WorkflowInstanceID]
	if !ok {
		byRef = make(map[string]*schema.TaskInstance)
		s.tasks[inst.WorkflowInstanceID] = byRef
	}
	byRef[inst.Reference] = cp
	return nil
}

func (s *MemoryStore) ListTaskInstances(ctx context.Context, workflowInstanceID string) ([]*schema.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.TaskInstance
	for _, inst := range s.tasks[workflowInstanceID] {
		out = append(out, deepcopy.Copy(inst).(*schema.TaskInstance))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out, nil
}

// --- Events ---

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	event.ID = s.nextEventID
	event.Sequence = int64(len(s.events[event.WorkflowInstanceID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	cp.Payload = append([]byte(nil), event.Payload...)
	s.events[event.WorkflowInstanceID] = append(s.events[event.WorkflowInstanceID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(ctx context.Context, workflowInstanceID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events[workflowInstanceID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
