package workflow

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/pitabwire/tessera/model"
)

// MemoryStore is an in-memory Store. A single lock makes every method
// atomic, which gives it the same transactional guarantees as PgStore.
type MemoryStore struct {
	mu sync.RWMutex

	definitions  map[string]model.Definition // key: definition ID
	instances    map[string]model.Instance   // key: instance ID
	businessKeys map[string]string           // key: tenant|definition|businessKey -> instance ID
	events       map[string][]model.Event    // key: instance ID
	tasks        map[string]model.Task       // key: task ID
	taskOrder    []string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions:  make(map[string]model.Definition),
		instances:    make(map[string]model.Instance),
		businessKeys: make(map[string]string),
		events:       make(map[string][]model.Event),
		tasks:        make(map[string]model.Task),
	}
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// --- Definitions ---

// CreateDefinition inserts a definition.
func (s *MemoryStore) CreateDefinition(_ context.Context, def model.Definition) (model.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.definitions[def.ID]; exists {
		return model.Definition{}, model.NewConflictError(fmt.Sprintf("definition %q already exists", def.ID))
	}

	latest := 0
	for _, d := range s.definitions {
		if d.TenantID != def.TenantID || d.Key != def.Key {
			continue
		}
		if d.Version == def.Version {
			return model.Definition{}, model.NewConflictError(
				fmt.Sprintf("definition %q version %d already exists", def.Key, def.Version),
			)
		}
		latest = max(latest, d.Version)
	}
	if def.Version == 0 {
		def.Version = latest + 1
	}

	if def.Status == model.DefinitionStatusActive {
		s.deactivateLocked(def.TenantID, def.Key, def.ID)
	}
	s.definitions[def.ID] = def
	return def, nil
}

// GetDefinition retrieves a definition by ID, scoped to tenant.
func (s *MemoryStore) GetDefinition(_ context.Context, tenantID, id string) (model.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id]
	if !ok || def.TenantID != tenantID {
		return model.Definition{}, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	return def, nil
}

// ResolveDefinition finds a definition by key and optional version.
func (s *MemoryStore) ResolveDefinition(_ context.Context, tenantID, key string, version int) (model.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.definitions {
		if d.TenantID != tenantID || d.Key != key {
			continue
		}
		if version == 0 && d.Status == model.DefinitionStatusActive {
			return d, nil
		}
		if version != 0 && d.Version == version {
			return d, nil
		}
	}
	if version == 0 {
		return model.Definition{}, model.NewNotFoundError(fmt.Sprintf("no active definition for key %q", key))
	}
	return model.Definition{}, model.NewNotFoundError(fmt.Sprintf("definition %q version %d not found", key, version))
}

// ListDefinitions returns definitions ordered by key then version.
func (s *MemoryStore) ListDefinitions(_ context.Context, tenantID string, filters model.DefinitionFilters) ([]model.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Definition
	for _, d := range s.definitions {
		if d.TenantID != tenantID {
			continue
		}
		if filters.Key != "" && d.Key != filters.Key {
			continue
		}
		if filters.Type != "" && d.Type != filters.Type {
			continue
		}
		if filters.Status != "" && d.Status != filters.Status {
			continue
		}
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Key != result[j].Key {
			return result[i].Key < result[j].Key
		}
		return result[i].Version < result[j].Version
	})
	return result, nil
}

// SetDefinitionStatus changes the status of one definition.
func (s *MemoryStore) SetDefinitionStatus(_ context.Context, tenantID, id, status string) (model.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[id]
	if !ok || def.TenantID != tenantID {
		return model.Definition{}, model.NewNotFoundError(fmt.Sprintf("definition %q not found", id))
	}
	if status == model.DefinitionStatusActive {
		s.deactivateLocked(def.TenantID, def.Key, def.ID)
	}
	def.Status = status
	s.definitions[id] = def
	return def, nil
}

func (s *MemoryStore) deactivateLocked(tenantID, key, exceptID string) {
	for id, d := range s.definitions {
		if id != exceptID && d.TenantID == tenantID && d.Key == key && d.Status == model.DefinitionStatusActive {
			d.Status = model.DefinitionStatusInactive
			s.definitions[id] = d
		}
	}
}

// --- Instances ---

// StartInstance inserts an instance and its start event, or returns the
// existing instance for a duplicate business key.
func (s *MemoryStore) StartInstance(_ context.Context, inst model.Instance, started model.Event) (model.Instance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bk := businessKey(inst.TenantID, inst.DefinitionID, inst.BusinessKey)
	if inst.BusinessKey != "" {
		if id, exists := s.businessKeys[bk]; exists {
			return cloneInstance(s.instances[id]), false, nil
		}
	}
	if _, exists := s.instances[inst.ID]; exists {
		return model.Instance{}, false, model.NewConflictError(fmt.Sprintf("instance %q already exists", inst.ID))
	}
	if inst.BusinessKey != "" {
		s.businessKeys[bk] = inst.ID
	}

	s.instances[inst.ID] = cloneInstance(inst)
	s.appendLocked(inst.ID, started)
	return cloneInstance(inst), true, nil
}

// GetInstance retrieves an instance by ID, scoped to tenant.
func (s *MemoryStore) GetInstance(_ context.Context, tenantID, id string) (model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok || inst.TenantID != tenantID {
		return model.Instance{}, model.NewNotFoundError(fmt.Sprintf("instance %q not found", id))
	}
	return cloneInstance(inst), nil
}

// ListInstances returns a tenant's instances, newest first.
func (s *MemoryStore) ListInstances(_ context.Context, tenantID string, filters model.InstanceFilters) ([]model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Instance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if filters.DefinitionID != "" && inst.DefinitionID != filters.DefinitionID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		result = append(result, cloneInstance(inst))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result, nil
}

// AppendEvents appends events to an instance's log.
func (s *MemoryStore) AppendEvents(_ context.Context, tenantID, instanceID string, events ...model.Event) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("instance %q not found", instanceID))
	}
	if err := checkSignals(inst, events); err != nil {
		return nil, err
	}
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		out = append(out, s.appendLocked(instanceID, ev))
	}
	return out, nil
}

// ListEvents returns events with Seq > afterSeq in insertion order.
func (s *MemoryStore) ListEvents(_ context.Context, tenantID, instanceID string, afterSeq int64) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("instance %q not found", instanceID))
	}
	var result []model.Event
	for _, ev := range s.events[instanceID] {
		if ev.Seq > afterSeq {
			result = append(result, ev)
		}
	}
	return result, nil
}

// ApplyTransition commits one interpreter step with an optimistic revision
// check.
func (s *MemoryStore) ApplyTransition(_ context.Context, tr Transition) (model.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := tr.Instance
	existing, ok := s.instances[inst.ID]
	if !ok || existing.TenantID != inst.TenantID {
		return model.Instance{}, model.NewNotFoundError(fmt.Sprintf("instance %q not found", inst.ID))
	}
	if existing.Revision != inst.Revision {
		return model.Instance{}, model.NewConflictError(
			fmt.Sprintf("instance %q revision conflict (expected %d, got %d)", inst.ID, inst.Revision, existing.Revision),
		)
	}
	for _, t := range tr.Tasks {
		if _, exists := s.tasks[t.ID]; exists {
			return model.Instance{}, model.NewConflictError(fmt.Sprintf("task %q already exists", t.ID))
		}
	}

	inst.Revision++
	s.instances[inst.ID] = cloneInstance(inst)
	for _, ev := range tr.Events {
		s.appendLocked(inst.ID, ev)
	}
	for _, t := range tr.Tasks {
		s.tasks[t.ID] = t
		s.taskOrder = append(s.taskOrder, t.ID)
	}
	return cloneInstance(inst), nil
}

// appendLocked numbers events per instance, matching PgStore.
func (s *MemoryStore) appendLocked(instanceID string, ev model.Event) model.Event {
	ev.Seq = int64(len(s.events[instanceID])) + 1
	ev.InstanceID = instanceID
	s.events[instanceID] = append(s.events[instanceID], ev)
	return ev
}

// --- Tasks ---

// GetTask retrieves a task by ID, scoped to tenant.
func (s *MemoryStore) GetTask(_ context.Context, tenantID, id string) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok || t.TenantID != tenantID {
		return model.Task{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", id))
	}
	return t, nil
}

// ListTasks returns tasks in creation order.
func (s *MemoryStore) ListTasks(_ context.Context, tenantID string, filters model.TaskFilters) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Task
	for _, id := range s.taskOrder {
		t := s.tasks[id]
		if t.TenantID != tenantID {
			continue
		}
		if filters.InstanceID != "" && t.InstanceID != filters.InstanceID {
			continue
		}
		if filters.Status != "" && t.Status != filters.Status {
			continue
		}
		if filters.AssigneeUserID != "" && t.AssigneeUserID != filters.AssigneeUserID {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

// ResolveTask moves a PENDING task to its final status.
func (s *MemoryStore) ResolveTask(_ context.Context, res TaskResolution) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[res.TaskID]
	if !ok || t.TenantID != res.TenantID {
		return model.Task{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", res.TaskID))
	}
	if t.Status != model.TaskStatusPending {
		return model.Task{}, model.NewConflictError(fmt.Sprintf("task %q is not PENDING (status %s)", t.ID, t.Status))
	}

	completedAt := res.CompletedAt
	t.Status = res.Status
	t.Output = maps.Clone(res.Output)
	t.Error = res.Error
	t.CompletedAt = &completedAt
	s.tasks[t.ID] = t
	s.appendLocked(t.InstanceID, res.Event)
	return t, nil
}

// Len returns the number of stored instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func businessKey(tenantID, definitionID, key string) string {
	return tenantID + "|" + definitionID + "|" + key
}

func cloneInstance(inst model.Instance) model.Instance {
	inst.Context = maps.Clone(inst.Context)
	return inst
}
