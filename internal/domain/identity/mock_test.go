package identity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mockIdentityRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*Identity
}

func newMockIdentityRepo() *mockIdentityRepo {
	return &mockIdentityRepo{store: make(map[uuid.UUID]*Identity)}
}

func (m *mockIdentityRepo) Create(_ context.Context, i *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	i.CreatedAt = time.Now()
	m.store[i.ID] = i
	return nil
}

func (m *mockIdentityRepo) GetByID(_ context.Context, id uuid.UUID) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	return i, nil
}

func (m *mockIdentityRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.store[id]
	if !ok {
		return ErrNotFound
	}
	i.Active = active
	return nil
}

type mockRelationRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*RelationEdge
	clock time.Time
}

func newMockRelationRepo() *mockRelationRepo {
	return &mockRelationRepo{store: make(map[uuid.UUID]*RelationEdge), clock: time.Now()}
}

func (m *mockRelationRepo) Create(_ context.Context, e *RelationEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.store {
		if existing.IdentityID == e.IdentityID && existing.PatientID == e.PatientID {
			return ErrAlreadyExists
		}
	}
	e.ID = uuid.New()
	m.clock = m.clock.Add(time.Second)
	e.CreatedAt = m.clock
	m.store[e.ID] = e
	return nil
}

func (m *mockRelationRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return ErrNotFound
	}
	delete(m.store, id)
	return nil
}

func (m *mockRelationRepo) Get(_ context.Context, identityID, patientID uuid.UUID) (*RelationEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.store {
		if e.IdentityID == identityID && e.PatientID == patientID {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRelationRepo) ListByIdentity(_ context.Context, identityID uuid.UUID) ([]*RelationEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RelationEdge
	for _, e := range m.store {
		if e.IdentityID == identityID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type mappingKey struct {
	kind        MappingKind
	left, right uuid.UUID
}

type mockMappingRepo struct {
	mu    sync.Mutex
	store map[mappingKey]*MappingEdge
}

func newMockMappingRepo() *mockMappingRepo {
	return &mockMappingRepo{store: make(map[mappingKey]*MappingEdge)}
}

func (m *mockMappingRepo) Create(_ context.Context, e *MappingEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mappingKey{e.Kind, e.LeftID, e.RightID}
	if _, ok := m.store[k]; ok {
		return ErrAlreadyExists
	}
	e.ID = uuid.New()
	m.store[k] = e
	return nil
}

func (m *mockMappingRepo) Delete(_ context.Context, kind MappingKind, left, right uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := mappingKey{kind, left, right}
	if _, ok := m.store[k]; !ok {
		return ErrNotFound
	}
	delete(m.store, k)
	return nil
}

func (m *mockMappingRepo) Exists(_ context.Context, kind MappingKind, left, right uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.store[mappingKey{kind, left, right}]
	return ok, nil
}

func (m *mockMappingRepo) List(_ context.Context, kind MappingKind, limit, offset int) ([]*MappingEdge, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MappingEdge
	for k, e := range m.store {
		if k.kind == kind {
			out = append(out, e)
		}
	}
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func newTestService() (*Service, *mockIdentityRepo) {
	ids := newMockIdentityRepo()
	return NewService(ids, newMockRelationRepo(), newMockMappingRepo()), ids
}
