package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telehealth/telehealth/internal/domain/access"
	"github.com/telehealth/telehealth/internal/domain/identity"
)

type mockChatRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*Chat
}

func newMockChatRepo() *mockChatRepo {
	return &mockChatRepo{store: make(map[uuid.UUID]*Chat)}
}

func (m *mockChatRepo) Create(_ context.Context, c *Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.store {
		if existing.DoctorID == c.DoctorID && existing.PatientID == c.PatientID {
			return ErrChatExists
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.store[c.ID] = &cp
	return nil
}

func (m *mockChatRepo) GetByID(_ context.Context, id uuid.UUID) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockChatRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Chat, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Chat
	for _, c := range m.store {
		if f.DoctorID != nil && c.DoctorID != *f.DoctorID {
			continue
		}
		if f.PatientID != nil && c.PatientID != *f.PatientID {
			continue
		}
		if f.HospitalID != nil {
			continue
		}
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockChatRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok {
		return ErrChatNotFound
	}
	c.Active = active
	return nil
}

func (m *mockChatRepo) SetVisibility(_ context.Context, id uuid.UUID, forDoctor, forPatient bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.store[id]
	if !ok {
		return ErrChatNotFound
	}
	c.ActiveForDoctor, c.ActiveForPatient = forDoctor, forPatient
	return nil
}

type mockMessageRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*Message
	order []uuid.UUID
	clock time.Time
}

func newMockMessageRepo() *mockMessageRepo {
	return &mockMessageRepo{store: make(map[uuid.UUID]*Message), clock: time.Now()}
}

func (m *mockMessageRepo) Create(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	m.clock = m.clock.Add(time.Millisecond)
	msg.CreatedAt = m.clock
	cp := *msg
	m.store[msg.ID] = &cp
	m.order = append(m.order, msg.ID)
	return nil
}

func (m *mockMessageRepo) GetByIDs(_ context.Context, ids []uuid.UUID) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Message
	for _, id := range ids {
		if msg, ok := m.store[id]; ok {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockMessageRepo) newestFirst(chatID uuid.UUID) []*Message {
	var out []*Message
	for i := len(m.order) - 1; i >= 0; i-- {
		if msg := m.store[m.order[i]]; msg.ChatID == chatID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out
}

func (m *mockMessageRepo) ListByChat(_ context.Context, chatID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.newestFirst(chatID)
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockMessageRepo) Recent(_ context.Context, chatID uuid.UUID, n int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.newestFirst(chatID)
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (m *mockMessageRepo) SetRead(_ context.Context, ids []uuid.UUID, read bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if msg, ok := m.store[id]; ok {
			msg.Read = read
			n++
		}
	}
	return n, nil
}

func (m *mockMessageRepo) read(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store[id].Read
}

// fakeTx runs fn inline; the services validate everything before writing,
// so the mocks observe the same all-or-nothing outcome as a real rollback.
type fakeTx struct{ calls int }

func (f *fakeTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	return fn(ctx)
}

type memRelations struct {
	edges []*identity.RelationEdge
}

func (m *memRelations) Create(_ context.Context, e *identity.RelationEdge) error {
	m.edges = append(m.edges, e)
	return nil
}

func (m *memRelations) Delete(_ context.Context, id uuid.UUID) error {
	for i, e := range m.edges {
		if e.ID == id {
			m.edges = append(m.edges[:i], m.edges[i+1:]...)
			return nil
		}
	}
	return identity.ErrNotFound
}

func (m *memRelations) Get(_ context.Context, identityID, patientID uuid.UUID) (*identity.RelationEdge, error) {
	for _, e := range m.edges {
		if e.IdentityID == identityID && e.PatientID == patientID {
			return e, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (m *memRelations) ListByIdentity(_ context.Context, identityID uuid.UUID) ([]*identity.RelationEdge, error) {
	var out []*identity.RelationEdge
	for _, e := range m.edges {
		if e.IdentityID == identityID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memMappings struct {
	set map[[3]string]bool
}

func (m *memMappings) Create(_ context.Context, e *identity.MappingEdge) error {
	m.set[[3]string{string(e.Kind), e.LeftID.String(), e.RightID.String()}] = true
	return nil
}

func (m *memMappings) Delete(context.Context, identity.MappingKind, uuid.UUID, uuid.UUID) error {
	return nil
}

func (m *memMappings) Exists(_ context.Context, kind identity.MappingKind, l, r uuid.UUID) (bool, error) {
	return m.set[[3]string{string(kind), l.String(), r.String()}], nil
}

func (m *memMappings) List(context.Context, identity.MappingKind, int, int) ([]*identity.MappingEdge, int, error) {
	return nil, 0, nil
}

type fixture struct {
	svc       *Service
	chats     *mockChatRepo
	messages  *mockMessageRepo
	tx        *fakeTx
	relations *memRelations
	mappings  *memMappings
}

func newFixture() *fixture {
	f := &fixture{
		chats:     newMockChatRepo(),
		messages:  newMockMessageRepo(),
		tx:        &fakeTx{},
		relations: &memRelations{},
		mappings:  &memMappings{set: make(map[[3]string]bool)},
	}
	f.svc = NewService(f.chats, f.messages, f.tx, access.NewGate(f.relations, f.mappings))
	return f
}

func principal(role identity.Role, entity uuid.UUID) access.Principal {
	return access.Principal{
		Identity: &identity.Identity{ID: uuid.New(), Role: role, Active: true},
		Entity:   entity,
	}
}

// seedChat creates an active chat and returns it with doctor and patient
// principals acting on it.
func (f *fixture) seedChat() (*Chat, access.Principal, access.Principal) {
	c := &Chat{DoctorID: uuid.New(), PatientID: uuid.New(), Active: true, ActiveForDoctor: true, ActiveForPatient: true}
	f.chats.Create(context.Background(), c)
	pat := principal(identity.RolePatient, c.PatientID)
	f.relations.Create(context.Background(), &identity.RelationEdge{
		ID: uuid.New(), IdentityID: pat.Identity.ID, PatientID: c.PatientID, Relation: identity.RelationSelf,
	})
	return c, principal(identity.RoleDoctor, c.DoctorID), pat
}
