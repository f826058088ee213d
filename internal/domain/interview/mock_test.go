package interview

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telehealth/telehealth/internal/domain/access"
	"github.com/telehealth/telehealth/internal/domain/chat"
	"github.com/telehealth/telehealth/internal/domain/identity"
	"github.com/telehealth/telehealth/internal/platform/events"
)

type mockSessionRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Session
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{items: make(map[uuid.UUID]*Session)}
}

func (m *mockSessionRepo) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.ChatID == s.ChatID && !existing.Closed() {
			return ErrSessionOpen
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.StartedAt = time.Now()
	cp := *s
	m.items[s.ID] = &cp
	return nil
}

func (m *mockSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockSessionRepo) GetOpenByChat(_ context.Context, chatID uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.items {
		if s.ChatID == chatID && !s.Closed() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (m *mockSessionRepo) ListByChat(_ context.Context, chatID uuid.UUID, limit, offset int) ([]*Session, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.items {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockSessionRepo) End(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok || s.Closed() {
		return ErrSessionClosed
	}
	s.EndedAt = &at
	return nil
}

type mockTurnRepo struct {
	mu    sync.Mutex
	seq   int64
	items map[uuid.UUID]*Turn
}

func newMockTurnRepo() *mockTurnRepo {
	return &mockTurnRepo{items: make(map[uuid.UUID]*Turn)}
}

func (m *mockTurnRepo) Create(_ context.Context, t *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	m.seq++
	t.Seq = m.seq
	t.CreatedAt = time.Now()
	cp := *t
	m.items[t.ID] = &cp
	return nil
}

func (m *mockTurnRepo) GetByID(_ context.Context, id uuid.UUID) (*Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok {
		return nil, ErrTurnNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockTurnRepo) ListBySession(_ context.Context, sessionID uuid.UUID) ([]*Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Turn
	for _, t := range m.items {
		if t.SessionID == sessionID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *mockTurnRepo) Close(_ context.Context, id uuid.UUID, reply string, isSummary bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok || t.Closed() {
		return ErrTurnNotFound
	}
	t.Reply = &reply
	t.IsSummary = isSummary
	t.RepliedAt = &at
	return nil
}

func (m *mockTurnRepo) Rewrite(_ context.Context, id uuid.UUID, reply string, isSummary bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok || !t.Closed() {
		return ErrTurnNotFound
	}
	t.Reply = &reply
	t.IsSummary = isSummary
	return nil
}

// scriptedGenerator replays queued results; when the queue is empty it
// answers with a structured question, or a structured summary in summary
// mode.
type scriptedGenerator struct {
	mu       sync.Mutex
	queue    []scripted
	requests []GenerationRequest
	suggest  string
}

type scripted struct {
	gen Generation
	err error
}

func (g *scriptedGenerator) push(gen Generation, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queue = append(g.queue, scripted{gen: gen, err: err})
}

func (g *scriptedGenerator) Generate(ctx context.Context, req GenerationRequest) (Generation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if len(g.queue) > 0 {
		next := g.queue[0]
		g.queue = g.queue[1:]
		return next.gen, next.err
	}
	if req.SummaryMode {
		return Generation{Structured: &Reply{Message: "Patient summary so far"}}, nil
	}
	return Generation{Structured: &Reply{Message: "How long have you had it?"}}, nil
}

func (g *scriptedGenerator) Suggest(_ context.Context, summary, discharge string) (string, error) {
	g.suggest = summary + "|" + discharge
	return "Diagnosis: rest", nil
}

func (g *scriptedGenerator) lastRequest() GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

// memChats authorizes doctor and patient principals by entity id only.
type memChats struct {
	items map[uuid.UUID]*chat.Chat
}

func (m *memChats) Load(_ context.Context, p access.Principal, chatID uuid.UUID) (*chat.Chat, error) {
	c, ok := m.items[chatID]
	if !ok {
		return nil, chat.ErrChatNotFound
	}
	if p.Role() != identity.RoleAdmin && p.Entity != c.DoctorID && p.Entity != c.PatientID {
		return nil, access.ErrForbidden
	}
	return c, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.SummaryGenerated
	err    error
}

func (r *recordingPublisher) PublishSummary(_ context.Context, ev events.SummaryGenerated) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var errUpstream = errors.New("upstream unavailable")

type fixture struct {
	sessions  *mockSessionRepo
	turns     *mockTurnRepo
	gen       *scriptedGenerator
	chats     *memChats
	publisher *recordingPublisher
	engine    *Engine
	svc       *Service
}

func newFixture() *fixture {
	f := &fixture{
		sessions:  newMockSessionRepo(),
		turns:     newMockTurnRepo(),
		gen:       &scriptedGenerator{},
		chats:     &memChats{items: make(map[uuid.UUID]*chat.Chat)},
		publisher: &recordingPublisher{},
	}
	f.engine = NewEngine(f.sessions, f.turns, f.gen, EngineConfig{}, zerolog.Nop())
	f.svc = NewService(f.engine, f.sessions, f.turns, f.chats, f.gen, f.publisher, zerolog.Nop())
	return f
}

func principal(role identity.Role, entity uuid.UUID) access.Principal {
	return access.Principal{
		Identity: &identity.Identity{ID: uuid.New(), Role: role, Active: true},
		Entity:   entity,
	}
}

// seed creates an active chat with an open session and returns the session
// with doctor and patient principals.
func (f *fixture) seed() (*Session, access.Principal, access.Principal) {
	c := &chat.Chat{ID: uuid.New(), DoctorID: uuid.New(), PatientID: uuid.New(), Active: true}
	f.chats.items[c.ID] = c
	sess := &Session{ChatID: c.ID}
	f.sessions.Create(context.Background(), sess)
	return sess, principal(identity.RoleDoctor, c.DoctorID), principal(identity.RolePatient, c.PatientID)
}
