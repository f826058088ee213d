package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telehealth/telehealth/internal/domain/access"
	"github.com/telehealth/telehealth/internal/domain/chat"
	"github.com/telehealth/telehealth/internal/domain/identity"
	"github.com/telehealth/telehealth/internal/domain/interview"
	"github.com/telehealth/telehealth/internal/platform/events"
	"github.com/telehealth/telehealth/internal/platform/websocket"
)

// store backs every repository with one mutex so the fixture can be shared
// by socket goroutines.
type store struct {
	mu        sync.Mutex
	chats     map[uuid.UUID]*chat.Chat
	messages  []*chat.Message
	sessions  map[uuid.UUID]*interview.Session
	turns     []*interview.Turn
	relations []*identity.RelationEdge
}

func newStore() *store {
	return &store{
		chats:    make(map[uuid.UUID]*chat.Chat),
		sessions: make(map[uuid.UUID]*interview.Session),
	}
}

type chatRepo struct{ s *store }

func (r chatRepo) Create(_ context.Context, c *chat.Chat) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	r.s.chats[c.ID] = &cp
	return nil
}

func (r chatRepo) GetByID(_ context.Context, id uuid.UUID) (*chat.Chat, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.chats[id]
	if !ok {
		return nil, chat.ErrChatNotFound
	}
	cp := *c
	return &cp, nil
}

func (r chatRepo) List(context.Context, chat.ListFilter, int, int) ([]*chat.Chat, int, error) {
	return nil, 0, nil
}

func (r chatRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.chats[id].Active = active
	return nil
}

func (r chatRepo) SetVisibility(_ context.Context, id uuid.UUID, forDoctor, forPatient bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.chats[id].ActiveForDoctor = forDoctor
	r.s.chats[id].ActiveForPatient = forPatient
	return nil
}

type messageRepo struct{ s *store }

func (r messageRepo) Create(_ context.Context, m *chat.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m.ID = uuid.New()
	m.CreatedAt = time.Now().Add(time.Duration(len(r.s.messages)) * time.Millisecond)
	cp := *m
	r.s.messages = append(r.s.messages, &cp)
	return nil
}

func (r messageRepo) GetByIDs(_ context.Context, ids []uuid.UUID) ([]*chat.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*chat.Message
	for _, m := range r.s.messages {
		if want[m.ID] {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r messageRepo) newestFirst(chatID uuid.UUID) []*chat.Message {
	var out []*chat.Message
	for i := len(r.s.messages) - 1; i >= 0; i-- {
		if m := r.s.messages[i]; m.ChatID == chatID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}

func (r messageRepo) ListByChat(_ context.Context, chatID uuid.UUID, limit, offset int) ([]*chat.Message, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.newestFirst(chatID)
	return all, len(all), nil
}

func (r messageRepo) Recent(_ context.Context, chatID uuid.UUID, n int) ([]*chat.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.newestFirst(chatID)
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (r messageRepo) SetRead(_ context.Context, ids []uuid.UUID, read bool) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, id := range ids {
		for _, m := range r.s.messages {
			if m.ID == id {
				m.Read = read
				n++
			}
		}
	}
	return n, nil
}

func (r messageRepo) read(id uuid.UUID) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.messages {
		if m.ID == id {
			return m.Read
		}
	}
	return false
}

type sessionRepo struct{ s *store }

func (r sessionRepo) Create(_ context.Context, sess *interview.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess.ID = uuid.New()
	sess.StartedAt = time.Now()
	cp := *sess
	r.s.sessions[sess.ID] = &cp
	return nil
}

func (r sessionRepo) GetByID(_ context.Context, id uuid.UUID) (*interview.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, interview.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (r sessionRepo) GetOpenByChat(_ context.Context, chatID uuid.UUID) (*interview.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sess := range r.s.sessions {
		if sess.ChatID == chatID && !sess.Closed() {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, interview.ErrSessionNotFound
}

func (r sessionRepo) ListByChat(context.Context, uuid.UUID, int, int) ([]*interview.Session, int, error) {
	return nil, 0, nil
}

func (r sessionRepo) End(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sessions[id].EndedAt = &at
	return nil
}

type turnRepo struct{ s *store }

func (r turnRepo) Create(_ context.Context, t *interview.Turn) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t.ID = uuid.New()
	t.Seq = int64(len(r.s.turns) + 1)
	t.CreatedAt = time.Now()
	cp := *t
	r.s.turns = append(r.s.turns, &cp)
	return nil
}

func (r turnRepo) find(id uuid.UUID) *interview.Turn {
	for _, t := range r.s.turns {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (r turnRepo) GetByID(_ context.Context, id uuid.UUID) (*interview.Turn, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t := r.find(id); t != nil {
		cp := *t
		return &cp, nil
	}
	return nil, interview.ErrTurnNotFound
}

func (r turnRepo) ListBySession(_ context.Context, sessionID uuid.UUID) ([]*interview.Turn, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*interview.Turn
	for _, t := range r.s.turns {
		if t.SessionID == sessionID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r turnRepo) Close(_ context.Context, id uuid.UUID, reply string, isSummary bool, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t := r.find(id)
	if t == nil || t.Closed() {
		return interview.ErrTurnNotFound
	}
	t.Reply, t.IsSummary, t.RepliedAt = &reply, isSummary, &at
	return nil
}

func (r turnRepo) Rewrite(_ context.Context, id uuid.UUID, reply string, isSummary bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t := r.find(id)
	if t == nil {
		return interview.ErrTurnNotFound
	}
	t.Reply, t.IsSummary = &reply, isSummary
	return nil
}

type relationRepo struct{ s *store }

func (r relationRepo) Create(_ context.Context, e *identity.RelationEdge) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.relations = append(r.s.relations, e)
	return nil
}

func (r relationRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i, e := range r.s.relations {
		if e.ID == id {
			r.s.relations = append(r.s.relations[:i], r.s.relations[i+1:]...)
			return nil
		}
	}
	return identity.ErrNotFound
}

func (r relationRepo) Get(_ context.Context, identityID, patientID uuid.UUID) (*identity.RelationEdge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.relations {
		if e.IdentityID == identityID && e.PatientID == patientID {
			return e, nil
		}
	}
	return nil, identity.ErrNotFound
}

func (r relationRepo) ListByIdentity(_ context.Context, identityID uuid.UUID) ([]*identity.RelationEdge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*identity.RelationEdge
	for _, e := range r.s.relations {
		if e.IdentityID == identityID {
			out = append(out, e)
		}
	}
	return out, nil
}

type noMappings struct{}

func (noMappings) Create(context.Context, *identity.MappingEdge) error { return nil }
func (noMappings) Delete(context.Context, identity.MappingKind, uuid.UUID, uuid.UUID) error {
	return nil
}
func (noMappings) Exists(context.Context, identity.MappingKind, uuid.UUID, uuid.UUID) (bool, error) {
	return false, nil
}
func (noMappings) List(context.Context, identity.MappingKind, int, int) ([]*identity.MappingEdge, int, error) {
	return nil, 0, nil
}

type inlineTx struct{}

func (inlineTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// stubGenerator asks questions and summarizes in summary mode. A non-nil
// fail makes every call fail; a non-nil hold parks every call until it is
// closed.
type stubGenerator struct {
	mu   sync.Mutex
	fail error
	hold chan struct{}
}

func (g *stubGenerator) Generate(_ context.Context, req interview.GenerationRequest) (interview.Generation, error) {
	g.mu.Lock()
	hold := g.hold
	g.mu.Unlock()
	if hold != nil {
		<-hold
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return interview.Generation{}, g.fail
	}
	if req.SummaryMode {
		return interview.Generation{Structured: &interview.Reply{Message: "Summary: cough for 3 days", IsSummary: true}}, nil
	}
	return interview.Generation{Structured: &interview.Reply{Message: "How long?"}}, nil
}

func (g *stubGenerator) Suggest(context.Context, string, string) (string, error) {
	return "rest", nil
}

// recordingSocket collects payloads and signals each one on frames.
type recordingSocket struct {
	mu     sync.Mutex
	sent   [][]byte
	frames chan []byte
	closed bool
}

func newRecordingSocket() *recordingSocket {
	return &recordingSocket{frames: make(chan []byte, 64)}
}

func (s *recordingSocket) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrSocketClosed
	}
	s.sent = append(s.sent, p)
	s.frames <- p
	return nil
}

func (s *recordingSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSocket) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, p := range s.sent {
		var env struct {
			Type string `json:"type"`
		}
		json.Unmarshal(p, &env)
		out[i] = env.Type
	}
	return out
}

// contents returns the text of every sent envelope of type typ.
func (s *recordingSocket) contents(typ string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range s.sent {
		var env TextEnvelope
		json.Unmarshal(p, &env)
		if env.Type == typ {
			out = append(out, env.Content)
		}
	}
	return out
}

// next waits for the next payload and decodes it into v.
func (s *recordingSocket) next(t *testing.T, v interface{}) string {
	t.Helper()
	select {
	case p := <-s.frames:
		if v != nil {
			if err := json.Unmarshal(p, v); err != nil {
				t.Fatalf("decode %s: %v", p, err)
			}
		}
		var env struct {
			Type string `json:"type"`
		}
		json.Unmarshal(p, &env)
		return env.Type
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a payload")
	}
	return ""
}

type fixture struct {
	store      *store
	messages   messageRepo
	gen        *stubGenerator
	registry   *websocket.Registry
	chats      *chat.Service
	interviews *interview.Service
	resolver   *access.Resolver
	router     *Router
}

func newFixture() *fixture {
	s := newStore()
	f := &fixture{store: s, messages: messageRepo{s}, gen: &stubGenerator{}}
	logger := zerolog.Nop()
	relations := relationRepo{s}
	gate := access.NewGate(relations, noMappings{})
	f.resolver = access.NewResolver(relations, noMappings{})
	f.chats = chat.NewService(chatRepo{s}, f.messages, inlineTx{}, gate)
	engine := interview.NewEngine(sessionRepo{s}, turnRepo{s}, f.gen, interview.EngineConfig{}, logger)
	f.interviews = interview.NewService(engine, sessionRepo{s}, turnRepo{s}, f.chats, f.gen, events.NewLogPublisher(logger), logger)
	f.registry = websocket.NewRegistry(logger)
	f.router = NewRouter(f.registry, f.resolver, f.chats, f.interviews, RouterConfig{}, logger)
	return f
}

type party struct {
	identity  *identity.Identity
	principal access.Principal
}

func doctorParty(entity uuid.UUID) party {
	ident := &identity.Identity{
		ID:      uuid.New(),
		Role:    identity.RoleDoctor,
		Active:  true,
		Profile: &identity.ProfileRef{Kind: identity.KindDoctor, ID: entity},
	}
	return party{identity: ident, principal: access.Principal{Identity: ident, Entity: entity}}
}

// patientParty gives the identity a Self relation so the resolver accepts it.
func (f *fixture) patientParty(entity uuid.UUID) party {
	ident := &identity.Identity{ID: uuid.New(), Role: identity.RolePatient, Active: true}
	relationRepo{f.store}.Create(context.Background(), &identity.RelationEdge{
		ID: uuid.New(), IdentityID: ident.ID, PatientID: entity, Relation: identity.RelationSelf, CreatedAt: time.Now(),
	})
	return party{identity: ident, principal: access.Principal{Identity: ident, Entity: entity}}
}

// revoke removes every relation edge the party's identity holds.
func (f *fixture) revoke(t *testing.T, p party) {
	t.Helper()
	relations := relationRepo{f.store}
	edges, err := relations.ListByIdentity(context.Background(), p.identity.ID)
	if err != nil {
		t.Fatalf("list relations: %v", err)
	}
	for _, e := range edges {
		if err := relations.Delete(context.Background(), e.ID); err != nil {
			t.Fatalf("delete relation: %v", err)
		}
	}
}

// seedChat creates an active chat with its doctor and patient parties.
func (f *fixture) seedChat() (*chat.Chat, party, party) {
	c := &chat.Chat{DoctorID: uuid.New(), PatientID: uuid.New(), Active: true, ActiveForDoctor: true, ActiveForPatient: true}
	chatRepo{f.store}.Create(context.Background(), c)
	return c, doctorParty(c.DoctorID), f.patientParty(c.PatientID)
}

func (f *fixture) seedSession(c *chat.Chat) *interview.Session {
	sess := &interview.Session{ChatID: c.ID}
	sessionRepo{f.store}.Create(context.Background(), sess)
	return sess
}

func (f *fixture) bind(t *testing.T, kind Kind, id uuid.UUID, p party) Target {
	t.Helper()
	target, err := f.router.Bind(context.Background(), kind, id, p.identity, nil)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	return target
}

func chatSend(chatID uuid.UUID, content string) chat.SendInput {
	return chat.SendInput{ChatID: chatID, Content: content}
}
