package interview

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telehealth/telehealth/internal/platform/lock"
)

type EngineConfig struct {
	CycleLength int
	// Timeout bounds one generator call.
	Timeout time.Duration
}

// Engine runs the turn-based interview. Work on one session is serialized;
// different sessions proceed in parallel.
type Engine struct {
	sessions SessionRepository
	turns    TurnRepository
	gen      Generator
	cfg      EngineConfig
	locks    *lock.Keyed
	logger   zerolog.Logger
	now      func() time.Time
}

func NewEngine(sessions SessionRepository, turns TurnRepository, gen Generator, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.CycleLength <= 0 {
		cfg.CycleLength = DefaultCycleLength
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Engine{
		sessions: sessions,
		turns:    turns,
		gen:      gen,
		cfg:      cfg,
		locks:    lock.NewKeyed(),
		logger:   logger.With().Str("component", "interview_engine").Logger(),
		now:      time.Now,
	}
}

// Position is the 1-based question position the next turn would take:
// closed non-summary turns since the most recent summary turn, plus one.
func Position(prior []*Turn) int {
	n := 0
	for _, t := range prior {
		if !t.Closed() {
			continue
		}
		if t.IsSummary {
			n = 0
			continue
		}
		n++
	}
	return n + 1
}

// BuildContext flattens prior turns oldest first: each utterance, then its
// reply when there is one.
func BuildContext(prior []*Turn) []ContextEntry {
	out := make([]ContextEntry, 0, 2*len(prior))
	for _, t := range prior {
		out = append(out, ContextEntry{Role: "user", Content: t.Utterance})
		if t.Reply != nil {
			out = append(out, ContextEntry{Role: "assistant", Content: *t.Reply})
		}
	}
	return out
}

// classify turns a generation into the reply shown to the patient. Summary
// mode forces the summary flag; unstructured text counts as a summary only
// late in the cycle and when it says so.
func (e *Engine) classify(g Generation, position int, summaryMode bool) Reply {
	if g.Structured != nil {
		r := *g.Structured
		if summaryMode {
			r.IsSummary = true
		}
		return r
	}
	text := strings.TrimSpace(g.Text)
	return Reply{
		Message:   text,
		IsSummary: position >= e.cfg.CycleLength && strings.Contains(strings.ToLower(text), "summary"),
	}
}

// Submit records utterance as a new turn, asks the generator for a reply and
// closes the turn with it. When generation fails the turn stays open, the
// session stays active and ErrGenerationFailed is returned; resubmitting
// creates a new turn.
func (e *Engine) Submit(ctx context.Context, sessionID uuid.UUID, utterance string) (*Outcome, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}

	unlock := e.locks.Lock(sessionID.String())
	defer unlock()

	sess, err := e.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Closed() {
		return nil, ErrSessionClosed
	}

	prior, err := e.turns.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}

	turn := &Turn{SessionID: sessionID, Utterance: utterance}
	if err := e.turns.Create(ctx, turn); err != nil {
		return nil, fmt.Errorf("open turn: %w", err)
	}

	position := Position(prior)
	summaryMode := position >= e.cfg.CycleLength
	log := e.logger.With().
		Str("session_id", sessionID.String()).
		Str("turn_id", turn.ID.String()).
		Int("position", position).
		Bool("summary_mode", summaryMode).
		Logger()

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	start := e.now()
	gen, err := e.gen.Generate(genCtx, GenerationRequest{
		Utterance:   utterance,
		Context:     BuildContext(prior),
		SummaryMode: summaryMode,
	})
	if err != nil {
		log.Warn().Err(err).Dur("elapsed", e.now().Sub(start)).Msg("generation failed; turn left open")
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	reply := e.classify(gen, position, summaryMode)
	if reply.Message == "" {
		log.Warn().Msg("generator returned an empty reply; turn left open")
		return nil, fmt.Errorf("%w: empty reply", ErrGenerationFailed)
	}

	at := e.now()
	if err := e.turns.Close(ctx, turn.ID, reply.Message, reply.IsSummary, at); err != nil {
		return nil, fmt.Errorf("close turn: %w", err)
	}
	turn.Reply = &reply.Message
	turn.IsSummary = reply.IsSummary
	turn.RepliedAt = &at

	log.Debug().Bool("is_summary", reply.IsSummary).Dur("elapsed", at.Sub(start)).Msg("turn closed")
	return &Outcome{Turn: turn, Reply: reply, Position: position, SummaryMode: summaryMode}, nil
}

// CorrectSummary overwrites the reply of the most recently closed turn and
// marks it as the summary. Corrections are accepted after the session ends.
func (e *Engine) CorrectSummary(ctx context.Context, sessionID uuid.UUID, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: summary is required", ErrInvalidInput)
	}

	unlock := e.locks.Lock(sessionID.String())
	defer unlock()

	if _, err := e.sessions.GetByID(ctx, sessionID); err != nil {
		return nil, err
	}
	turns, err := e.turns.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	var last *Turn
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Closed() {
			last = turns[i]
			break
		}
	}
	if last == nil {
		return nil, ErrTurnNotFound
	}

	if err := e.turns.Rewrite(ctx, last.ID, text, true); err != nil {
		return nil, err
	}
	last.Reply = &text
	last.IsSummary = true
	return last, nil
}

// End closes the session. Ending twice returns ErrSessionClosed.
func (e *Engine) End(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	unlock := e.locks.Lock(sessionID.String())
	defer unlock()

	sess, err := e.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Closed() {
		return nil, ErrSessionClosed
	}
	at := e.now()
	if err := e.sessions.End(ctx, sessionID, at); err != nil {
		return nil, err
	}
	sess.EndedAt = &at
	return sess, nil
}

// LatestSummary returns the newest closed summary turn.
func LatestSummary(turns []*Turn) (*Turn, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if t := turns[i]; t.Closed() && t.IsSummary {
			return t, true
		}
	}
	return nil, false
}
