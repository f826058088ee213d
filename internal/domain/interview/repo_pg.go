package interview

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telehealth/telehealth/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

func (r *sessionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const sessionCols = `id, chat_id, start_timestamp, end_timestamp`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.ChatID, &s.StartedAt, &s.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx,
		`INSERT INTO ai_sessions (id, chat_id) VALUES ($1, $2) RETURNING start_timestamp`,
		s.ID, s.ChatID,
	).Scan(&s.StartedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrSessionOpen
		case "23503":
			return ErrSessionNotFound
		}
	}
	return err
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM ai_sessions WHERE id = $1`, id))
}

func (r *sessionRepoPG) GetOpenByChat(ctx context.Context, chatID uuid.UUID) (*Session, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM ai_sessions
		WHERE chat_id = $1 AND end_timestamp IS NULL`, chatID))
}

func (r *sessionRepoPG) ListByChat(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]*Session, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM ai_sessions WHERE chat_id = $1`, chatID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+sessionCols+` FROM ai_sessions
		WHERE chat_id = $1 ORDER BY start_timestamp DESC LIMIT $2 OFFSET $3`, chatID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *sessionRepoPG) End(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE ai_sessions SET end_timestamp = $2 WHERE id = $1 AND end_timestamp IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionClosed
	}
	return nil
}

// =========== Turn Repository ===========

type turnRepoPG struct{ pool *pgxpool.Pool }

func NewTurnRepoPG(pool *pgxpool.Pool) TurnRepository {
	return &turnRepoPG{pool: pool}
}

func (r *turnRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const turnCols = `id, session_id, seq, message, response, is_summary, created_at, replied_at`

func scanTurn(row pgx.Row) (*Turn, error) {
	var t Turn
	err := row.Scan(&t.ID, &t.SessionID, &t.Seq, &t.Utterance, &t.Reply,
		&t.IsSummary, &t.CreatedAt, &t.RepliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTurnNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *turnRepoPG) Create(ctx context.Context, t *Turn) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ai_turns (id, session_id, message)
		VALUES ($1, $2, $3)
		RETURNING seq, created_at`,
		t.ID, t.SessionID, t.Utterance,
	).Scan(&t.Seq, &t.CreatedAt)
}

func (r *turnRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Turn, error) {
	return scanTurn(r.conn(ctx).QueryRow(ctx, `SELECT `+turnCols+` FROM ai_turns WHERE id = $1`, id))
}

func (r *turnRepoPG) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*Turn, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+turnCols+` FROM ai_turns
		WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *turnRepoPG) Close(ctx context.Context, id uuid.UUID, reply string, isSummary bool, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ai_turns SET response = $2, is_summary = $3, replied_at = $4
		WHERE id = $1 AND response IS NULL`, id, reply, isSummary, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTurnNotFound
	}
	return nil
}

func (r *turnRepoPG) Rewrite(ctx context.Context, id uuid.UUID, reply string, isSummary bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ai_turns SET response = $2, is_summary = $3
		WHERE id = $1 AND response IS NOT NULL`, id, reply, isSummary)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTurnNotFound
	}
	return nil
}
