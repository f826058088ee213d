package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// =========== Chat Repository ===========

type chatRepoPG struct{ pool *pgxpool.Pool }

func NewChatRepoPG(pool *pgxpool.Pool) ChatRepository {
	return &chatRepoPG{pool: pool}
}

func (r *chatRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const chatCols = `id, doctor_id, patient_id, is_active, active_for_doctor, active_for_patient, created_at, updated_at`

func scanChat(row pgx.Row) (*Chat, error) {
	var c Chat
	err := row.Scan(&c.ID, &c.DoctorID, &c.PatientID, &c.Active,
		&c.ActiveForDoctor, &c.ActiveForPatient, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *chatRepoPG) Create(ctx context.Context, c *Chat) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO chats (id, doctor_id, patient_id, is_active, active_for_doctor, active_for_patient)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		c.ID, c.DoctorID, c.PatientID, c.Active, c.ActiveForDoctor, c.ActiveForPatient,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	switch pgCode(err) {
	case "23505":
		return ErrChatExists
	case "23503":
		return ErrParticipantNotFound
	}
	return err
}

func (r *chatRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Chat, error) {
	return scanChat(r.conn(ctx).QueryRow(ctx, `SELECT `+chatCols+` FROM chats WHERE id = $1`, id))
}

func (r *chatRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Chat, int, error) {
	var where []string
	var args []interface{}
	idx := 1

	if f.DoctorID != nil {
		where = append(where, fmt.Sprintf("c.doctor_id = $%d", idx))
		args = append(args, *f.DoctorID)
		idx++
	}
	if f.PatientID != nil {
		where = append(where, fmt.Sprintf("c.patient_id = $%d", idx))
		args = append(args, *f.PatientID)
		idx++
	}
	if f.HospitalID != nil {
		where = append(where, fmt.Sprintf(`(
			EXISTS (SELECT 1 FROM hospital_doctor_mappings m WHERE m.hospital_id = $%[1]d AND m.doctor_id = c.doctor_id)
			OR EXISTS (SELECT 1 FROM hospital_patient_mappings m WHERE m.hospital_id = $%[1]d AND m.patient_id = c.patient_id))`, idx))
		args = append(args, *f.HospitalID)
		idx++
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM chats c`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT c.%s FROM chats c%s ORDER BY c.updated_at DESC LIMIT $%d OFFSET $%d`,
		strings.ReplaceAll(chatCols, ", ", ", c."), clause, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *chatRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE chats SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChatNotFound
	}
	return nil
}

func (r *chatRepoPG) SetVisibility(ctx context.Context, id uuid.UUID, forDoctor, forPatient bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE chats SET active_for_doctor = $2, active_for_patient = $3, updated_at = NOW()
		WHERE id = $1`, id, forDoctor, forPatient)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChatNotFound
	}
	return nil
}

// =========== Message Repository ===========

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewMessageRepoPG(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

func (r *messageRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const messageCols = `id, chat_id, sender_id, receiver_id, message, message_type, file_details, is_read, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var details []byte
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.ReceiverID, &m.Content,
		&m.Type, &details, &m.Read, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		m.FileDetails = details
	}
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]*Message, error) {
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	var details []byte
	if len(m.FileDetails) > 0 {
		details = m.FileDetails
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, receiver_id, message, message_type, file_details, is_read)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		m.ID, m.ChatID, m.SenderID, m.ReceiverID, m.Content, m.Type, details, m.Read,
	).Scan(&m.CreatedAt)
	if pgCode(err) == "23503" {
		return ErrChatNotFound
	}
	return err
}

func (r *messageRepoPG) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Message, error) {
	query := `SELECT ` + messageCols + ` FROM messages WHERE id = ANY($1)`
	if db.TxFromContext(ctx) != nil {
		query += ` ORDER BY id FOR UPDATE`
	}
	rows, err := r.conn(ctx).Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *messageRepoPG) ListByChat(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE chat_id = $1`, chatID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+messageCols+` FROM messages
		WHERE chat_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, chatID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectMessages(rows)
	return items, total, err
}

func (r *messageRepoPG) Recent(ctx context.Context, chatID uuid.UUID, n int) ([]*Message, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+messageCols+` FROM messages
		WHERE chat_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, chatID, n)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *messageRepoPG) SetRead(ctx context.Context, ids []uuid.UUID, read bool) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE messages SET is_read = $2 WHERE id = ANY($1)`, ids, read)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
