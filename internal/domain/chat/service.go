package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/telehealth/telehealth/internal/domain/access"
	"github.com/telehealth/telehealth/internal/domain/identity"
	"github.com/telehealth/telehealth/internal/platform/db"
)

// MaxReadBatch caps one read-status update.
const MaxReadBatch = 500

type Service struct {
	chats    ChatRepository
	messages MessageRepository
	tx       db.Transactor
	gate     *access.Gate
}

func NewService(chats ChatRepository, messages MessageRepository, tx db.Transactor, gate *access.Gate) *Service {
	return &Service{chats: chats, messages: messages, tx: tx, gate: gate}
}

// Load re-reads a chat and runs the gate against it.
func (s *Service) Load(ctx context.Context, p access.Principal, chatID uuid.UUID) (*Chat, error) {
	c, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Authorize(ctx, p, c.Resource()); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) Create(ctx context.Context, p access.Principal, doctorID, patientID uuid.UUID) (*Chat, error) {
	if doctorID == uuid.Nil {
		return nil, fmt.Errorf("%w: doctor_id is required", ErrInvalidInput)
	}
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	c := &Chat{
		DoctorID:         doctorID,
		PatientID:        patientID,
		Active:           true,
		ActiveForDoctor:  true,
		ActiveForPatient: true,
	}
	if err := s.gate.Authorize(ctx, p, c.Resource()); err != nil {
		return nil, err
	}
	if err := s.chats.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// List returns the chats the principal can see.
func (s *Service) List(ctx context.Context, p access.Principal, limit, offset int) ([]*Chat, int, error) {
	var f ListFilter
	switch p.Role() {
	case identity.RoleAdmin:
	case identity.RoleDoctor:
		f.DoctorID = &p.Entity
	case identity.RolePatient:
		f.PatientID = &p.Entity
	case identity.RoleHospital:
		f.HospitalID = &p.Entity
	default:
		return nil, 0, fmt.Errorf("%w: role %q", access.ErrForbidden, p.Role())
	}
	return s.chats.List(ctx, f, limit, offset)
}

// Deactivate soft-closes a chat. Messages stay readable.
func (s *Service) Deactivate(ctx context.Context, p access.Principal, chatID uuid.UUID) (*Chat, error) {
	c, err := s.Load(ctx, p, chatID)
	if err != nil {
		return nil, err
	}
	if err := s.chats.SetActive(ctx, c.ID, false); err != nil {
		return nil, err
	}
	c.Active = false
	return c, nil
}

func (s *Service) ListMessages(ctx context.Context, p access.Principal, chatID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	if _, err := s.Load(ctx, p, chatID); err != nil {
		return nil, 0, err
	}
	return s.messages.ListByChat(ctx, chatID, limit, offset)
}

// Participants returns the sending side for p in c and the sender and
// receiver entity ids. Hospitals observe chats but never send.
func Participants(p access.Principal, c *Chat) (Side, uuid.UUID, uuid.UUID, error) {
	switch p.Role() {
	case identity.RoleDoctor:
		return SideDoctor, c.DoctorID, c.PatientID, nil
	case identity.RolePatient:
		return SidePatient, c.PatientID, c.DoctorID, nil
	case identity.RoleAdmin:
		switch p.Entity {
		case c.DoctorID:
			return SideDoctor, c.DoctorID, c.PatientID, nil
		case c.PatientID:
			return SidePatient, c.PatientID, c.DoctorID, nil
		}
		return "", uuid.Nil, uuid.Nil, fmt.Errorf("%w: admin must act as the chat's doctor or patient to send", access.ErrForbidden)
	}
	return "", uuid.Nil, uuid.Nil, fmt.Errorf("%w: %s may not send messages", access.ErrForbidden, p.Role())
}

func validateSend(in *SendInput) error {
	if in.ChatID == uuid.Nil {
		return fmt.Errorf("%w: chat_id is required", ErrInvalidInput)
	}
	if in.Type == "" {
		in.Type = MessageText
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: invalid message_type %q", ErrInvalidInput, in.Type)
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Type == MessageText && in.Content == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if in.Type != MessageText && len(in.FileDetails) == 0 {
		return fmt.Errorf("%w: file_details is required for %s messages", ErrInvalidInput, in.Type)
	}
	if len(in.FileDetails) > 0 && !json.Valid(in.FileDetails) {
		return fmt.Errorf("%w: file_details must be valid JSON", ErrInvalidInput)
	}
	return nil
}

// Send re-loads the chat, authorizes the caller and, in one transaction,
// appends the message and flips the visibility flags so the receiving side
// is active and the sending side quiescent. Callers that fan out must
// serialize Send per chat themselves.
func (s *Service) Send(ctx context.Context, p access.Principal, in SendInput) (*Message, error) {
	if err := validateSend(&in); err != nil {
		return nil, err
	}
	c, err := s.Load(ctx, p, in.ChatID)
	if err != nil {
		return nil, err
	}
	if !c.Active {
		return nil, ErrChatInactive
	}
	side, sender, receiver, err := Participants(p, c)
	if err != nil {
		return nil, err
	}

	m := &Message{
		ChatID:      c.ID,
		SenderID:    sender,
		ReceiverID:  receiver,
		Content:     in.Content,
		Type:        in.Type,
		FileDetails: in.FileDetails,
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.messages.Create(ctx, m); err != nil {
			return err
		}
		return s.chats.SetVisibility(ctx, c.ID, side == SidePatient, side == SideDoctor)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// MarkRead sets the read flag on every message or on none. Each message
// must exist, its chat must pass the gate and the caller's entity must be
// its receiver.
func (s *Service) MarkRead(ctx context.Context, p access.Principal, ids []uuid.UUID, read bool) (int, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: message_ids is required", ErrInvalidInput)
	}
	if len(ids) > MaxReadBatch {
		return 0, fmt.Errorf("%w: at most %d messages per update", ErrInvalidInput, MaxReadBatch)
	}

	var updated int64
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		msgs, err := s.messages.GetByIDs(ctx, ids)
		if err != nil {
			return err
		}
		found := make(map[uuid.UUID]*Message, len(msgs))
		for _, m := range msgs {
			found[m.ID] = m
		}

		checked := make(map[uuid.UUID]bool)
		for _, id := range ids {
			m, ok := found[id]
			if !ok {
				return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
			}
			if !checked[m.ChatID] {
				if _, err := s.Load(ctx, p, m.ChatID); err != nil {
					return err
				}
				checked[m.ChatID] = true
			}
			if m.ReceiverID != p.Entity {
				return fmt.Errorf("%w: only the receiver may change the read status of message %s", access.ErrForbidden, id)
			}
		}

		updated, err = s.messages.SetRead(ctx, ids, read)
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(updated), nil
}

// History returns up to n of the latest messages, oldest first.
func (s *Service) History(ctx context.Context, chatID uuid.UUID, n int) ([]*Message, error) {
	msgs, err := s.messages.Recent(ctx, chatID, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
