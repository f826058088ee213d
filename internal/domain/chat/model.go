package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/telehealth/telehealth/internal/domain/access"
)

// Chat is the doctor/patient conversation. There is at most one per pair.
type Chat struct {
	ID               uuid.UUID `db:"id" json:"id"`
	DoctorID         uuid.UUID `db:"doctor_id" json:"doctor_id"`
	PatientID        uuid.UUID `db:"patient_id" json:"patient_id"`
	Active           bool      `db:"is_active" json:"is_active"`
	ActiveForDoctor  bool      `db:"active_for_doctor" json:"is_active_for_doctor"`
	ActiveForPatient bool      `db:"active_for_patient" json:"is_active_for_patient"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

func (c *Chat) Resource() access.Resource {
	return access.Resource{DoctorID: c.DoctorID, PatientID: c.PatientID}
}

// Side is one end of a chat.
type Side string

const (
	SideDoctor  Side = "doctor"
	SidePatient Side = "patient"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageAudio MessageType = "audio"
	MessageFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageAudio, MessageFile:
		return true
	}
	return false
}

// Message is append-only apart from its read flag.
type Message struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	ChatID      uuid.UUID       `db:"chat_id" json:"chat_id"`
	SenderID    uuid.UUID       `db:"sender_id" json:"sender_id"`
	ReceiverID  uuid.UUID       `db:"receiver_id" json:"receiver_id"`
	Content     string          `db:"message" json:"message"`
	Type        MessageType     `db:"message_type" json:"message_type"`
	FileDetails json.RawMessage `db:"file_details" json:"file_details,omitempty"`
	Read        bool            `db:"is_read" json:"is_read"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// SendInput is what a caller supplies when sending. Sender and receiver are
// always derived from the chat and the caller's resolved entity.
type SendInput struct {
	ChatID      uuid.UUID       `json:"chat_id"`
	Content     string          `json:"message"`
	Type        MessageType     `json:"message_type"`
	FileDetails json.RawMessage `json:"file_details,omitempty"`
}

// ListFilter narrows chat listings. Nil fields do not filter.
type ListFilter struct {
	DoctorID   *uuid.UUID
	PatientID  *uuid.UUID
	HospitalID *uuid.UUID
}
