package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/telehealth/telehealth/internal/domain/chat"
)

// Envelope types sent to clients.
const (
	TypeSystem     = "system"
	TypeStatus     = "status"
	TypeHistory    = "history"
	TypeMessage    = "message"
	TypeAIResponse = "ai_response"
	TypeSummary    = "summary"
	TypeError      = "error"
)

const (
	statusProcessing  = "Processing your message..."
	summaryNotice     = "AI has generated a summary. You can edit it and send it to the doctor."
	retryNotice       = "Failed to generate a response. Please send your message again."
	genericFailure    = "An error occurred while processing your message."
	rateLimitedNotice = "Too many messages, slow down."
)

// TextEnvelope carries a human readable notice.
type TextEnvelope struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func textEnvelope(typ, content string) TextEnvelope {
	return TextEnvelope{Type: typ, Content: content}
}

// MessageView is the wire form of a chat message.
type MessageView struct {
	ID          uuid.UUID        `json:"id"`
	ChatID      uuid.UUID        `json:"chat_id"`
	SenderID    uuid.UUID        `json:"sender_id"`
	ReceiverID  uuid.UUID        `json:"receiver_id"`
	Content     string           `json:"content"`
	Type        chat.MessageType `json:"message_type"`
	FileDetails json.RawMessage  `json:"file_details,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	IsRead      bool             `json:"is_read"`
}

func viewOf(m *chat.Message) MessageView {
	return MessageView{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		Type:        m.Type,
		FileDetails: m.FileDetails,
		Timestamp:   m.CreatedAt,
		IsRead:      m.Read,
	}
}

type HistoryEnvelope struct {
	Type     string        `json:"type"`
	Messages []MessageView `json:"messages"`
}

func historyEnvelope(msgs []*chat.Message) HistoryEnvelope {
	views := make([]MessageView, len(msgs))
	for i, m := range msgs {
		views[i] = viewOf(m)
	}
	return HistoryEnvelope{Type: TypeHistory, Messages: views}
}

type MessageEnvelope struct {
	Type    string      `json:"type"`
	Message MessageView `json:"message"`
}

func messageEnvelope(m *chat.Message) MessageEnvelope {
	return MessageEnvelope{Type: TypeMessage, Message: viewOf(m)}
}

// chatFrame is what a duplex chat client sends.
type chatFrame struct {
	Content     string           `json:"content"`
	Type        chat.MessageType `json:"message_type"`
	FileDetails json.RawMessage  `json:"file_details"`
}

// turnFrame is what an interview client sends.
type turnFrame struct {
	Message string `json:"message"`
}
