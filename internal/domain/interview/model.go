package interview

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultCycleLength is the question count after which a summary is due.
const DefaultCycleLength = 5

// Session is an AI interview bound to a chat. It is terminal once ended.
type Session struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	ChatID    uuid.UUID  `db:"chat_id" json:"chat_id"`
	StartedAt time.Time  `db:"start_timestamp" json:"start_timestamp"`
	EndedAt   *time.Time `db:"end_timestamp" json:"end_timestamp,omitempty"`
}

func (s *Session) Closed() bool {
	return s.EndedAt != nil
}

// Turn is one utterance and, once closed, the generated reply.
type Turn struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	SessionID uuid.UUID  `db:"session_id" json:"session_id"`
	Seq       int64      `db:"seq" json:"-"`
	Utterance string     `db:"message" json:"message"`
	Reply     *string    `db:"response" json:"response"`
	IsSummary bool       `db:"is_summary" json:"is_summary"`
	CreatedAt time.Time  `db:"created_at" json:"timestamp"`
	RepliedAt *time.Time `db:"replied_at" json:"replied_at,omitempty"`
}

func (t *Turn) Closed() bool {
	return t.Reply != nil
}

// Reply is the structured answer shown to the patient.
type Reply struct {
	Message   string `json:"message"`
	IsSummary bool   `json:"isSummary"`
}

// ContextEntry is one prior line of the conversation handed to the
// generator. Role is "user" for utterances and "assistant" for replies.
type ContextEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerationRequest struct {
	Utterance   string
	Context     []ContextEntry
	SummaryMode bool
}

// Generation is what a generator produced: a structured reply, or raw text
// when the model ignored the requested format.
type Generation struct {
	Structured *Reply
	Text       string
}

// Generator is the language-model collaborator.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (Generation, error)
	// Suggest drafts a prescription-style answer for the doctor from a
	// patient summary and an optional discharge summary.
	Suggest(ctx context.Context, summary, discharge string) (string, error)
}

// Outcome is the result of one accepted submission.
type Outcome struct {
	Turn        *Turn
	Reply       Reply
	Position    int
	SummaryMode bool
}

// AIResponse is the wire form of an Outcome.
type AIResponse struct {
	Type          string    `json:"type"`
	MessageID     uuid.UUID `json:"message_id"`
	Content       Reply     `json:"content"`
	QuestionCount int       `json:"question_count"`
}

func (o *Outcome) Response() AIResponse {
	return AIResponse{
		Type:          "ai_response",
		MessageID:     o.Turn.ID,
		Content:       o.Reply,
		QuestionCount: o.Position,
	}
}
