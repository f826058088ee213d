// Package generation talks to the language model behind the interview.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/telehealth/telehealth/internal/domain/interview"
)

var ErrEmptyCompletion = errors.New("completion has no content")

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	// Timeout caps the HTTP round trip. Callers usually pass a shorter
	// deadline through the context.
	Timeout time.Duration
}

// OpenAI is a chat-completions client implementing interview.Generator.
type OpenAI struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewOpenAI(cfg Config, logger zerolog.Logger) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &OpenAI{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "openai").Logger(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate sends the system prompt, the prior conversation and the new
// utterance. In summary mode an extra system instruction asks for the
// summary.
func (o *OpenAI) Generate(ctx context.Context, req interview.GenerationRequest) (interview.Generation, error) {
	msgs := make([]chatMessage, 0, len(req.Context)+3)
	msgs = append(msgs, chatMessage{Role: "system", Content: interviewPrompt})
	for _, e := range req.Context {
		msgs = append(msgs, chatMessage{Role: e.Role, Content: e.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Utterance})
	if req.SummaryMode {
		msgs = append(msgs, chatMessage{Role: "system", Content: summaryInstruction})
	}

	text, err := o.complete(ctx, completionRequest{Model: o.cfg.Model, Messages: msgs})
	if err != nil {
		return interview.Generation{}, err
	}
	if r, ok := ParseReply(text); ok {
		return interview.Generation{Structured: r}, nil
	}
	o.logger.Warn().Int("length", len(text)).Msg("completion is not a structured reply")
	return interview.Generation{Text: text}, nil
}

func (o *OpenAI) Suggest(ctx context.Context, summary, discharge string) (string, error) {
	content := "Patient Summary: " + summary
	if discharge != "" {
		content += "\n\nDischarge Summary: " + discharge
	}
	temp := 0.7
	return o.complete(ctx, completionRequest{
		Model: o.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: suggestionPrompt},
			{Role: "user", Content: content},
		},
		Temperature: &temp,
		MaxTokens:   500,
	})
}

func (o *OpenAI) complete(ctx context.Context, body completionRequest) (string, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}
	endpoint := strings.TrimRight(o.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	start := time.Now()
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read completion: %w", err)
	}
	o.logger.Debug().
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Int("messages", len(body.Messages)).
		Msg("completion finished")

	var parsed completionResponse
	decodeErr := json.Unmarshal(payload, &parsed)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && parsed.Error != nil {
			return "", fmt.Errorf("completion api %d: %s", resp.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("completion api %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode completion: %w", decodeErr)
	}
	if len(parsed.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// ParseReply reads a {"message", "isSummary"} object, tolerating a fenced
// code block around it. Both keys must be present.
func ParseReply(text string) (*interview.Reply, bool) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	var raw struct {
		Message   *string `json:"message"`
		IsSummary *bool   `json:"isSummary"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, false
	}
	if raw.Message == nil || raw.IsSummary == nil {
		return nil, false
	}
	return &interview.Reply{Message: strings.TrimSpace(*raw.Message), IsSummary: *raw.IsSummary}, true
}
