// Package extraction calls the LLM collaborator that turns a conversation
// snapshot into an updated requirements document and optional reply text.
// It is strictly a boundary client: it reads a snapshot and returns data,
// never writing conversation state itself.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"mailstate/internal/config"
	"mailstate/internal/models"
	"mailstate/internal/utils"
)

const systemPrompt = `You are an assistant that reads a customer email conversation and maintains a structured requirements document.
Respond with a JSON object containing:
  "requirements": object with everything learned so far (merge with the existing document),
  "reply": a plain-text reply to the latest inbound email, or "" if none is needed,
  "status": one of "active", "pending_info", "completed" reflecting the conversation.`

// Result is what the collaborator returns for one snapshot.
type Result struct {
	Requirements map[string]any            `json:"requirements"`
	Reply        string                    `json:"reply"`
	Status       models.ConversationStatus `json:"status,omitempty"`
}

// Extractor wraps the OpenAI chat API behind the snapshot-in, data-out boundary.
type Extractor struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates an extractor from configuration.
func New(cfg *config.Config, logger zerolog.Logger) (*Extractor, error) {
	if cfg.OpenAIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for requirement extraction")
	}
	timeout := time.Duration(cfg.OpenAITimeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Extractor{
		client:  openai.NewClient(cfg.OpenAIKey),
		model:   string(openai.GPT4oMini),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Extract runs the collaborator on a conversation snapshot.
func (e *Extractor) Extract(ctx context.Context, snap models.Snapshot) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(snap)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call extraction model: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("extraction model returned no choices")
	}

	var result Result
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &result); err != nil {
		return nil, fmt.Errorf("failed to decode extraction result: %w", err)
	}
	if result.Requirements == nil {
		result.Requirements = map[string]any{}
	}
	if result.Status != "" && !models.ValidStatus(result.Status) {
		e.logger.Warn().Str("status", string(result.Status)).Msg("Extraction returned unknown status, ignoring")
		result.Status = ""
	}
	return &result, nil
}

// buildPrompt renders the snapshot as plain text for the model. Only the new
// content of each message goes in; quoted tails just repeat earlier turns.
func buildPrompt(snap models.Snapshot) string {
	var b strings.Builder

	b.WriteString("Current requirements document:\n")
	if len(snap.Requirements) == 0 {
		b.WriteString("(empty)\n")
	} else {
		encoded, err := json.Marshal(snap.Requirements)
		if err != nil {
			b.WriteString("(empty)\n")
		} else {
			b.Write(encoded)
			b.WriteString("\n")
		}
	}

	b.WriteString(fmt.Sprintf("\nConversation status: %s\nParticipants: %s\n\nMessages (oldest first):\n",
		snap.Status, strings.Join(snap.Participants, ", ")))

	for _, email := range snap.EmailHistory {
		content := email.NewContent
		if content == "" {
			content = email.Body
		}
		b.WriteString(fmt.Sprintf("--- %s | %s | from %s | subject: %s\n%s\n",
			email.Direction, email.Timestamp.Format(time.RFC3339), email.From, email.Subject, content))
	}

	if latest := latestInbound(snap.EmailHistory); latest != nil {
		lang := utils.DetectLanguage(latest.NewContent)
		b.WriteString("\n" + utils.ReplyLanguageInstruction(lang) + "\n")
	}
	return b.String()
}

func latestInbound(history []models.Email) *models.Email {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Direction == models.DirectionInbound {
			return &history[i]
		}
	}
	return nil
}
