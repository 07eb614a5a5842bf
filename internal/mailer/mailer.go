// Package mailer sends outbound replies via SendGrid with the threading
// headers that let the recipient's client keep the reply in the same thread.
package mailer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"mailstate/internal/config"
	"mailstate/internal/models"
)

// Mailer sends replies for a conversation.
type Mailer struct {
	apiKey      string
	senderEmail string
	senderName  string
	logger      zerolog.Logger
}

// New creates a mailer from configuration.
func New(cfg *config.Config, logger zerolog.Logger) *Mailer {
	return &Mailer{
		apiKey:      cfg.SendGridAPIKey,
		senderEmail: cfg.SenderEmail,
		senderName:  cfg.SenderName,
		logger:      logger,
	}
}

// SendReply sends body as a reply to the latest inbound email of conv and
// returns the outbound email record to hand to the conversation manager.
// The minted Message-ID is what a future In-Reply-To will refer back to.
func (m *Mailer) SendReply(conv *models.Conversation, to, subject, body string) (*models.Email, error) {
	if m.apiKey == "" {
		return nil, fmt.Errorf("SendGrid API key not configured")
	}
	if to == "" {
		return nil, fmt.Errorf("reply recipient is required")
	}

	messageID := m.mintMessageID()
	inReplyTo := latestInboundMessageID(conv)

	from := mail.NewEmail(m.senderName, m.senderEmail)
	recipient := mail.NewEmail("", to)
	message := mail.NewSingleEmail(from, subject, recipient, body, body)
	message.Headers = map[string]string{
		"Message-ID": "<" + messageID + ">",
	}
	if inReplyTo != "" {
		message.Headers["In-Reply-To"] = "<" + inReplyTo + ">"
	}
	if len(conv.ThreadReferences) > 0 {
		refs := make([]string, 0, len(conv.ThreadReferences))
		for _, ref := range conv.ThreadReferences {
			refs = append(refs, "<"+ref+">")
		}
		message.Headers["References"] = strings.Join(refs, " ")
	}

	client := sendgrid.NewSendClient(m.apiKey)
	response, err := client.Send(message)
	if err != nil {
		return nil, fmt.Errorf("failed to send reply: %w", err)
	}
	if response.StatusCode >= 400 {
		return nil, fmt.Errorf("SendGrid API error: status %d, body: %s", response.StatusCode, response.Body)
	}

	m.logger.Info().
		Str("conversation_id", conv.ConversationID).
		Str("message_id", messageID).
		Str("to", to).
		Msg("Sent outbound reply")

	return &models.Email{
		MessageID:  messageID,
		InReplyTo:  inReplyTo,
		References: append([]string{}, conv.ThreadReferences...),
		From:       m.senderEmail,
		To:         []string{to},
		Subject:    subject,
		Body:       body,
		Direction:  models.DirectionOutbound,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// mintMessageID builds a globally unique Message-ID under the sender domain.
func (m *Mailer) mintMessageID() string {
	domain := "mailstate.local"
	if at := strings.LastIndex(m.senderEmail, "@"); at >= 0 && at < len(m.senderEmail)-1 {
		domain = m.senderEmail[at+1:]
	}
	return uuid.NewString() + "@" + domain
}

func latestInboundMessageID(conv *models.Conversation) string {
	for i := len(conv.EmailHistory) - 1; i >= 0; i-- {
		if conv.EmailHistory[i].Direction == models.DirectionInbound && conv.EmailHistory[i].MessageID != "" {
			return conv.EmailHistory[i].MessageID
		}
	}
	return conv.OriginalMessageID
}
