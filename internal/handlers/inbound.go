package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"mailstate/internal/config"
	"mailstate/internal/conversations"
	"mailstate/internal/extraction"
	"mailstate/internal/mailer"
	"mailstate/internal/models"
	"mailstate/internal/threading"
)

// InboundEmailResponse is returned after an inbound email is processed
type InboundEmailResponse struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversation_id,omitempty"`
	EmailID        string `json:"email_id,omitempty"`
	LastSeq        int64  `json:"last_seq,omitempty"`
	Status         string `json:"status,omitempty"`
	ReplySent      bool   `json:"reply_sent,omitempty"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ProcessInboundEmail handles one delivery from the mail transport: resolve
// the thread identity, fetch or create the conversation, append the email,
// then hand the fresh snapshot to the extraction collaborator and write its
// results back. Extraction and reply sending are best-effort; the append is
// durable before either runs.
//
// @Summary Process an inbound email
// @Description Appends a normalized inbound email to its conversation
// @Tags Conversations
// @Accept json
// @Produce json
// @Success 200 {object} InboundEmailResponse
// @Failure 400 {object} InboundEmailResponse
// @Failure 409 {object} InboundEmailResponse
// @Failure 500 {object} InboundEmailResponse
// @Router /api/emails [post]
func ProcessInboundEmail(cfg *config.Config, manager *conversations.Manager, extractor *extraction.Extractor, sender *mailer.Mailer, logger zerolog.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var inbound models.InboundEmail
		if err := c.Bind(&inbound); err != nil {
			return c.JSON(http.StatusBadRequest, InboundEmailResponse{
				Success: false,
				Message: "Invalid request payload",
				Error:   err.Error(),
			})
		}
		if inbound.From == "" {
			return c.JSON(http.StatusBadRequest, InboundEmailResponse{
				Success: false,
				Message: "from address is required",
			})
		}

		ctx := c.Request().Context()
		references := threading.ParseReferences(inbound.References)
		conversationID, originalMessageID := threading.DetermineConversationID(
			inbound.MessageID, inbound.InReplyTo, references,
			inbound.Subject, inbound.From, inbound.Timestamp)

		conv, err := manager.FetchOrCreateConversation(ctx, conversationID, originalMessageID, &inbound)
		if err != nil {
			logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Failed to fetch or create conversation")
			return c.JSON(http.StatusInternalServerError, InboundEmailResponse{
				Success: false,
				Message: "Failed to resolve conversation",
				Error:   err.Error(),
			})
		}
		// The sent-message-id recovery path may land on a different key than
		// the header-derived one; from here on the record's own id is truth.
		conversationID = conv.ConversationID

		email := models.Email{
			MessageID:   inbound.MessageID,
			InReplyTo:   inbound.InReplyTo,
			References:  references,
			From:        inbound.From,
			To:          inbound.To,
			CC:          inbound.CC,
			Subject:     inbound.Subject,
			Body:        inbound.Body,
			Direction:   models.DirectionInbound,
			Timestamp:   inbound.Timestamp,
			Attachments: inbound.Attachments,
			Metadata:    inbound.Metadata,
		}

		conv, err = manager.AppendEmailWithRetry(ctx, conversationID, email, cfg.AppendMaxRetries)
		if err != nil {
			status := http.StatusInternalServerError
			message := "Failed to append email"
			switch {
			case errors.Is(err, conversations.ErrVersionConflict):
				status = http.StatusConflict
				message = "Conversation is receiving concurrent writes, retry the delivery"
			case errors.Is(err, conversations.ErrNotFound):
				status = http.StatusNotFound
				message = "Conversation not found"
			}
			logger.Error().Err(err).Str("conversation_id", conversationID).Msg("Append failed")
			return c.JSON(status, InboundEmailResponse{
				Success: false,
				Message: message,
				Error:   err.Error(),
			})
		}

		appended := conv.EmailHistory[len(conv.EmailHistory)-1]
		replySent := false
		if cfg.EnableExtraction && extractor != nil && !appended.IsAutomated {
			replySent = runExtraction(c, cfg, manager, extractor, sender, conv, logger)
			// Re-read so the response reflects the extraction write-backs.
			if updated, err := manager.FetchConversation(ctx, conversationID); err == nil {
				conv = updated
			}
		}

		return c.JSON(http.StatusOK, InboundEmailResponse{
			Success:        true,
			ConversationID: conv.ConversationID,
			EmailID:        appended.EmailID,
			LastSeq:        conv.LastSeq,
			Status:         string(conv.Status),
			ReplySent:      replySent,
			Message:        "Email appended",
		})
	}
}

// runExtraction runs the collaborator on the post-append snapshot and writes
// requirements, status, and an optional outbound reply back through the
// manager. Every failure here is logged and swallowed: the append already
// committed and must not be failed retroactively.
func runExtraction(c echo.Context, cfg *config.Config, manager *conversations.Manager, extractor *extraction.Extractor, sender *mailer.Mailer, conv *models.Conversation, logger zerolog.Logger) bool {
	ctx := c.Request().Context()

	result, err := extractor.Extract(ctx, conv.Snapshot())
	if err != nil {
		logger.Warn().Err(err).Str("conversation_id", conv.ConversationID).Msg("Extraction failed")
		return false
	}

	expected := conv.RequirementsVersion
	if _, err := manager.UpdateRequirementsAtomic(ctx, conv.ConversationID, result.Requirements, &expected); err != nil {
		// A concurrent worker already wrote requirements for newer state; its
		// result is based on at least as much history as ours.
		logger.Warn().Err(err).Str("conversation_id", conv.ConversationID).Msg("Requirements write-back skipped")
	}

	if result.Status != "" && result.Status != conv.Status {
		if _, err := manager.UpdateStatus(ctx, conv.ConversationID, result.Status); err != nil {
			logger.Warn().Err(err).Str("conversation_id", conv.ConversationID).Msg("Status update failed")
		}
	}

	if !cfg.EnableAutoReply || sender == nil || result.Reply == "" {
		return false
	}

	latest := conv.EmailHistory[len(conv.EmailHistory)-1]
	subject := latest.Subject
	if subject != "" && !hasReplyPrefix(subject) {
		subject = "Re: " + subject
	}
	outbound, err := sender.SendReply(conv, latest.From, subject, result.Reply)
	if err != nil {
		logger.Warn().Err(err).Str("conversation_id", conv.ConversationID).Msg("Reply send failed")
		return false
	}
	if _, err := manager.AddOutboundReply(ctx, conv.ConversationID, *outbound); err != nil {
		logger.Warn().Err(err).Str("conversation_id", conv.ConversationID).Msg("Failed to record outbound reply")
	}
	return true
}

func hasReplyPrefix(subject string) bool {
	return len(subject) >= 3 && (subject[:3] == "Re:" || subject[:3] == "RE:" || subject[:3] == "re:")
}
