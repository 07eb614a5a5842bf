// Package conversations implements the conversation state manager: the
// orchestrator that converges independent, concurrently-invoked workers on a
// single causally-ordered record per email thread, using only the document
// store's conditional writes. There is no lock service and no lease; all
// cross-writer coordination is optimistic.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mailstate/internal/cache"
	"mailstate/internal/config"
	"mailstate/internal/docstore"
	"mailstate/internal/models"
	"mailstate/internal/threading"
)

// lookupCacheTTL bounds how long a sent-message-id mapping is served without
// re-scanning the store.
const lookupCacheTTL = 6 * time.Hour

// Manager coordinates all writes to conversation records.
type Manager struct {
	store       docstore.Store
	logger      zerolog.Logger
	ttlDays     int
	maxRetries  int
	lookupCache *cache.Cache
}

// NewManager creates a conversation state manager.
func NewManager(cfg *config.Config, store docstore.Store, logger zerolog.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("document store is required for conversation manager")
	}
	ttlDays := cfg.ConversationTTLDays
	if ttlDays <= 0 {
		ttlDays = 30
	}
	maxRetries := cfg.AppendMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Manager{
		store:       store,
		logger:      logger,
		ttlDays:     ttlDays,
		maxRetries:  maxRetries,
		lookupCache: cache.New(),
	}, nil
}

// DefaultMaxRetries returns the configured retry budget for appends.
func (m *Manager) DefaultMaxRetries() int {
	return m.maxRetries
}

// FetchConversation returns the conversation for the id without creating one.
func (m *Manager) FetchConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, err := m.store.Get(ctx, conversationID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation %s: %w", conversationID, err)
	}
	return conv, nil
}

// FetchOrCreateConversation returns the existing conversation for the id or
// creates a fresh one. Creation is idempotent: a writer losing the
// create-if-absent race adopts the winner's record instead of erroring.
//
// When the record is absent and the triggering email replies to a message we
// sent, the sent-message-id reverse lookup runs first. Some relays rewrite
// the outbound Message-ID before it comes back in In-Reply-To, so the header
// derived key can miss a thread we already track.
func (m *Manager) FetchOrCreateConversation(ctx context.Context, conversationID, originalMessageID string, initial *models.InboundEmail) (*models.Conversation, error) {
	conv, err := m.store.Get(ctx, conversationID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("failed to fetch conversation %s: %w", conversationID, err)
	}

	if initial != nil && initial.InReplyTo != "" {
		recovered, err := m.GetConversationBySentMessageID(ctx, initial.InReplyTo)
		if err == nil {
			m.logger.Info().
				Str("conversation_id", recovered.ConversationID).
				Str("in_reply_to", initial.InReplyTo).
				Msg("Recovered thread via sent message id lookup")
			return recovered, nil
		}
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn().Err(err).Str("in_reply_to", initial.InReplyTo).
				Msg("Sent message id lookup failed, creating new conversation")
		}
	}

	now := time.Now().UTC()
	fresh := &models.Conversation{
		ConversationID:      conversationID,
		OriginalMessageID:   originalMessageID,
		LastSeq:             0,
		Requirements:        map[string]any{},
		RequirementsVersion: 0,
		Status:              models.StatusActive,
		Participants:        []string{},
		ThreadReferences:    []string{},
		SentMessageIDs:      []string{},
		EmailHistory:        []models.Email{},
		CreatedAt:           now,
		UpdatedAt:           now,
		TTL:                 threading.CalculateTTL(m.ttlDays),
	}

	err = m.store.PutIfAbsent(ctx, fresh)
	if err == nil {
		m.logger.Info().Str("conversation_id", conversationID).Msg("Created conversation")
		return fresh, nil
	}
	if !errors.Is(err, docstore.ErrAlreadyExists) {
		return nil, fmt.Errorf("failed to create conversation %s: %w", conversationID, err)
	}

	// Lost the creation race; adopt the winner's record.
	conv, err = m.store.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation %s after losing create race: %w", conversationID, err)
	}
	return conv, nil
}

// AppendEmailWithRetry appends an email to the conversation history under
// the sequence token, retrying up to maxRetries times on version conflicts.
// Participants and thread references are recomputed against the latest state
// on every attempt so a concurrent writer's contribution survives the merge.
//
// A re-delivered copy of an already-appended message (same deterministic
// EmailID) is dropped without bumping the sequence; the current state is
// returned so duplicate triggers look like successes to their callers.
func (m *Manager) AppendEmailWithRetry(ctx context.Context, conversationID string, email models.Email, maxRetries int) (*models.Conversation, error) {
	if maxRetries <= 0 {
		maxRetries = m.maxRetries
	}
	if email.Timestamp.IsZero() {
		email.Timestamp = time.Now().UTC()
	}
	if email.Direction == "" {
		email.Direction = models.DirectionInbound
	}

	entry := email
	entry.MessageID = threading.ExtractMessageID(email.MessageID)
	entry.InReplyTo = threading.ExtractMessageID(email.InReplyTo)
	entry.EmailID = threading.GenerateEmailID(conversationID, entry.MessageID, entry.Timestamp)
	entry.NewContent, entry.QuotedContent = threading.ExtractQuotedText(entry.Body)
	if !entry.IsAutomated {
		entry.IsAutomated = threading.IsAutomatedResponse(entry.Body, entry.Subject)
	}

	conv, err := withOptimisticRetry(ctx, maxRetries,
		func(ctx context.Context) (*models.Conversation, error) {
			cur, err := m.store.Get(ctx, conversationID)
			if errors.Is(err, docstore.ErrNotFound) {
				return nil, fmt.Errorf("append to conversation %s: %w", conversationID, ErrNotFound)
			}
			return cur, err
		},
		func(current *models.Conversation) (*models.Conversation, bool, error) {
			for _, existing := range current.EmailHistory {
				if existing.EmailID == entry.EmailID {
					m.logger.Info().
						Str("conversation_id", conversationID).
						Str("email_id", entry.EmailID).
						Msg("Duplicate delivery detected, skipping append")
					return nil, false, nil
				}
			}

			next := current.Clone()
			next.EmailHistory = append(next.EmailHistory, entry)
			next.Participants = threading.MergeParticipants(next.Participants,
				threading.ExtractParticipants(entry.From, entry.To, entry.CC, nil))
			next.ThreadReferences = threading.MergeThreadReferences(next.ThreadReferences, entry.MessageID, entry.References)
			next.LastSeq = current.LastSeq + 1
			next.UpdatedAt = time.Now().UTC()
			next.TTL = threading.CalculateTTL(m.ttlDays)
			return next, true, nil
		},
		func(ctx context.Context, current, next *models.Conversation) error {
			return m.store.UpdateIfSeqMatches(ctx, current.LastSeq, next)
		})
	if err != nil {
		return nil, err
	}

	return conv, nil
}

// UpdateRequirementsAtomic writes a new requirements document under the
// requirements version token, which is independent of the sequence token so
// a concurrent email append never causes a spurious conflict here.
//
// With expectedVersion set this is a single-shot check-and-write: a mismatch
// fails immediately with ErrVersionConflict and no retry, letting the caller
// detect-and-abort. With expectedVersion nil it retries like an append.
func (m *Manager) UpdateRequirementsAtomic(ctx context.Context, conversationID string, requirements map[string]any, expectedVersion *int64) (*models.Conversation, error) {
	attempts := m.maxRetries
	if expectedVersion != nil {
		attempts = 1
	}

	conv, err := withOptimisticRetry(ctx, attempts,
		func(ctx context.Context) (*models.Conversation, error) {
			cur, err := m.store.Get(ctx, conversationID)
			if errors.Is(err, docstore.ErrNotFound) {
				return nil, fmt.Errorf("update requirements for %s: %w", conversationID, ErrNotFound)
			}
			return cur, err
		},
		func(current *models.Conversation) (*models.Conversation, bool, error) {
			if expectedVersion != nil && *expectedVersion != current.RequirementsVersion {
				return nil, false, fmt.Errorf("requirements version %d does not match current %d: %w",
					*expectedVersion, current.RequirementsVersion, ErrVersionConflict)
			}
			next := current.Clone()
			next.Requirements = requirements
			next.RequirementsVersion = current.RequirementsVersion + 1
			next.UpdatedAt = time.Now().UTC()
			next.TTL = threading.CalculateTTL(m.ttlDays)
			return next, true, nil
		},
		func(ctx context.Context, current, next *models.Conversation) error {
			return m.store.UpdateIfRequirementsVersionMatches(ctx, current.RequirementsVersion, next)
		})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// UpdateStatus validates the requested status and applies it last-writer-wins.
// Status is a coarse, rarely-racing control flag; it deliberately skips the
// optimistic check and never touches history or requirements.
func (m *Manager) UpdateStatus(ctx context.Context, conversationID string, status models.ConversationStatus) (*models.Conversation, error) {
	if !models.ValidStatus(status) {
		return nil, fmt.Errorf("status %q: %w", status, ErrInvalidStatus)
	}

	conv, err := m.store.SetStatus(ctx, conversationID, status, threading.CalculateTTL(m.ttlDays))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("update status for %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update status for %s: %w", conversationID, err)
	}
	return conv, nil
}

// AddOutboundReply appends a reply this system sent and records its
// Message-ID for future reverse lookup. The append is correctness-critical;
// the sent-id record is a best-effort optimization whose failure is logged
// and swallowed.
func (m *Manager) AddOutboundReply(ctx context.Context, conversationID string, reply models.Email) (*models.Conversation, error) {
	reply.Direction = models.DirectionOutbound

	conv, err := m.AppendEmailWithRetry(ctx, conversationID, reply, m.maxRetries)
	if err != nil {
		return nil, err
	}

	sentID := threading.ExtractMessageID(reply.MessageID)
	if sentID == "" {
		return conv, nil
	}

	recorded, err := withOptimisticRetry(ctx, m.maxRetries,
		func(ctx context.Context) (*models.Conversation, error) {
			return m.store.Get(ctx, conversationID)
		},
		func(current *models.Conversation) (*models.Conversation, bool, error) {
			for _, id := range current.SentMessageIDs {
				if id == sentID {
					return nil, false, nil
				}
			}
			next := current.Clone()
			next.SentMessageIDs = append(next.SentMessageIDs, sentID)
			next.LastSeq = current.LastSeq + 1
			next.UpdatedAt = time.Now().UTC()
			return next, true, nil
		},
		func(ctx context.Context, current, next *models.Conversation) error {
			return m.store.UpdateIfSeqMatches(ctx, current.LastSeq, next)
		})
	if err != nil {
		// Losing this record only degrades the reverse-lookup optimization.
		m.logger.Warn().Err(err).
			Str("conversation_id", conversationID).
			Str("message_id", sentID).
			Msg("Failed to record sent message id")
		return conv, nil
	}
	m.lookupCache.Set(sentID, conversationID, lookupCacheTTL)
	return recorded, nil
}

// GetConversationBySentMessageID finds the conversation that previously sent
// a message with the given id. The candidate is normalized into the forms it
// might appear in (bare id, local part, bracketed header value) because mail
// relays rewrite or strip outbound Message-IDs before reflecting them back.
func (m *Manager) GetConversationBySentMessageID(ctx context.Context, messageID string) (*models.Conversation, error) {
	clean := threading.ExtractMessageID(messageID)
	if clean == "" {
		return nil, ErrNotFound
	}

	if conversationID, ok := m.lookupCache.Get(clean); ok {
		conv, err := m.store.Get(ctx, conversationID)
		if err == nil {
			return conv, nil
		}
		// The record may have expired out from under the cache entry.
		m.lookupCache.Delete(clean)
	}

	candidates := map[string]struct{}{clean: {}}
	if at := strings.Index(clean, "@"); at > 0 {
		candidates[clean[:at]] = struct{}{}
	}
	candidates["<"+clean+">"] = struct{}{}

	matches, err := m.store.Scan(ctx, func(conv *models.Conversation) bool {
		for _, sent := range conv.SentMessageIDs {
			if _, ok := candidates[sent]; ok {
				return true
			}
			if _, ok := candidates[threading.ExtractMessageID(sent)]; ok {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan for sent message id %s: %w", clean, err)
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	m.lookupCache.Set(clean, matches[0].ConversationID, lookupCacheTTL)
	return matches[0], nil
}

// GetConversationsByParticipant returns conversations involving the address,
// optionally filtered by status, most recently updated first. Best-effort
// unindexed scan; fine at this store's volume.
func (m *Manager) GetConversationsByParticipant(ctx context.Context, address string, statusFilter *models.ConversationStatus) ([]*models.Conversation, error) {
	addr := strings.ToLower(strings.TrimSpace(address))
	if addr == "" {
		return nil, fmt.Errorf("participant address is required")
	}

	matches, err := m.store.Scan(ctx, func(conv *models.Conversation) bool {
		if statusFilter != nil && conv.Status != *statusFilter {
			return false
		}
		for _, p := range conv.Participants {
			if p == addr {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversations for %s: %w", addr, err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	return matches, nil
}
