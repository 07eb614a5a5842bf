// Package docstore provides conflict-aware persistence for conversation
// records: strongly consistent reads, create-if-absent, and conditional
// writes keyed on one of the record's two independent version tokens.
package docstore

import (
	"context"
	"errors"

	"mailstate/internal/models"
)

var (
	// ErrNotFound is returned when no live record exists for a conversation id.
	ErrNotFound = errors.New("conversation not found")
	// ErrAlreadyExists is returned by PutIfAbsent when another writer won the
	// creation race.
	ErrAlreadyExists = errors.New("conversation already exists")
	// ErrVersionMismatch is returned by conditional updates when the expected
	// version token no longer matches the stored record.
	ErrVersionMismatch = errors.New("conversation version mismatch")
)

// Store is the contract the conversation state manager requires from a
// document store. Get must be strongly consistent; an eventually consistent
// read would break the create-if-absent and append correctness argument.
//
// The two conditional updates each replace only the facet their token guards:
// UpdateIfSeqMatches writes the history facet (email history, participants,
// thread references, sent ids, status) and leaves the stored requirements
// untouched; UpdateIfRequirementsVersionMatches writes only the requirements
// facet. This keeps an inbound append and a requirements write-back from
// clobbering each other even though they share a record.
type Store interface {
	Get(ctx context.Context, conversationID string) (*models.Conversation, error)
	PutIfAbsent(ctx context.Context, conv *models.Conversation) error
	UpdateIfSeqMatches(ctx context.Context, expectedSeq int64, conv *models.Conversation) error
	UpdateIfRequirementsVersionMatches(ctx context.Context, expectedVersion int64, conv *models.Conversation) error
	// SetStatus is the one deliberately unconditional write: it sets the
	// status, bumps the sequence, and refreshes updated_at/ttl, last writer
	// wins. It never touches history or requirements.
	SetStatus(ctx context.Context, conversationID string, status models.ConversationStatus, ttl int64) (*models.Conversation, error)
	// Scan returns every live record matching the predicate. Best effort and
	// unindexed; acceptable for low-volume lookups, not for hot paths.
	Scan(ctx context.Context, match func(*models.Conversation) bool) ([]*models.Conversation, error)
}
