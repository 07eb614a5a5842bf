package docstore

import (
	"context"
	"sync"
	"time"

	"mailstate/internal/models"
)

// MemoryStore is an in-process Store used for tests and for running the
// service without a DATABASE_URL. Records are deep-copied on the way in and
// out so callers behave like isolated processes sharing only the store.
type MemoryStore struct {
	mutex sync.RWMutex
	items map[string]*models.Conversation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*models.Conversation),
	}
}

// live returns the stored record for id if it exists and has not expired.
// Callers must hold at least a read lock.
func (m *MemoryStore) live(id string) *models.Conversation {
	rec, ok := m.items[id]
	if !ok {
		return nil
	}
	if rec.TTL > 0 && rec.TTL <= time.Now().Unix() {
		return nil
	}
	return rec
}

// Get retrieves a conversation by id.
func (m *MemoryStore) Get(_ context.Context, conversationID string) (*models.Conversation, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	rec := m.live(conversationID)
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// PutIfAbsent stores a fresh conversation, failing if one already exists.
func (m *MemoryStore) PutIfAbsent(_ context.Context, conv *models.Conversation) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.live(conv.ConversationID) != nil {
		return ErrAlreadyExists
	}
	m.items[conv.ConversationID] = conv.Clone()
	return nil
}

// UpdateIfSeqMatches replaces the history facet when the stored sequence
// still matches expectedSeq. The stored requirements facet is preserved.
func (m *MemoryStore) UpdateIfSeqMatches(_ context.Context, expectedSeq int64, conv *models.Conversation) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rec := m.live(conv.ConversationID)
	if rec == nil {
		return ErrNotFound
	}
	if rec.LastSeq != expectedSeq {
		return ErrVersionMismatch
	}

	next := conv.Clone()
	next.Requirements = rec.Requirements
	next.RequirementsVersion = rec.RequirementsVersion
	m.items[conv.ConversationID] = next
	return nil
}

// UpdateIfRequirementsVersionMatches replaces the requirements facet when the
// stored requirements version still matches expectedVersion. Everything
// guarded by the sequence token is preserved.
func (m *MemoryStore) UpdateIfRequirementsVersionMatches(_ context.Context, expectedVersion int64, conv *models.Conversation) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rec := m.live(conv.ConversationID)
	if rec == nil {
		return ErrNotFound
	}
	if rec.RequirementsVersion != expectedVersion {
		return ErrVersionMismatch
	}

	next := rec.Clone()
	next.Requirements = conv.Clone().Requirements
	next.RequirementsVersion = conv.RequirementsVersion
	next.UpdatedAt = conv.UpdatedAt
	next.TTL = conv.TTL
	m.items[conv.ConversationID] = next
	return nil
}

// SetStatus sets the status unconditionally, bumping the sequence.
func (m *MemoryStore) SetStatus(_ context.Context, conversationID string, status models.ConversationStatus, ttl int64) (*models.Conversation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rec := m.live(conversationID)
	if rec == nil {
		return nil, ErrNotFound
	}
	rec.Status = status
	rec.LastSeq++
	rec.UpdatedAt = time.Now().UTC()
	rec.TTL = ttl
	return rec.Clone(), nil
}

// Scan returns every live conversation matching the predicate.
func (m *MemoryStore) Scan(_ context.Context, match func(*models.Conversation) bool) ([]*models.Conversation, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var out []*models.Conversation
	for id := range m.items {
		rec := m.live(id)
		if rec == nil {
			continue
		}
		if match == nil || match(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}
