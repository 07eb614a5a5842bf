package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailstate/internal/models"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewSQLStoreFromDB(db, driverMySQL, zerolog.Nop()), mock
}

func conversationRowFor(t *testing.T, conv *models.Conversation) *sqlmock.Rows {
	t.Helper()
	doc, err := json.Marshal(conv)
	require.NoError(t, err)
	reqs, err := json.Marshal(conv.Requirements)
	require.NoError(t, err)

	return sqlmock.NewRows([]string{
		"conversation_id", "doc", "requirements", "last_seq",
		"requirements_version", "status", "updated_at", "ttl",
	}).AddRow(conv.ConversationID, string(doc), string(reqs), conv.LastSeq,
		conv.RequirementsVersion, string(conv.Status), conv.UpdatedAt.Unix(), conv.TTL)
}

func TestSQLStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	conv := newTestConversation("c1")
	conv.LastSeq = 4
	conv.RequirementsVersion = 2
	conv.Requirements = map[string]any{"size": "medium"}

	mock.ExpectQuery("SELECT (.+) FROM conversations WHERE conversation_id").
		WithArgs("c1", sqlmock.AnyArg()).
		WillReturnRows(conversationRowFor(t, conv))

	got, err := store.Get(context.Background(), "c1")
	require.NoError(t, err)
	// Columns are authoritative over the serialized doc.
	assert.Equal(t, int64(4), got.LastSeq)
	assert.Equal(t, int64(2), got.RequirementsVersion)
	assert.Equal(t, map[string]any{"size": "medium"}, got.Requirements)
	assert.Equal(t, models.StatusActive, got.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetAbsent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM conversations WHERE conversation_id").
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_PutIfAbsent(t *testing.T) {
	tests := []struct {
		name         string
		rowsAffected int64
		wantErr      error
	}{
		{name: "created", rowsAffected: 1, wantErr: nil},
		{name: "lost creation race", rowsAffected: 0, wantErr: ErrAlreadyExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)

			mock.ExpectExec("DELETE FROM conversations WHERE conversation_id").
				WithArgs("c1", sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec("INSERT IGNORE INTO conversations").
				WillReturnResult(sqlmock.NewResult(0, tt.rowsAffected))

			err := store.PutIfAbsent(context.Background(), newTestConversation("c1"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLStore_PutIfAbsent_ReclaimsExpiredRecord(t *testing.T) {
	store, mock := newMockStore(t)

	// A row whose ttl has passed is invisible to Get, so it must not make
	// PutIfAbsent report ErrAlreadyExists for the same conversation id.
	mock.ExpectQuery("SELECT (.+) FROM conversations WHERE conversation_id").
		WithArgs("c1", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("DELETE FROM conversations WHERE conversation_id").
		WithArgs("c1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT IGNORE INTO conversations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := store.Get(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.PutIfAbsent(context.Background(), newTestConversation("c1"))
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ConditionalWriteSkipsExpiredRecord(t *testing.T) {
	store, mock := newMockStore(t)
	conv := newTestConversation("c1")
	conv.LastSeq = 1

	// The conditional write carries the same liveness filter as reads, so an
	// expired row matches no rows and the miss resolves to ErrNotFound.
	mock.ExpectExec(`UPDATE conversations(.|\n)+AND \(ttl = 0 OR ttl > \?\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM conversations WHERE conversation_id").
		WillReturnError(sql.ErrNoRows)

	err := store.UpdateIfSeqMatches(context.Background(), 0, conv)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateIfSeqMatches(t *testing.T) {
	store, mock := newMockStore(t)
	conv := newTestConversation("c1")
	conv.LastSeq = 1

	mock.ExpectExec("UPDATE conversations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateIfSeqMatches(context.Background(), 0, conv)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateIfSeqMatches_VersionMismatch(t *testing.T) {
	store, mock := newMockStore(t)
	conv := newTestConversation("c1")
	conv.LastSeq = 1

	mock.ExpectExec("UPDATE conversations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Disambiguation re-read finds the record, so the miss was a stale token.
	stored := newTestConversation("c1")
	stored.LastSeq = 5
	mock.ExpectQuery("SELECT (.+) FROM conversations WHERE conversation_id").
		WillReturnRows(conversationRowFor(t, stored))

	err := store.UpdateIfSeqMatches(context.Background(), 0, conv)
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateIfSeqMatches_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	conv := newTestConversation("ghost")
	conv.LastSeq = 1

	mock.ExpectExec("UPDATE conversations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM conversations WHERE conversation_id").
		WillReturnError(sql.ErrNoRows)

	err := store.UpdateIfSeqMatches(context.Background(), 0, conv)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_UpdateIfRequirementsVersionMatches(t *testing.T) {
	store, mock := newMockStore(t)
	conv := newTestConversation("c1")
	conv.Requirements = map[string]any{"qty": float64(3)}
	conv.RequirementsVersion = 1

	mock.ExpectExec("UPDATE conversations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateIfRequirementsVersionMatches(context.Background(), 0, conv)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SetStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE conversations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	updated := newTestConversation("c1")
	updated.Status = models.StatusArchived
	updated.LastSeq = 3
	mock.ExpectQuery("SELECT (.+) FROM conversations WHERE conversation_id").
		WillReturnRows(conversationRowFor(t, updated))

	conv, err := store.SetStatus(context.Background(), "c1", models.StatusArchived, time.Now().Add(time.Hour).Unix())
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, conv.Status)
	assert.Equal(t, int64(3), conv.LastSeq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_SetStatus_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE conversations").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.SetStatus(context.Background(), "missing", models.StatusActive, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Scan(t *testing.T) {
	store, mock := newMockStore(t)
	a := newTestConversation("a")
	b := newTestConversation("b")
	b.Status = models.StatusCompleted

	rows := conversationRowFor(t, a)
	docB, err := json.Marshal(b)
	require.NoError(t, err)
	reqsB, err := json.Marshal(b.Requirements)
	require.NoError(t, err)
	rows.AddRow(b.ConversationID, string(docB), string(reqsB), b.LastSeq,
		b.RequirementsVersion, string(b.Status), b.UpdatedAt.Unix(), b.TTL)

	mock.ExpectQuery("SELECT (.+) FROM conversations WHERE ttl").
		WillReturnRows(rows)

	matches, err := store.Scan(context.Background(), func(c *models.Conversation) bool {
		return c.Status == models.StatusCompleted
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].ConversationID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
