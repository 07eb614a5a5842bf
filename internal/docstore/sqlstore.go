package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL/MariaDB backend
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL backend
	"github.com/rs/zerolog"

	"mailstate/internal/models"
)

const (
	driverMySQL    = "mysql"
	driverPostgres = "postgres"
)

// SQLStore persists conversations in a relational document table, one row
// per conversation. The serialized record lives in a JSON column; the two
// version tokens, status, and ttl are lifted into columns so conditional
// writes can be expressed as UPDATE ... WHERE token = expected and each
// facet can be written without touching the other.
type SQLStore struct {
	db       *sqlx.DB
	driver   string
	bindType int
	logger   zerolog.Logger
}

// NewSQLStore opens a connection (MySQL or PostgreSQL, auto-detected from
// the URL), verifies it, and ensures the conversations table exists.
func NewSQLStore(databaseURL string, logger zerolog.Logger) (*SQLStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}

	driver := driverMySQL
	if len(databaseURL) > 8 && databaseURL[:8] == driverPostgres {
		driver = driverPostgres
	}

	db, err := sqlx.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewSQLStoreFromDB(db, driver, logger)
	if err := store.CreateTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create conversation tables: %w", err)
	}
	return store, nil
}

// NewSQLStoreFromDB wraps an existing connection. Used by tests with sqlmock.
func NewSQLStoreFromDB(db *sqlx.DB, driver string, logger zerolog.Logger) *SQLStore {
	return &SQLStore{
		db:       db,
		driver:   driver,
		bindType: sqlx.BindType(driver),
		logger:   logger,
	}
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// CreateTables creates the conversations table if it does not exist.
func (s *SQLStore) CreateTables(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS conversations (
		conversation_id VARCHAR(64) PRIMARY KEY,
		doc TEXT NOT NULL,
		requirements TEXT NOT NULL,
		last_seq BIGINT NOT NULL,
		requirements_version BIGINT NOT NULL,
		status VARCHAR(32) NOT NULL,
		updated_at BIGINT NOT NULL,
		ttl BIGINT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create conversations table: %w", err)
	}
	return nil
}

func (s *SQLStore) rebind(query string) string {
	return sqlx.Rebind(s.bindType, query)
}

// conversationRow is the column set read back for every record.
type conversationRow struct {
	ConversationID      string `db:"conversation_id"`
	Doc                 string `db:"doc"`
	Requirements        string `db:"requirements"`
	LastSeq             int64  `db:"last_seq"`
	RequirementsVersion int64  `db:"requirements_version"`
	Status              string `db:"status"`
	UpdatedAt           int64  `db:"updated_at"`
	TTL                 int64  `db:"ttl"`
}

// decode rebuilds a conversation from a row. Columns are authoritative for
// the fields they carry; the copies inside doc may be stale because each
// conditional write only refreshes its own facet.
func (r conversationRow) decode() (*models.Conversation, error) {
	var conv models.Conversation
	if err := json.Unmarshal([]byte(r.Doc), &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", r.ConversationID, err)
	}
	var reqs map[string]any
	if err := json.Unmarshal([]byte(r.Requirements), &reqs); err != nil {
		return nil, fmt.Errorf("failed to decode requirements for %s: %w", r.ConversationID, err)
	}
	conv.Requirements = reqs
	conv.LastSeq = r.LastSeq
	conv.RequirementsVersion = r.RequirementsVersion
	conv.Status = models.ConversationStatus(r.Status)
	conv.UpdatedAt = time.Unix(r.UpdatedAt, 0).UTC()
	conv.TTL = r.TTL
	return &conv, nil
}

func encodeDoc(conv *models.Conversation) (doc, requirements string, err error) {
	docBytes, err := json.Marshal(conv)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode conversation %s: %w", conv.ConversationID, err)
	}
	reqs := conv.Requirements
	if reqs == nil {
		reqs = map[string]any{}
	}
	reqBytes, err := json.Marshal(reqs)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode requirements for %s: %w", conv.ConversationID, err)
	}
	return string(docBytes), string(reqBytes), nil
}

const selectColumns = `conversation_id, doc, requirements, last_seq, requirements_version, status, updated_at, ttl`

// Get retrieves a conversation by id, excluding expired records.
func (s *SQLStore) Get(ctx context.Context, conversationID string) (*models.Conversation, error) {
	query := s.rebind(`SELECT ` + selectColumns + ` FROM conversations WHERE conversation_id = ? AND (ttl = 0 OR ttl > ?)`)

	var row conversationRow
	err := s.db.GetContext(ctx, &row, query, conversationID, time.Now().Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", conversationID, err)
	}
	return row.decode()
}

// PutIfAbsent inserts a fresh conversation, failing with ErrAlreadyExists
// when another writer created the record first. An expired row is reclaimed
// first: reads treat it as absent, so it must not block re-creation of the
// same thread key.
func (s *SQLStore) PutIfAbsent(ctx context.Context, conv *models.Conversation) error {
	doc, reqs, err := encodeDoc(conv)
	if err != nil {
		return err
	}

	reclaim := s.rebind(`DELETE FROM conversations WHERE conversation_id = ? AND ttl > 0 AND ttl <= ?`)
	if _, err := s.db.ExecContext(ctx, reclaim, conv.ConversationID, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to reclaim expired conversation %s: %w", conv.ConversationID, err)
	}

	query := `INSERT INTO conversations (` + selectColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if s.driver == driverPostgres {
		query += ` ON CONFLICT (conversation_id) DO NOTHING`
	} else {
		query = `INSERT IGNORE INTO conversations (` + selectColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query),
		conv.ConversationID, doc, reqs, conv.LastSeq, conv.RequirementsVersion,
		string(conv.Status), conv.UpdatedAt.Unix(), conv.TTL)
	if err != nil {
		return fmt.Errorf("failed to create conversation %s: %w", conv.ConversationID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for %s: %w", conv.ConversationID, err)
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// UpdateIfSeqMatches writes the history facet conditionally on the sequence
// token. The requirements columns are deliberately not touched.
func (s *SQLStore) UpdateIfSeqMatches(ctx context.Context, expectedSeq int64, conv *models.Conversation) error {
	doc, _, err := encodeDoc(conv)
	if err != nil {
		return err
	}

	query := s.rebind(`UPDATE conversations
		SET doc = ?, last_seq = ?, status = ?, updated_at = ?, ttl = ?
		WHERE conversation_id = ? AND last_seq = ? AND (ttl = 0 OR ttl > ?)`)

	res, err := s.db.ExecContext(ctx, query,
		doc, conv.LastSeq, string(conv.Status), conv.UpdatedAt.Unix(), conv.TTL,
		conv.ConversationID, expectedSeq, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update conversation %s: %w", conv.ConversationID, err)
	}
	return s.checkConditionalResult(ctx, res, conv.ConversationID)
}

// UpdateIfRequirementsVersionMatches writes the requirements facet
// conditionally on the requirements version token.
func (s *SQLStore) UpdateIfRequirementsVersionMatches(ctx context.Context, expectedVersion int64, conv *models.Conversation) error {
	_, reqs, err := encodeDoc(conv)
	if err != nil {
		return err
	}

	query := s.rebind(`UPDATE conversations
		SET requirements = ?, requirements_version = ?, updated_at = ?, ttl = ?
		WHERE conversation_id = ? AND requirements_version = ? AND (ttl = 0 OR ttl > ?)`)

	res, err := s.db.ExecContext(ctx, query,
		reqs, conv.RequirementsVersion, conv.UpdatedAt.Unix(), conv.TTL,
		conv.ConversationID, expectedVersion, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to update requirements for %s: %w", conv.ConversationID, err)
	}
	return s.checkConditionalResult(ctx, res, conv.ConversationID)
}

// checkConditionalResult distinguishes a missed precondition from a missing
// record when a conditional UPDATE matched no rows.
func (s *SQLStore) checkConditionalResult(ctx context.Context, res sql.Result, conversationID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for %s: %w", conversationID, err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, conversationID); errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return ErrVersionMismatch
}

// SetStatus sets the status unconditionally and bumps the sequence in one
// statement, then reads back the committed record.
func (s *SQLStore) SetStatus(ctx context.Context, conversationID string, status models.ConversationStatus, ttl int64) (*models.Conversation, error) {
	query := s.rebind(`UPDATE conversations
		SET status = ?, last_seq = last_seq + 1, updated_at = ?, ttl = ?
		WHERE conversation_id = ? AND (ttl = 0 OR ttl > ?)`)

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, query, string(status), now, ttl, conversationID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update status for %s: %w", conversationID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected for %s: %w", conversationID, err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, conversationID)
}

// Scan loads every live conversation and applies the predicate in memory.
func (s *SQLStore) Scan(ctx context.Context, match func(*models.Conversation) bool) ([]*models.Conversation, error) {
	query := s.rebind(`SELECT ` + selectColumns + ` FROM conversations WHERE ttl = 0 OR ttl > ?`)

	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows, query, time.Now().Unix()); err != nil {
		return nil, fmt.Errorf("failed to scan conversations: %w", err)
	}

	var out []*models.Conversation
	for _, row := range rows {
		conv, err := row.decode()
		if err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", row.ConversationID).Msg("Skipping undecodable conversation row")
			continue
		}
		if match == nil || match(conv) {
			out = append(out, conv)
		}
	}
	return out, nil
}
