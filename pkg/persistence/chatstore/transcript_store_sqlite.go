package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteStoreName = "sqlite transcript store"

type SQLiteTranscriptStore struct {
	db *sql.DB
}

var _ TranscriptStore = &SQLiteTranscriptStore{}

func NewSQLiteTranscriptStore(dsn string) (*SQLiteTranscriptStore, error) {
	if dsn == "" {
		return nil, errors.New(sqliteStoreName + ": empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteTranscriptStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLiteTranscriptStore opens (and creates) a store backed by the file at
// path.
func OpenSQLiteTranscriptStore(path string) (*SQLiteTranscriptStore, error) {
	dsn, err := SQLiteTranscriptDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return NewSQLiteTranscriptStore(dsn)
}

func (s *SQLiteTranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTranscriptStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New(sqliteStoreName + ": db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_versions (
		  conv_id TEXT PRIMARY KEY,
		  version INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transcript_messages (
		  conv_id TEXT NOT NULL,
		  message_id TEXT NOT NULL,
		  seq INTEGER NOT NULL,
		  role TEXT NOT NULL,
		  content TEXT NOT NULL,
		  streaming INTEGER NOT NULL DEFAULT 0,
		  content_hash TEXT NOT NULL,
		  created_at_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  version INTEGER NOT NULL,
		  PRIMARY KEY (conv_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_messages_by_version
		  ON transcript_messages(conv_id, version);`,
		`CREATE INDEX IF NOT EXISTS transcript_messages_by_seq
		  ON transcript_messages(conv_id, seq);`,
		`CREATE TABLE IF NOT EXISTS transcript_conversations (
		  conv_id TEXT PRIMARY KEY,
		  session_id TEXT NOT NULL,
		  endpoint TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  last_activity_ms INTEGER NOT NULL,
		  last_seen_version INTEGER NOT NULL DEFAULT 0,
		  has_transcript INTEGER NOT NULL DEFAULT 1,
		  status TEXT NOT NULL DEFAULT 'active',
		  last_error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS transcript_conversations_by_last_activity
		  ON transcript_conversations(last_activity_ms DESC, conv_id ASC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, sqliteStoreName+": migrate")
		}
	}
	return nil
}

func (s *SQLiteTranscriptStore) UpsertConversation(ctx context.Context, record ConversationRecord) error {
	if s == nil || s.db == nil {
		return errors.New(sqliteStoreName + ": db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UnixMilli()
	explicitStatus := strings.TrimSpace(record.Status) != ""
	record = normalizeConversationRecord(record, now)
	if record.ConvID == "" {
		return errors.New(sqliteStoreName + ": convID is empty")
	}
	if !explicitStatus {
		record.Status = ""
	}
	lastSeenVersion, err := uint64ToInt64(record.LastSeenVersion)
	if err != nil {
		return errors.Wrap(err, sqliteStoreName+": last_seen_version overflow")
	}
	hasTranscript := int64(0)
	if record.HasTranscript {
		hasTranscript = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcript_conversations (
			conv_id, session_id, endpoint, created_at_ms, last_activity_ms,
			last_seen_version, has_transcript, status, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, CASE WHEN ? <> '' THEN ? ELSE 'active' END, ?)
		ON CONFLICT(conv_id) DO UPDATE SET
			session_id = CASE
				WHEN excluded.session_id <> '' THEN excluded.session_id
				ELSE transcript_conversations.session_id
			END,
			endpoint = CASE
				WHEN excluded.endpoint <> '' THEN excluded.endpoint
				ELSE transcript_conversations.endpoint
			END,
			created_at_ms = CASE
				WHEN transcript_conversations.created_at_ms > 0 THEN transcript_conversations.created_at_ms
				ELSE excluded.created_at_ms
			END,
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > transcript_conversations.last_activity_ms THEN excluded.last_activity_ms
				ELSE transcript_conversations.last_activity_ms
			END,
			last_seen_version = CASE
				WHEN excluded.last_seen_version > transcript_conversations.last_seen_version THEN excluded.last_seen_version
				ELSE transcript_conversations.last_seen_version
			END,
			has_transcript = CASE
				WHEN excluded.has_transcript = 1 OR transcript_conversations.has_transcript = 1 THEN 1
				ELSE 0
			END,
			status = CASE
				WHEN ? <> '' THEN excluded.status
				ELSE transcript_conversations.status
			END,
			last_error = CASE
				WHEN excluded.last_error <> '' THEN excluded.last_error
				ELSE transcript_conversations.last_error
			END
	`, record.ConvID, record.SessionID, record.Endpoint, record.CreatedAtMs, record.LastActivityMs,
		lastSeenVersion, hasTranscript, record.Status, record.Status, record.LastError, record.Status)
	if err != nil {
		return errors.Wrap(err, sqliteStoreName+": upsert conversation")
	}
	return nil
}

const conversationColumns = `conv_id, session_id, endpoint, created_at_ms, last_activity_ms,
		       last_seen_version, has_transcript, status, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (ConversationRecord, error) {
	var (
		record          ConversationRecord
		lastSeenVersion int64
		hasTranscript   int64
	)
	if err := row.Scan(
		&record.ConvID,
		&record.SessionID,
		&record.Endpoint,
		&record.CreatedAtMs,
		&record.LastActivityMs,
		&lastSeenVersion,
		&hasTranscript,
		&record.Status,
		&record.LastError,
	); err != nil {
		return ConversationRecord{}, err
	}
	v, err := int64ToUint64(lastSeenVersion)
	if err != nil {
		return ConversationRecord{}, errors.Wrap(err, sqliteStoreName+": invalid conversation version")
	}
	record.LastSeenVersion = v
	record.HasTranscript = hasTranscript == 1
	if record.Status == "" {
		record.Status = "active"
	}
	return record, nil
}

func (s *SQLiteTranscriptStore) GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error) {
	if s == nil || s.db == nil {
		return ConversationRecord{}, false, errors.New(sqliteStoreName + ": db is nil")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New(sqliteStoreName + ": convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	record, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM transcript_conversations WHERE conv_id = ?`, convID))
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationRecord{}, false, nil
	}
	if err != nil {
		return ConversationRecord{}, false, errors.Wrap(err, sqliteStoreName+": get conversation")
	}
	return record, true, nil
}

func (s *SQLiteTranscriptStore) ListConversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New(sqliteStoreName + ": db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT ` + conversationColumns + ` FROM transcript_conversations`
	args := make([]any, 0, 2)
	if sinceMs > 0 {
		query += ` WHERE last_activity_ms >= ?`
		args = append(args, sinceMs)
	}
	query += ` ORDER BY last_activity_ms DESC, conv_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, sqliteStoreName+": list conversations")
	}
	defer func() { _ = rows.Close() }()

	records := make([]ConversationRecord, 0, limit)
	for rows.Next() {
		record, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, sqliteStoreName+": scan conversation")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, sqliteStoreName+": iterate conversations")
	}
	return records, nil
}

func (s *SQLiteTranscriptStore) Upsert(ctx context.Context, convID string, version uint64, msg MessageRecord) error {
	if s == nil || s.db == nil {
		return errors.New(sqliteStoreName + ": db is nil")
	}
	if err := validateUpsert(sqliteStoreName, convID, version, msg); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now().UnixMilli()
	versionI64, err := uint64ToInt64(version)
	if err != nil {
		return err
	}
	hash := ComputeMessageContentHash(msg.Role, msg.Content, msg.Streaming)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		existingCreated int64
		existingHash    string
		existingVersion int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT created_at_ms, content_hash, version FROM transcript_messages WHERE conv_id = ? AND message_id = ?`,
		convID, msg.ID).Scan(&existingCreated, &existingHash, &existingVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, sqliteStoreName+": load message")
	}
	if err == nil && existingHash == hash && existingVersion >= versionI64 {
		return nil
	}

	createdAt := existingCreated
	if createdAt == 0 {
		createdAt = msg.CreatedAtMs
	}
	if createdAt == 0 {
		createdAt = now
	}
	streaming := int64(0)
	if msg.Streaming {
		streaming = 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcript_messages(conv_id, message_id, seq, role, content, streaming, content_hash, created_at_ms, updated_at_ms, version)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_id, message_id) DO UPDATE SET
		  seq = excluded.seq,
		  role = excluded.role,
		  content = excluded.content,
		  streaming = excluded.streaming,
		  content_hash = excluded.content_hash,
		  updated_at_ms = excluded.updated_at_ms,
		  version = excluded.version
	`, convID, msg.ID, msg.Seq, msg.Role, msg.Content, streaming, hash, createdAt, now, versionI64); err != nil {
		return errors.Wrap(err, sqliteStoreName+": upsert message")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcript_versions(conv_id, version)
		VALUES(?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET version = CASE
			WHEN excluded.version > transcript_versions.version THEN excluded.version
			ELSE transcript_versions.version
		END
	`, convID, versionI64); err != nil {
		return errors.Wrap(err, sqliteStoreName+": upsert version")
	}

	// Keep the conversation index in step with message upserts.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcript_conversations (
			conv_id, session_id, endpoint, created_at_ms, last_activity_ms,
			last_seen_version, has_transcript, status, last_error
		) VALUES (?, '', '', ?, ?, ?, 1, 'active', '')
		ON CONFLICT(conv_id) DO UPDATE SET
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > transcript_conversations.last_activity_ms THEN excluded.last_activity_ms
				ELSE transcript_conversations.last_activity_ms
			END,
			last_seen_version = CASE
				WHEN excluded.last_seen_version > transcript_conversations.last_seen_version THEN excluded.last_seen_version
				ELSE transcript_conversations.last_seen_version
			END,
			has_transcript = 1
	`, convID, now, now, versionI64); err != nil {
		return errors.Wrap(err, sqliteStoreName+": upsert conversation progress")
	}

	return tx.Commit()
}

func (s *SQLiteTranscriptStore) GetTranscript(ctx context.Context, convID string, sinceVersion uint64, limit int) (*Transcript, error) {
	if s == nil || s.db == nil {
		return nil, errors.New(sqliteStoreName + ": db is nil")
	}
	if convID == "" {
		return nil, errors.New(sqliteStoreName + ": convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 5000
	}
	since, err := uint64ToInt64(sinceVersion)
	if err != nil {
		return nil, err
	}

	var current int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM transcript_versions WHERE conv_id = ?`, convID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, sqliteStoreName+": read transcript version")
	}

	query := `
		SELECT message_id, seq, role, content, streaming, content_hash, created_at_ms, updated_at_ms, version
		FROM transcript_messages
		WHERE conv_id = ?
		ORDER BY seq ASC, message_id ASC
		LIMIT ?
	`
	args := []any{convID, limit}
	if sinceVersion > 0 {
		query = `
			SELECT message_id, seq, role, content, streaming, content_hash, created_at_ms, updated_at_ms, version
			FROM transcript_messages
			WHERE conv_id = ? AND version > ?
			ORDER BY version ASC, seq ASC
			LIMIT ?
		`
		args = []any{convID, since, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, sqliteStoreName+": query transcript")
	}
	defer func() { _ = rows.Close() }()

	msgs := make([]MessageRecord, 0, 64)
	for rows.Next() {
		var (
			m         MessageRecord
			streaming int64
			version   int64
		)
		if err := rows.Scan(&m.ID, &m.Seq, &m.Role, &m.Content, &streaming, &m.ContentHash, &m.CreatedAtMs, &m.UpdatedAtMs, &version); err != nil {
			return nil, errors.Wrap(err, sqliteStoreName+": scan message")
		}
		m.Streaming = streaming == 1
		if m.Version, err = int64ToUint64(version); err != nil {
			return nil, errors.Wrap(err, sqliteStoreName+": invalid message version")
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	versionU64, err := int64ToUint64(current)
	if err != nil {
		return nil, errors.Wrap(err, sqliteStoreName+": invalid transcript version")
	}
	return &Transcript{
		ConvID:       convID,
		Version:      versionU64,
		ServerTimeMs: time.Now().UnixMilli(),
		Messages:     msgs,
	}, nil
}

func SQLiteTranscriptDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New(sqliteStoreName + ": empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errors.Errorf("value %d overflows int64", v)
	}
	return int64(v), nil
}

func int64ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, errors.Errorf("value %d cannot be represented as uint64", v)
	}
	return uint64(v), nil
}
