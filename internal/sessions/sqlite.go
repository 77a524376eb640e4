package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parachute-dev/parachute/pkg/models"
	_ "modernc.org/sqlite"
)

// sessionColumns is the scan order shared by every SQLite query.
const sessionColumns = `id, title, title_source, module, source, created_at, last_accessed,
	archived, message_count, working_dir, model, trust_level,
	bot_platform, bot_chat_id, bot_chat_type, env_slug, metadata`

// SQLiteStore implements Store on a single-file database, by default
// <vault>/Chat/sessions.db. Timestamps are stored as unix nanoseconds
// so no driver-side time parsing is involved.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies pending migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	migrator, err := NewMigrator(db, DialectSQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	metadata, err := marshalMetadata(session.Metadata)
	if err != nil {
		return err
	}
	platform, chatID, chatType := splitBotLink(session.BotLink)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID,
		session.Title,
		string(session.TitleSource),
		session.Module,
		string(session.Source),
		session.CreatedAt.UnixNano(),
		session.LastAccessed.UnixNano(),
		boolToInt(session.Archived),
		session.MessageCount,
		session.WorkingDir,
		session.Model,
		string(session.Trust),
		platform,
		chatID,
		chatType,
		session.EnvSlug,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSQLiteSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	metadata, err := marshalMetadata(session.Metadata)
	if err != nil {
		return err
	}
	platform, chatID, chatType := splitBotLink(session.BotLink)

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			title = ?, title_source = ?, module = ?, source = ?,
			last_accessed = ?, archived = ?, message_count = ?,
			working_dir = ?, model = ?, trust_level = ?,
			bot_platform = ?, bot_chat_id = ?, bot_chat_type = ?,
			env_slug = ?, metadata = ?
		WHERE id = ?
	`,
		session.Title,
		string(session.TitleSource),
		session.Module,
		string(session.Source),
		session.LastAccessed.UnixNano(),
		boolToInt(session.Archived),
		session.MessageCount,
		session.WorkingDir,
		session.Model,
		string(session.Trust),
		platform,
		chatID,
		chatType,
		session.EnvSlug,
		metadata,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(result)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(result)
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []any{}

	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(filter.Source))
	}
	if filter.Module != "" {
		query += ` AND module = ?`
		args = append(args, filter.Module)
	}
	if filter.Archived != nil {
		query += ` AND archived = ?`
		args = append(args, boolToInt(*filter.Archived))
	}

	query += ` ORDER BY last_accessed DESC`

	// SQLite needs a LIMIT clause before OFFSET; -1 means unbounded.
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSQLiteSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLiteStore) Touch(ctx context.Context, id string, at time.Time, countMessage bool) error {
	inc := 0
	if countMessage {
		inc = 1
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_accessed = ?, message_count = message_count + ?
		WHERE id = ?
	`, at.UnixNano(), inc, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return requireRow(result)
}

func (s *SQLiteStore) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metadata merge: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM sessions WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}

	merged, err := applyMetadataPatch(raw, patch)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET metadata = ? WHERE id = ?`, merged, id); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetArchived(ctx context.Context, id string, archived bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE sessions SET archived = ? WHERE id = ?`,
		boolToInt(archived), id)
	if err != nil {
		return fmt.Errorf("set archived: %w", err)
	}
	return requireRow(result)
}

// FindByBotChat skips archived sessions so an archived chat gets a
// fresh session on its next message instead of resurrecting the old one.
func (s *SQLiteStore) FindByBotChat(ctx context.Context, platform models.ChannelType, chatID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE bot_platform = ? AND bot_chat_id = ? AND archived = 0
		ORDER BY last_accessed DESC
		LIMIT 1
	`, string(platform), chatID)
	session, err := scanSQLiteSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session by chat: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE archived = 0`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session ids: %w", err)
	}
	return ids, nil
}

func scanSQLiteSession(scan func(dest ...any) error) (*models.Session, error) {
	var (
		session      models.Session
		createdNs    int64
		accessedNs   int64
		archived     int64
		platform     string
		chatID       string
		chatType     string
		metadataJSON []byte
	)
	err := scan(
		&session.ID,
		&session.Title,
		&session.TitleSource,
		&session.Module,
		&session.Source,
		&createdNs,
		&accessedNs,
		&archived,
		&session.MessageCount,
		&session.WorkingDir,
		&session.Model,
		&session.Trust,
		&platform,
		&chatID,
		&chatType,
		&session.EnvSlug,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	session.CreatedAt = fromUnixNano(createdNs)
	session.LastAccessed = fromUnixNano(accessedNs)
	session.Archived = archived != 0
	session.BotLink = joinBotLink(platform, chatID, chatType)
	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		if err := json.Unmarshal(metadataJSON, &session.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &session, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return raw, nil
}

func applyMetadataPatch(raw []byte, patch map[string]any) ([]byte, error) {
	metadata := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	for key, value := range patch {
		if value == nil {
			delete(metadata, key)
			continue
		}
		metadata[key] = value
	}
	return json.Marshal(metadata)
}

func splitBotLink(link *models.BotLink) (platform, chatID, chatType string) {
	if link == nil {
		return "", "", ""
	}
	return string(link.Platform), link.ChatID, link.ChatType
}

func joinBotLink(platform, chatID, chatType string) *models.BotLink {
	if platform == "" && chatID == "" {
		return nil
	}
	return &models.BotLink{
		Platform: models.ChannelType(platform),
		ChatID:   chatID,
		ChatType: chatType,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
