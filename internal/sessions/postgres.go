package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parachute-dev/parachute/pkg/models"
	_ "github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL for deployments where
// the vault is shared between hosts.
type PostgresStore struct {
	db *sql.DB

	// Prepared statements for the hot paths
	stmtCreate        *sql.Stmt
	stmtGet           *sql.Stmt
	stmtUpdate        *sql.Stmt
	stmtDelete        *sql.Stmt
	stmtTouch         *sql.Stmt
	stmtSetArchived   *sql.Stmt
	stmtFindByBotChat *sql.Stmt
	stmtActiveIDs     *sql.Stmt
}

// DB exposes the underlying database connection for maintenance commands.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// PostgresConfig holds connection settings for the Postgres backend.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "parachute",
		Password:        "",
		Database:        "parachute",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStore connects using config fields, migrates, and prepares
// statements.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)

	return newPostgresStoreWithDSN(dsn, config)
}

// NewPostgresStoreFromDSN connects using a raw DSN/URL.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	return newPostgresStoreWithDSN(dsn, config)
}

func newPostgresStoreWithDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrator, err := NewMigrator(db, DialectPostgres)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

const postgresColumns = `id, title, title_source, module, source, created_at, last_accessed,
	archived, message_count, working_dir, model, trust_level,
	bot_platform, bot_chat_id, bot_chat_type, env_slug, metadata`

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtCreate, err = s.db.Prepare(`
		INSERT INTO sessions (` + postgresColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create: %w", err)
	}

	s.stmtGet, err = s.db.Prepare(`
		SELECT ` + postgresColumns + ` FROM sessions WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get: %w", err)
	}

	s.stmtUpdate, err = s.db.Prepare(`
		UPDATE sessions SET
			title = $1, title_source = $2, module = $3, source = $4,
			last_accessed = $5, archived = $6, message_count = $7,
			working_dir = $8, model = $9, trust_level = $10,
			bot_platform = $11, bot_chat_id = $12, bot_chat_type = $13,
			env_slug = $14, metadata = $15
		WHERE id = $16
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update: %w", err)
	}

	s.stmtDelete, err = s.db.Prepare(`
		DELETE FROM sessions WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}

	s.stmtTouch, err = s.db.Prepare(`
		UPDATE sessions SET last_accessed = $1, message_count = message_count + $2
		WHERE id = $3
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare touch: %w", err)
	}

	s.stmtSetArchived, err = s.db.Prepare(`
		UPDATE sessions SET archived = $1 WHERE id = $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare set archived: %w", err)
	}

	s.stmtFindByBotChat, err = s.db.Prepare(`
		SELECT ` + postgresColumns + ` FROM sessions
		WHERE bot_platform = $1 AND bot_chat_id = $2 AND archived = FALSE
		ORDER BY last_accessed DESC
		LIMIT 1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare find by chat: %w", err)
	}

	s.stmtActiveIDs, err = s.db.Prepare(`
		SELECT id FROM sessions WHERE archived = FALSE
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare active ids: %w", err)
	}

	return nil
}

// Close closes the prepared statements and the database connection.
func (s *PostgresStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		s.stmtCreate, s.stmtGet, s.stmtUpdate, s.stmtDelete,
		s.stmtTouch, s.stmtSetArchived, s.stmtFindByBotChat, s.stmtActiveIDs,
	} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	metadata, err := marshalMetadata(session.Metadata)
	if err != nil {
		return err
	}
	platform, chatID, chatType := splitBotLink(session.BotLink)

	_, err = s.stmtCreate.ExecContext(ctx,
		session.ID,
		session.Title,
		string(session.TitleSource),
		session.Module,
		string(session.Source),
		session.CreatedAt,
		session.LastAccessed,
		session.Archived,
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
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	session, err := scanPostgresSession(s.stmtGet.QueryRowContext(ctx, id).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	metadata, err := marshalMetadata(session.Metadata)
	if err != nil {
		return err
	}
	platform, chatID, chatType := splitBotLink(session.BotLink)

	result, err := s.stmtUpdate.ExecContext(ctx,
		session.Title,
		string(session.TitleSource),
		session.Module,
		string(session.Source),
		session.LastAccessed,
		session.Archived,
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
		return fmt.Errorf("failed to update session: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.stmtDelete.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*models.Session, error) {
	query := `SELECT ` + postgresColumns + ` FROM sessions WHERE 1=1`
	args := []any{}
	argPos := 1

	if filter.Source != "" {
		query += fmt.Sprintf(" AND source = $%d", argPos)
		args = append(args, string(filter.Source))
		argPos++
	}
	if filter.Module != "" {
		query += fmt.Sprintf(" AND module = $%d", argPos)
		args = append(args, filter.Module)
		argPos++
	}
	if filter.Archived != nil {
		query += fmt.Sprintf(" AND archived = $%d", argPos)
		args = append(args, *filter.Archived)
		argPos++
	}

	query += " ORDER BY last_accessed DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filter.Limit)
		argPos++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanPostgresSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) Touch(ctx context.Context, id string, at time.Time, countMessage bool) error {
	inc := 0
	if countMessage {
		inc = 1
	}
	result, err := s.stmtTouch.ExecContext(ctx, at, inc, id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // rollback after commit is ErrTxDone
	}()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	merged, err := applyMetadataPatch(raw, patch)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET metadata = $1 WHERE id = $2`, merged, id); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) SetArchived(ctx context.Context, id string, archived bool) error {
	result, err := s.stmtSetArchived.ExecContext(ctx, archived, id)
	if err != nil {
		return fmt.Errorf("failed to set archived: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) FindByBotChat(ctx context.Context, platform models.ChannelType, chatID string) (*models.Session, error) {
	session, err := scanPostgresSession(s.stmtFindByBotChat.QueryRowContext(ctx, string(platform), chatID).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session by chat: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) ActiveSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.stmtActiveIDs.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session ids: %w", err)
	}
	return ids, nil
}

func scanPostgresSession(scan func(dest ...any) error) (*models.Session, error) {
	var (
		session      models.Session
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
		&session.CreatedAt,
		&session.LastAccessed,
		&session.Archived,
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

	session.BotLink = joinBotLink(platform, chatID, chatType)
	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		if err := json.Unmarshal(metadataJSON, &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &session, nil
}
