package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies
// pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var version int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) timestamp() int64 { return s.now().UnixMilli() }

const conversationColumns = `id, channel_key, model_key, temperature, verbosity, style, summary, summary_watermark, created_at, updated_at, epoch`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c         Conversation
		temp      sql.NullFloat64
		verbosity string
		created   int64
		updated   int64
	)
	if err := row.Scan(&c.ID, &c.ChannelKey, &c.ModelKey, &temp, &verbosity, &c.Style,
		&c.Summary, &c.SummaryWatermark, &created, &updated, &c.Epoch); err != nil {
		return nil, err
	}
	if temp.Valid {
		v := temp.Float64
		c.Temperature = &v
	}
	c.Verbosity = Verbosity(verbosity)
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	return &c, nil
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, channelKey string) (*Conversation, error) {
	if channelKey == "" {
		return nil, errors.New("empty channel key")
	}
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, channel_key, verbosity, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(channel_key) DO NOTHING`,
		uuid.NewString(), channelKey, string(VerbosityNormal), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE channel_key = ?`, channelKey)
	c, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) FindByKey(ctx context.Context, channelKey string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE channel_key = ?`, channelKey)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) Append(ctx context.Context, convID string, msg Message) (*Message, error) {
	if msg.Role == "" {
		return nil, errors.New("message role is required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, s.timestamp(), convID)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, name, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		convID, string(msg.Role), msg.Content, msg.Name, msg.ToolCallID, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	msg.ID = id
	msg.ConversationID = convID
	msg.CreatedAt = time.UnixMilli(msg.CreatedAt.UnixMilli())
	return &msg, nil
}

func (s *SQLiteStore) Recent(ctx context.Context, convID string, k int) ([]Message, error) {
	if k <= 0 {
		return nil, nil
	}
	return s.queryMessages(ctx,
		`SELECT id, conversation_id, role, content, name, tool_call_id, created_at FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		) sub ORDER BY created_at ASC, id ASC`,
		convID, k,
	)
}

func (s *SQLiteStore) All(ctx context.Context, convID string) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, conversation_id, role, content, name, tool_call_id, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		convID,
	)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			role    string
			created int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Name, &m.ToolCallID, &created); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context, convID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, convID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Clear(ctx context.Context, convID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET summary = '', summary_watermark = 0, epoch = epoch + 1, updated_at = ? WHERE id = ?`,
		s.timestamp(), convID)
	if err != nil {
		return fmt.Errorf("reset summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, convID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pins WHERE conversation_id = ?`, convID); err != nil {
		return fmt.Errorf("delete pins: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpsertPin(ctx context.Context, convID, key, value string) error {
	if key == "" {
		return errors.New("pin key is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pins (conversation_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(conversation_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		convID, key, value, s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("upsert pin: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Pins(ctx context.Context, convID string) ([]Pin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, key, value, updated_at FROM pins WHERE conversation_id = ? ORDER BY key`, convID)
	if err != nil {
		return nil, fmt.Errorf("query pins: %w", err)
	}
	defer rows.Close()

	var out []Pin
	for rows.Next() {
		var (
			p       Pin
			updated int64
		)
		if err := rows.Scan(&p.ConversationID, &p.Key, &p.Value, &updated); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.UnixMilli(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateSummary replaces the summary. The write is rejected with
// ErrStaleSummary when the conversation moved past u.From or was reset since
// u.Epoch, and with ErrWatermark when u.To would move backwards or past the
// number of stored messages.
func (s *SQLiteStore) UpdateSummary(ctx context.Context, convID string, u SummaryUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current, epoch int
	err = tx.QueryRowContext(ctx,
		`SELECT summary_watermark, epoch FROM conversations WHERE id = ?`, convID).Scan(&current, &epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if epoch != u.Epoch || current != u.From {
		return fmt.Errorf("%w: computed at epoch %d watermark %d, now %d/%d", ErrStaleSummary, u.Epoch, u.From, epoch, current)
	}
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, convID).Scan(&count); err != nil {
		return err
	}
	if u.To < current || u.To > count {
		return fmt.Errorf("%w: %d (current %d, messages %d)", ErrWatermark, u.To, current, count)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET summary = ?, summary_watermark = ?, updated_at = ? WHERE id = ?`,
		u.Summary, u.To, s.timestamp(), convID); err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateSettings(ctx context.Context, convID string, patch SettingsPatch) error {
	set := []string{}
	args := []any{}
	if patch.ModelKey != nil {
		set = append(set, "model_key = ?")
		args = append(args, *patch.ModelKey)
	}
	switch {
	case patch.ClearTemperature:
		set = append(set, "temperature = NULL")
	case patch.Temperature != nil:
		set = append(set, "temperature = ?")
		args = append(args, *patch.Temperature)
	}
	if patch.Verbosity != nil {
		set = append(set, "verbosity = ?")
		args = append(args, string(*patch.Verbosity))
	}
	if patch.Style != nil {
		set = append(set, "style = ?")
		args = append(args, *patch.Style)
	}
	set = append(set, "updated_at = ?")
	args = append(args, s.timestamp(), convID)

	query := "UPDATE conversations SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE id = ?"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Export(ctx context.Context, convID string) (*Snapshot, error) {
	conv, err := s.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	pins, err := s.Pins(ctx, convID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.All(ctx, convID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Conversation: *conv,
		Pins:         pins,
		Messages:     msgs,
		ExportedAt:   s.now().UTC(),
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
