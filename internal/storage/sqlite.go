package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

// OpenSQLite opens (or creates) the database file and applies migrations.
func OpenSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create sqlite dir")
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One writer; triggers make every insert a two-table write.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "sqlite %s", pragma)
		}
	}

	if err := Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite"))}, nil
}

// Migrate applies all pending up migrations. It is a no-op when current.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "migrations source")
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "migrations driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return errors.Wrap(err, "migrate init")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migrate up")
	}
	return nil
}

// tableFor maps a collection to its table. Names come from a fixed set.
func tableFor(c domain.Collection) (string, error) {
	if !c.Valid() {
		return "", ErrUnknownCollection
	}
	return c.String(), nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutRecord(ctx context.Context, c domain.Collection, key string, payload map[string]any) error {
	table, err := tableFor(c)
	if err != nil {
		return err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+table+`(key, payload, created_at) VALUES(?,?,?)`,
		key, string(b), time.Now().UnixMilli(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return errors.Wrapf(err, "insert %s/%s", table, key)
}

// isUniqueViolation reports a primary key or unique constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}

func (s *sqliteStore) Ack(ctx context.Context, c domain.Collection, key string) error {
	table, err := tableFor(c)
	if err != nil {
		return err
	}
	if c == domain.EventCreated {
		_, err = s.db.ExecContext(ctx,
			`UPDATE events SET notified_at = ? WHERE key = ? AND notified_at IS NULL`,
			time.Now().UnixMilli(), key)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE key = ?`, key)
	}
	return errors.Wrapf(err, "ack %s/%s", table, key)
}

func (s *sqliteStore) GetClub(ctx context.Context, id string) (domain.Club, bool, error) {
	var name string
	err := s.db.GetContext(ctx, &name, `SELECT name FROM clubs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Club{}, false, nil
	}
	if err != nil {
		return domain.Club{}, false, errors.Wrapf(err, "get club %s", id)
	}
	return domain.Club{ID: id, Name: name}, true, nil
}

type userRow struct {
	ID        string         `db:"id"`
	Email     sql.NullString `db:"email"`
	PushToken sql.NullString `db:"push_token"`
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, email, push_token FROM users ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	out := make([]domain.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.User{ID: r.ID, Email: r.Email.String, PushToken: r.PushToken.String})
	}
	return out, nil
}

func (s *sqliteStore) ClearPushToken(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET push_token = NULL WHERE id = ?`, userID)
	return errors.Wrapf(err, "clear push token %s", userID)
}

func (s *sqliteStore) PutUser(ctx context.Context, u domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, email, push_token) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email, push_token=excluded.push_token`,
		u.ID, nullStr(u.Email), nullStr(u.PushToken),
	)
	return errors.Wrapf(err, "put user %s", u.ID)
}

func (s *sqliteStore) PutClub(ctx context.Context, c domain.Club) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clubs(id, name) VALUES(?,?) ON CONFLICT(id) DO UPDATE SET name=excluded.name`,
		c.ID, c.Name,
	)
	return errors.Wrapf(err, "put club %s", c.ID)
}

type historyRow struct {
	ID             string         `db:"id"`
	EventKey       string         `db:"event_key"`
	Title          string         `db:"title"`
	Body           string         `db:"body"`
	Target         string         `db:"target"`
	SentAt         int64          `db:"sent_at"`
	RecipientCount sql.NullInt64  `db:"recipient_count"`
	Tag            sql.NullString `db:"tag"`
	Detail         sql.NullString `db:"detail"`
}

func (r historyRow) entry() domain.HistoryEntry {
	e := domain.HistoryEntry{
		ID:                r.ID,
		EventKey:          r.EventKey,
		Title:             r.Title,
		Body:              r.Body,
		TargetDescription: r.Target,
		SentAt:            time.UnixMilli(r.SentAt),
		Tag:               r.Tag.String,
		Detail:            r.Detail.String,
	}
	if r.RecipientCount.Valid {
		n := int(r.RecipientCount.Int64)
		e.RecipientCount = &n
	}
	return e
}

func (s *sqliteStore) AppendHistory(ctx context.Context, e domain.HistoryEntry) (domain.HistoryEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}
	var count any
	if e.RecipientCount != nil {
		count = *e.RecipientCount
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(id, event_key, title, body, target, sent_at, recipient_count, tag, detail)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.ID, e.EventKey, e.Title, e.Body, e.TargetDescription, e.SentAt.UnixMilli(),
		count, nullStr(e.Tag), nullStr(e.Detail),
	)
	if err != nil {
		return domain.HistoryEntry{}, errors.Wrapf(err, "append history %s", e.EventKey)
	}
	return e, nil
}

func (s *sqliteStore) RecentHistory(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, event_key, title, body, target, sent_at, recipient_count, tag, detail
		 FROM history ORDER BY sent_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent history")
	}
	out := make([]domain.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func (s *sqliteStore) PruneHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE sent_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "prune history")
	}
	return res.RowsAffected()
}

type changeRow struct {
	Seq        int64  `db:"seq"`
	Collection string `db:"collection"`
	Key        string `db:"key"`
	Payload    string `db:"payload"`
}

func (s *sqliteStore) Changes(ctx context.Context, afterSeq int64, limit int) ([]domain.ChangeEvent, error) {
	return s.readChanges(ctx, `SELECT seq, collection, key, payload FROM changes WHERE seq > ? ORDER BY seq LIMIT ?`, afterSeq, limit)
}

// pendingChangesQuery only considers the newest change per key, so a key
// reused after deletion does not revive the older change.
const pendingChangesQuery = `
SELECT c.seq, c.collection, c.key, c.payload FROM changes c
WHERE c.seq > ?
  AND c.seq = (SELECT MAX(l.seq) FROM changes l WHERE l.collection = c.collection AND l.key = c.key)
  AND (
    (c.collection = 'notifications' AND EXISTS (SELECT 1 FROM notifications r WHERE r.key = c.key))
 OR (c.collection = 'topic_notifications' AND EXISTS (SELECT 1 FROM topic_notifications r WHERE r.key = c.key))
 OR (c.collection = 'events' AND EXISTS (SELECT 1 FROM events r WHERE r.key = c.key AND r.notified_at IS NULL))
  )
ORDER BY c.seq LIMIT ?`

func (s *sqliteStore) PendingChanges(ctx context.Context, afterSeq int64, limit int) ([]domain.ChangeEvent, error) {
	return s.readChanges(ctx, pendingChangesQuery, afterSeq, limit)
}

func (s *sqliteStore) readChanges(ctx context.Context, query string, afterSeq int64, limit int) ([]domain.ChangeEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []changeRow
	if err := s.db.SelectContext(ctx, &rows, query, afterSeq, limit); err != nil {
		return nil, errors.Wrap(err, "read changes")
	}
	out := make([]domain.ChangeEvent, 0, len(rows))
	for _, r := range rows {
		c, ok := domain.ParseCollection(r.Collection)
		if !ok {
			s.log.Warn("change for unknown collection skipped", logx.String("collection", r.Collection), logx.Int64("seq", r.Seq))
			continue
		}
		out = append(out, domain.ChangeEvent{Collection: c, Key: r.Key, Payload: s.decode(r.Collection, r.Key, r.Payload), Seq: r.Seq})
	}
	return out, nil
}

func (s *sqliteStore) LastChangeSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.GetContext(ctx, &seq, `SELECT COALESCE(MAX(seq), 0) FROM changes`); err != nil {
		return 0, errors.Wrap(err, "last change seq")
	}
	return seq, nil
}

// decode never fails: an unreadable payload becomes an empty record, which
// the payload builder then rejects as malformed.
func (s *sqliteStore) decode(collection, key, raw string) map[string]any {
	var p map[string]any
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.log.Warn("undecodable record payload", logx.String("collection", collection), logx.String("key", key), logx.Err(err))
		return map[string]any{}
	}
	if p == nil {
		p = map[string]any{}
	}
	return p
}

func (s *sqliteStore) PruneChanges(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "prune changes")
	}
	return res.RowsAffected()
}

type pendingRow struct {
	Key     string `db:"key"`
	Payload string `db:"payload"`
}

func (s *sqliteStore) Pending(ctx context.Context, c domain.Collection, createdBefore time.Time) ([]domain.ChangeEvent, error) {
	table, err := tableFor(c)
	if err != nil {
		return nil, err
	}
	q := `SELECT key, payload FROM ` + table + ` WHERE created_at < ?`
	if c == domain.EventCreated {
		q += ` AND notified_at IS NULL`
	}
	q += ` ORDER BY key`

	var rows []pendingRow
	if err := s.db.SelectContext(ctx, &rows, q, createdBefore.UnixMilli()); err != nil {
		return nil, errors.Wrapf(err, "pending %s", table)
	}
	out := make([]domain.ChangeEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.ChangeEvent{Collection: c, Key: r.Key, Payload: s.decode(table, r.Key, r.Payload)})
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
