package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"courier/internal/eventbus"
	"courier/internal/message"
	logx "courier/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// MessageStore is a durable table of messages with reader acknowledgments.
//
// Every operation runs under one mutex; none of them performs network I/O.
type MessageStore struct {
	kind    Kind
	db      *sql.DB
	log     logx.Logger
	content *contentStore
	owners  OwnerLookup
	bus     *eventbus.Bus[Change]
	notify  atomic.Bool
	now     func() time.Time

	mu     sync.Mutex
	closed bool
}

func openSQLite(ctx context.Context, kind Kind, dsn string, busy time.Duration, content *contentStore, owners OwnerLookup, log logx.Logger) (*MessageStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; it also keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busy > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	s := &MessageStore{
		kind:    kind,
		db:      db,
		log:     log,
		content: content,
		owners:  owners,
		bus:     eventbus.New[Change](),
		now:     time.Now,
	}
	s.notify.Store(true)

	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MessageStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// Kind reports which store this is.
func (s *MessageStore) Kind() Kind { return s.kind }

func (s *MessageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Subscribe returns the change stream. Slow subscribers drop changes.
func (s *MessageStore) Subscribe(buffer int) (<-chan Change, func()) {
	return s.bus.Subscribe(buffer)
}

// SetNotificationsEnabled toggles the change stream globally.
func (s *MessageStore) SetNotificationsEnabled(enabled bool) { s.notify.Store(enabled) }

func (s *MessageStore) emit(m message.Message, a message.Action) {
	if !s.notify.Load() {
		return
	}
	s.bus.Publish(Change{Store: s.kind, Message: m, Action: a})
}

// Add inserts m. It returns false without changing anything when the id exists.
// A message that has already expired is stored as deleted and is not announced.
func (s *MessageStore) Add(ctx context.Context, m message.Message) (bool, error) {
	m.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	exists, err := s.existsLocked(ctx, m.ID)
	if err != nil || exists {
		return false, err
	}

	stored, err := s.content.put(m.Content)
	if err != nil {
		return false, err
	}
	deleted := m.Expired(s.now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages(id, channel, subchannel, content, notification, created_ms, expiry_ms, provider, is_deleted)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Channel, m.Subchannel, stored, nullStr(m.Notification),
		m.Created.UnixMilli(), m.Expiry.UnixMilli(), m.Provider, boolInt(deleted),
	)
	if err != nil {
		_ = s.content.remove(stored)
		return false, fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	if !deleted {
		s.emit(m, message.Created)
	}
	return true, nil
}

// Update overwrites every field of the stored message except its id.
func (s *MessageStore) Update(ctx context.Context, m message.Message) (bool, error) {
	m.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	var old string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM messages WHERE id = ?`, m.ID).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	stored, err := s.content.put(m.Content)
	if err != nil {
		return false, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET channel=?, subchannel=?, content=?, notification=?, created_ms=?, expiry_ms=?, provider=?
		 WHERE id = ?`,
		m.Channel, m.Subchannel, stored, nullStr(m.Notification),
		m.Created.UnixMilli(), m.Expiry.UnixMilli(), m.Provider, m.ID,
	)
	if err != nil {
		_ = s.content.remove(stored)
		return false, fmt.Errorf("update message %s: %w", m.ID, err)
	}
	if old != stored {
		s.removeContent(old)
	}
	s.emit(m, message.Updated)
	return true, nil
}

// Remove deletes a live message. Owners that need deletion stubs get a
// tombstone (content cleared, purged after DeletionStubTTL); everyone else
// gets a hard delete of the row, its readers and its offloaded content.
func (s *MessageStore) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	rows, err := s.queryLocked(ctx, `WHERE id = ? AND is_deleted = 0`, id)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	r := rows[0]

	if s.needsStubs(r.msg.Provider) {
		expiry := s.now().Add(DeletionStubTTL)
		_, err = s.db.ExecContext(ctx,
			`UPDATE messages SET content='null', notification=NULL, expiry_ms=?, is_deleted=1 WHERE id = ?`,
			expiry.UnixMilli(), id,
		)
	} else {
		err = s.hardDeleteLocked(ctx, id)
	}
	if err != nil {
		return false, fmt.Errorf("remove message %s: %w", id, err)
	}
	s.removeContent(r.stored)
	s.emit(r.msg, message.Deleted)
	return true, nil
}

func (s *MessageStore) needsStubs(provider string) bool {
	if s.owners == nil || provider == "" {
		return false
	}
	o, ok := s.owners.Owner(provider)
	return ok && o.NeedsDeletionStubs()
}

func (s *MessageStore) hardDeleteLocked(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM readers WHERE message_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *MessageStore) removeContent(stored string) {
	if err := s.content.remove(stored); err != nil {
		s.log.Warn("cannot delete offloaded content", logx.String("ref", stored), logx.Err(err))
	}
}

// GetMessage returns the live message with id.
func (s *MessageStore) GetMessage(ctx context.Context, id string) (message.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return message.Message{}, false, ErrClosed
	}
	rows, err := s.queryLocked(ctx, `WHERE id = ? AND is_deleted = 0`, id)
	if err != nil || len(rows) == 0 {
		return message.Message{}, false, err
	}
	return rows[0].msg, true, nil
}

// GetMessages returns live messages on channel; an empty subchannel matches all of them.
func (s *MessageStore) GetMessages(ctx context.Context, channel, subchannel string) ([]message.Message, error) {
	where, args := channelFilter(channel, subchannel)
	return s.list(ctx, where, args...)
}

// GetAllUnreadMessages returns live messages on channel/subchannel that reader has not acknowledged.
func (s *MessageStore) GetAllUnreadMessages(ctx context.Context, channel, subchannel, reader string) ([]message.Message, error) {
	where, args := channelFilter(channel, subchannel)
	where += ` AND NOT EXISTS (SELECT 1 FROM readers r WHERE r.message_id = messages.id AND r.name = ?)`
	args = append(args, reader)
	return s.list(ctx, where, args...)
}

// GetMessagesByProvider returns live messages owned by provider, oldest first.
func (s *MessageStore) GetMessagesByProvider(ctx context.Context, provider string) ([]message.Message, error) {
	return s.list(ctx, `WHERE is_deleted = 0 AND provider = ?`, provider)
}

func channelFilter(channel, subchannel string) (string, []any) {
	where := `WHERE is_deleted = 0 AND channel = ?`
	args := []any{message.NormalizeChannel(channel)}
	if sub := message.NormalizeChannel(subchannel); sub != "" {
		where += ` AND subchannel = ?`
		args = append(args, sub)
	}
	return where, args
}

func (s *MessageStore) list(ctx context.Context, where string, args ...any) ([]message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.queryLocked(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	out := make([]message.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.msg)
	}
	return out, nil
}

// AddReader records that name has read message id.
// It returns false when the message is absent or already read by name.
func (s *MessageStore) AddReader(ctx context.Context, id, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	exists, err := s.existsLocked(ctx, id)
	if err != nil || !exists {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO readers(message_id, name) VALUES(?,?)`, id, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetAllReaders lists the readers of message id.
func (s *MessageStore) GetAllReaders(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM readers WHERE message_id = ? ORDER BY name`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkAllUnreadAsCreated re-announces every live message nobody has read yet.
func (s *MessageStore) MarkAllUnreadAsCreated(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	rows, err := s.queryLocked(ctx, `WHERE is_deleted = 0 AND NOT EXISTS (SELECT 1 FROM readers r WHERE r.message_id = messages.id)`)
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		s.emit(r.msg, message.Created)
	}
	return len(rows), nil
}

// Clear deletes every message, reader and offloaded file without announcing anything.
func (s *MessageStore) Clear(ctx context.Context) error {
	prev := s.notify.Swap(false)
	defer s.notify.Store(prev)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM readers; DELETE FROM messages;`); err != nil {
		return err
	}
	return s.content.clear()
}

// Len counts all rows, deletion stubs included.
func (s *MessageStore) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// PurgeExpired deletes rows whose expiry has passed, with their readers and
// offloaded content. Each owning provider's expiry hook runs first, outside
// the store lock, so it may write to this or another store.
func (s *MessageStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	cutoff := s.now().UnixMilli()
	expired, err := s.queryLocked(ctx, `WHERE expiry_ms < ?`, cutoff)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	for _, r := range expired {
		if r.deleted || s.owners == nil || r.msg.Provider == "" {
			continue
		}
		if o, ok := s.owners.Owner(r.msg.Provider); ok {
			o.OnMessageExpired(s, r.msg)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, r := range expired {
		stored, ok, err := s.purgeRowLocked(ctx, r.msg.ID, cutoff)
		if err != nil {
			s.log.Warn("purge failed", logx.String("id", r.msg.ID), logx.Err(err))
			continue
		}
		if !ok {
			// Updated or removed while the hooks ran.
			continue
		}
		s.removeContent(stored)
		n++
	}
	return n, nil
}

// purgeRowLocked deletes id if it is still expired at cutoff and returns its
// current content column.
func (s *MessageStore) purgeRowLocked(ctx context.Context, id string, cutoff int64) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	var stored string
	err = tx.QueryRowContext(ctx, `SELECT content FROM messages WHERE id = ? AND expiry_ms < ?`, id, cutoff).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM readers WHERE message_id = ?`, id); err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND expiry_ms < ?`, id, cutoff); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return stored, true, nil
}

// OnSending announces that m is being handed to a connection.
func (s *MessageStore) OnSending(m message.Message) { s.emit(m, message.Sending) }

// OnSent announces delivery of m and removes it.
func (s *MessageStore) OnSent(ctx context.Context, m message.Message) error {
	s.emit(m, message.Sent)
	_, err := s.Remove(ctx, m.ID)
	return err
}

// OnSendFailed announces a failed attempt. Unless willRetry, the message is removed.
func (s *MessageStore) OnSendFailed(ctx context.Context, m message.Message, willRetry bool) error {
	if willRetry {
		s.emit(m, message.SendFailedWillRetry)
		return nil
	}
	s.emit(m, message.SendFailed)
	_, err := s.Remove(ctx, m.ID)
	return err
}

// ---- row access ----

type row struct {
	msg     message.Message
	stored  string
	deleted bool
}

func (s *MessageStore) existsLocked(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *MessageStore) queryLocked(ctx context.Context, where string, args ...any) ([]row, error) {
	q := `SELECT id, channel, subchannel, content, notification, created_ms, expiry_ms, provider, is_deleted
	      FROM messages ` + where + ` ORDER BY created_ms, id`
	rs, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	var out []row
	for rs.Next() {
		var (
			r            row
			notification sql.NullString
			created      int64
			expiry       int64
			deleted      int
		)
		if err := rs.Scan(&r.msg.ID, &r.msg.Channel, &r.msg.Subchannel, &r.stored, &notification,
			&created, &expiry, &r.msg.Provider, &deleted); err != nil {
			return nil, err
		}
		if notification.Valid {
			v := notification.String
			r.msg.Notification = &v
		}
		r.msg.Created = time.UnixMilli(created)
		r.msg.Expiry = time.UnixMilli(expiry)
		r.deleted = deleted != 0

		content, err := s.content.get(r.stored)
		if err != nil {
			s.log.Warn("offloaded content unavailable", logx.String("id", r.msg.ID), logx.Err(err))
			content = nil
		}
		r.msg.Content = content
		if len(r.msg.Content) == 0 {
			r.msg.Content = []byte("null")
		}
		out = append(out, r)
	}
	return out, rs.Err()
}

func nullStr(v *string) any {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
