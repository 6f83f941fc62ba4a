package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/vkravets/ringline/internal/store"
)

// subscriberBuffer is the change-feed channel depth. A full buffer drops the
// event rather than stalling store writes.
const subscriberBuffer = 64

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	username   TEXT NOT NULL UNIQUE,
	avatar_url TEXT NOT NULL DEFAULT '',
	online     BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS calls (
	id          TEXT PRIMARY KEY,
	caller_id   INTEGER NOT NULL,
	receiver_id INTEGER NOT NULL,
	status      TEXT NOT NULL,
	started_at  DATETIME,
	ended_at    DATETIME,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calls_receiver_status ON calls(receiver_id, status);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	sender_id    INTEGER NOT NULL,
	recipient_id INTEGER NOT NULL,
	body         TEXT NOT NULL,
	is_read      BOOLEAN NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_recipient_read ON messages(recipient_id, is_read);
`

// SQLiteStore implements store.Store for SQLite with in-process change
// notification.
type SQLiteStore struct {
	db  *sql.DB
	log *zerolog.Logger

	mu        sync.Mutex
	nextSubID int
	callSubs  map[int]*subscriber
	msgSubs   map[int]*subscriber
	closed    bool
}

type subscriber struct {
	partyID int64
	ch      chan store.ChangeEvent
}

// New creates a new SQLite store and ensures the schema exists.
// dbPath is the path to the SQLite database file (":memory:" for tests).
func New(dbPath string, logger *zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		log:      logger,
		callSubs: make(map[int]*subscriber),
		msgSubs:  make(map[int]*subscriber),
	}, nil
}

// Close closes the database connection and all open change feeds.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for id, sub := range s.callSubs {
			close(sub.ch)
			delete(s.callSubs, id)
		}
		for id, sub := range s.msgSubs {
			close(sub.ch)
			delete(s.msgSubs, id)
		}
	}
	s.mu.Unlock()

	return s.db.Close()
}

// execRetry runs a write statement, retrying briefly when the database is
// busy. Retry policy lives here; callers never retry themselves.
func (s *SQLiteStore) execRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retry.Do(
		func() error {
			var execErr error
			res, execErr = s.db.ExecContext(ctx, query, args...)
			return execErr
		},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(isBusy),
	)
	return res, err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// ==== CallStore implementation ====

// CreateCall persists a new call record and notifies subscribers.
func (s *SQLiteStore) CreateCall(ctx context.Context, call *store.CallRecord) error {
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO calls (id, caller_id, receiver_id, status, started_at, ended_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.execRetry(ctx, query,
		call.ID, call.CallerID, call.ReceiverID, string(call.Status),
		call.StartedAt, call.EndedAt, call.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert call: %w", err)
	}

	rec := *call
	s.publishCall(store.ChangeEvent{Kind: store.ChangeInsert, Call: &rec})
	return nil
}

// GetCall retrieves a call record by id.
func (s *SQLiteStore) GetCall(ctx context.Context, id string) (*store.CallRecord, error) {
	query := `
		SELECT id, caller_id, receiver_id, status, started_at, ended_at, created_at
		FROM calls
		WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var rec store.CallRecord
	var status string
	err := row.Scan(&rec.ID, &rec.CallerID, &rec.ReceiverID, &status,
		&rec.StartedAt, &rec.EndedAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}
	rec.Status = store.CallStatus(status)
	return &rec, nil
}

// UpdateCallStatus applies a conditional partial update guarded by the
// expected current status. A zero-row update on an existing record means
// another writer already transitioned it.
func (s *SQLiteStore) UpdateCallStatus(ctx context.Context, id string, expect store.CallStatus, update store.CallUpdate) (*store.CallRecord, error) {
	query := `
		UPDATE calls
		SET status = ?,
		    started_at = COALESCE(?, started_at),
		    ended_at = COALESCE(?, ended_at)
		WHERE id = ? AND status = ?
	`
	res, err := s.execRetry(ctx, query,
		string(update.Status), update.StartedAt, update.EndedAt, id, string(expect))
	if err != nil {
		return nil, fmt.Errorf("update call: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetCall(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, store.ErrStatusConflict
	}

	rec, err := s.GetCall(ctx, id)
	if err != nil {
		return nil, err
	}

	s.publishCall(store.ChangeEvent{Kind: store.ChangeUpdate, Call: rec})
	return rec, nil
}

// CountPendingCalls counts pending calls addressed to the receiver.
func (s *SQLiteStore) CountPendingCalls(ctx context.Context, receiverID int64) (int, error) {
	query := `SELECT COUNT(*) FROM calls WHERE receiver_id = ? AND status = ?`

	var count int
	err := s.db.QueryRowContext(ctx, query, receiverID, string(store.CallStatusPending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending calls: %w", err)
	}
	return count, nil
}

// SubscribeCalls opens a change feed for call records addressed to the receiver.
func (s *SQLiteStore) SubscribeCalls(receiverID int64) *store.Subscription {
	return s.subscribe(receiverID, func() map[int]*subscriber { return s.callSubs })
}

// ==== UserStore implementation ====

// CreateUser creates a new user profile.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, avatarURL string) (*store.Profile, error) {
	now := time.Now()
	query := `INSERT INTO users (username, avatar_url, online, created_at) VALUES (?, ?, 0, ?)`

	res, err := s.execRetry(ctx, query, username, avatarURL, now)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}
	return s.GetProfile(ctx, id)
}

// GetProfile retrieves a user's display profile.
func (s *SQLiteStore) GetProfile(ctx context.Context, userID int64) (*store.Profile, error) {
	query := `SELECT id, username, avatar_url, online, created_at FROM users WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, userID)

	var p store.Profile
	err := row.Scan(&p.ID, &p.Username, &p.AvatarURL, &p.Online, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &p, nil
}

// SetOnline updates a user's online flag.
func (s *SQLiteStore) SetOnline(ctx context.Context, userID int64, online bool) error {
	res, err := s.execRetry(ctx, `UPDATE users SET online = ? WHERE id = ?`, online, userID)
	if err != nil {
		return fmt.Errorf("update online: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrUserNotFound
	}
	return nil
}

// ==== MessageStore implementation ====

// SaveMessage persists a message and notifies subscribers.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *store.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO messages (id, sender_id, recipient_id, body, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.execRetry(ctx, query,
		msg.ID, msg.SenderID, msg.RecipientID, msg.Body, msg.Read, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	m := *msg
	s.publishMessage(store.ChangeEvent{Kind: store.ChangeInsert, Message: &m})
	return nil
}

// MarkMessagesRead marks messages from sender to recipient as read.
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, recipientID, senderID int64) error {
	query := `UPDATE messages SET is_read = 1 WHERE recipient_id = ? AND sender_id = ? AND is_read = 0`
	res, err := s.execRetry(ctx, query, recipientID, senderID)
	if err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.publishMessage(store.ChangeEvent{
			Kind:    store.ChangeUpdate,
			Message: &store.Message{SenderID: senderID, RecipientID: recipientID, Read: true},
		})
	}
	return nil
}

// CountUnreadMessages counts unread messages addressed to the recipient.
func (s *SQLiteStore) CountUnreadMessages(ctx context.Context, recipientID int64) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE recipient_id = ? AND is_read = 0`

	var count int
	if err := s.db.QueryRowContext(ctx, query, recipientID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread messages: %w", err)
	}
	return count, nil
}

// SubscribeMessages opens a change feed for messages addressed to the recipient.
func (s *SQLiteStore) SubscribeMessages(recipientID int64) *store.Subscription {
	return s.subscribe(recipientID, func() map[int]*subscriber { return s.msgSubs })
}

// ==== change notification ====

func (s *SQLiteStore) subscribe(partyID int64, subs func() map[int]*subscriber) *store.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan store.ChangeEvent, subscriberBuffer)
	if s.closed {
		close(ch)
		return store.NewSubscription(ch, func() {})
	}

	id := s.nextSubID
	s.nextSubID++
	subs()[id] = &subscriber{partyID: partyID, ch: ch}

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := subs()[id]; ok {
			delete(subs(), id)
			close(sub.ch)
		}
	}
	return store.NewSubscription(ch, cancel)
}

func (s *SQLiteStore) publishCall(ev store.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.callSubs {
		if sub.partyID != ev.Call.ReceiverID {
			continue
		}
		s.deliver(sub, ev, "calls")
	}
}

func (s *SQLiteStore) publishMessage(ev store.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.msgSubs {
		if sub.partyID != ev.Message.RecipientID {
			continue
		}
		s.deliver(sub, ev, "messages")
	}
}

// deliver never blocks: a subscriber that stops draining loses events
// instead of stalling writers.
func (s *SQLiteStore) deliver(sub *subscriber, ev store.ChangeEvent, collection string) {
	select {
	case sub.ch <- ev:
	default:
		s.log.Warn().
			Str("collection", collection).
			Int64("party_id", sub.partyID).
			Msg("change feed buffer full, dropping event")
	}
}
