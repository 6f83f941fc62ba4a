package store

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by Store implementations.
var (
	// ErrCallNotFound is returned when no call record matches the given id.
	ErrCallNotFound = errors.New("call not found")
	// ErrUserNotFound is returned when no profile matches the given user id.
	ErrUserNotFound = errors.New("user not found")
	// ErrStatusConflict is returned by UpdateCallStatus when the record's
	// current status no longer matches the expected precondition, meaning
	// another writer already transitioned it.
	ErrStatusConflict = errors.New("call status conflict")
)

// CallStatus defines the lifecycle state of a call record.
type CallStatus string

const (
	// CallStatusPending means the call awaits the receiver's decision.
	CallStatusPending CallStatus = "pending"
	// CallStatusAccepted means the receiver answered the call.
	CallStatusAccepted CallStatus = "accepted"
	// CallStatusRejected means the receiver declined the call.
	CallStatusRejected CallStatus = "rejected"
	// CallStatusEnded means the call finished or the caller hung up.
	CallStatusEnded CallStatus = "ended"
	// CallStatusMissed means the call went unanswered.
	CallStatusMissed CallStatus = "missed"
)

// Terminal reports whether the status admits no further transitions
// relevant to the receiver.
func (s CallStatus) Terminal() bool {
	return s != CallStatusPending
}

// CallRecord represents a call between two users.
type CallRecord struct {
	ID         string // UUID
	CallerID   int64
	ReceiverID int64
	Status     CallStatus
	StartedAt  *time.Time // set on acceptance
	EndedAt    *time.Time
	CreatedAt  time.Time
}

// CallUpdate describes a partial update applied by UpdateCallStatus.
type CallUpdate struct {
	Status    CallStatus
	StartedAt *time.Time
	EndedAt   *time.Time
}

// Profile is the displayable identity of a user.
type Profile struct {
	ID        int64
	Username  string
	AvatarURL string
	Online    bool
	CreatedAt time.Time
}

// Message represents a persisted direct message.
type Message struct {
	ID          string // UUID
	SenderID    int64
	RecipientID int64
	Body        string
	Read        bool
	CreatedAt   time.Time
}

// ChangeKind describes what happened to a record.
type ChangeKind int

const (
	// ChangeInsert notifies subscribers about a newly created record.
	ChangeInsert ChangeKind = iota
	// ChangeUpdate notifies subscribers about a mutated record.
	ChangeUpdate
)

// ChangeEvent is pushed to subscribers when a record they watch changes.
// Exactly one of Call or Message is non-nil, matching the subscription's
// collection.
type ChangeEvent struct {
	Kind    ChangeKind
	Call    *CallRecord
	Message *Message
}

// Subscription is a handle on a change feed. Events arrive on C in the
// store's emission order. Close is idempotent; after it returns no further
// events are delivered and C is closed.
type Subscription struct {
	C      <-chan ChangeEvent
	cancel func()
}

// NewSubscription builds a subscription around a channel and cancel func.
// Intended for Store implementations.
func NewSubscription(ch <-chan ChangeEvent, cancel func()) *Subscription {
	return &Subscription{C: ch, cancel: cancel}
}

// Close releases the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// CallStore handles call record persistence and change notification.
type CallStore interface {
	// CreateCall persists a new call record and notifies subscribers.
	CreateCall(ctx context.Context, call *CallRecord) error

	// GetCall retrieves a call record by id.
	GetCall(ctx context.Context, id string) (*CallRecord, error)

	// UpdateCallStatus applies a conditional partial update: it succeeds
	// only while the record's current status equals expect, otherwise it
	// returns ErrStatusConflict. This is what makes exactly one writer win
	// when two devices race to answer the same call. Returns the updated
	// record on success and notifies subscribers.
	UpdateCallStatus(ctx context.Context, id string, expect CallStatus, update CallUpdate) (*CallRecord, error)

	// CountPendingCalls counts pending calls addressed to the receiver.
	CountPendingCalls(ctx context.Context, receiverID int64) (int, error)

	// SubscribeCalls opens a change feed of insert and update events for
	// call records where the given party is the receiver.
	SubscribeCalls(receiverID int64) *Subscription
}

// UserStore handles profile persistence.
type UserStore interface {
	// CreateUser creates a new user profile.
	CreateUser(ctx context.Context, username, avatarURL string) (*Profile, error)

	// GetProfile retrieves a user's display profile.
	GetProfile(ctx context.Context, userID int64) (*Profile, error)

	// SetOnline updates a user's online flag.
	SetOnline(ctx context.Context, userID int64, online bool) error
}

// MessageStore handles direct message persistence.
type MessageStore interface {
	// SaveMessage persists a message and notifies subscribers.
	SaveMessage(ctx context.Context, msg *Message) error

	// MarkMessagesRead marks all messages to the recipient from the sender
	// as read and notifies subscribers.
	MarkMessagesRead(ctx context.Context, recipientID, senderID int64) error

	// CountUnreadMessages counts unread messages addressed to the recipient.
	CountUnreadMessages(ctx context.Context, recipientID int64) (int, error)

	// SubscribeMessages opens a change feed of message events addressed to
	// the given recipient.
	SubscribeMessages(recipientID int64) *Subscription
}

// Store aggregates all storage interfaces.
type Store interface {
	CallStore
	UserStore
	MessageStore

	// Close closes the underlying database connection and all feeds.
	Close() error
}
