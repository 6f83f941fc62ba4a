// Package notify derives pending-call and unread-message counters from the
// store. It is not a state machine: every change signal triggers a plain
// recompute from count queries.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vkravets/ringline/internal/store"
)

const queryTimeout = 3 * time.Second

// Counts holds the derived notification counters.
type Counts struct {
	UnreadMessages int `json:"unread_messages"`
	PendingCalls   int `json:"pending_calls"`
}

// Aggregator recomputes counters on demand and on change notifications for
// the messages and calls collections scoped to one party.
type Aggregator struct {
	store    store.Store
	log      *zerolog.Logger
	userID   int64
	onChange func(Counts)

	mu     sync.RWMutex
	counts Counts

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	started   bool
}

// NewAggregator creates an aggregator for the given party. A zero userID
// means unauthenticated: counters stay zero and no feeds are opened.
// onChange may be nil.
func NewAggregator(st store.Store, logger *zerolog.Logger, userID int64, onChange func(Counts)) *Aggregator {
	return &Aggregator{
		store:    st,
		log:      logger,
		userID:   userID,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start computes the initial counters and begins watching both change feeds.
func (a *Aggregator) Start(ctx context.Context) error {
	if a.userID <= 0 {
		a.log.Debug().Msg("no party configured, notification counts stay zero")
		close(a.stopped)
		return nil
	}

	if err := a.Refresh(ctx); err != nil {
		a.log.Warn().Err(err).Msg("initial notification count failed")
	}

	msgSub := a.store.SubscribeMessages(a.userID)
	callSub := a.store.SubscribeCalls(a.userID)
	a.started = true

	go a.run(msgSub, callSub)
	return nil
}

func (a *Aggregator) run(msgSub, callSub *store.Subscription) {
	defer close(a.stopped)
	defer msgSub.Close()
	defer callSub.Close()

	msgs, calls := msgSub.C, callSub.C
	for {
		select {
		case <-a.done:
			return
		case _, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			a.recompute()
		case _, ok := <-calls:
			if !ok {
				calls = nil
				continue
			}
			a.recompute()
		}
	}
}

// Refresh recomputes both counters immediately.
func (a *Aggregator) Refresh(ctx context.Context) error {
	if a.userID <= 0 {
		return nil
	}

	unread, err := a.store.CountUnreadMessages(ctx, a.userID)
	if err != nil {
		return err
	}
	pending, err := a.store.CountPendingCalls(ctx, a.userID)
	if err != nil {
		return err
	}

	a.publish(Counts{UnreadMessages: unread, PendingCalls: pending})
	return nil
}

// recompute is the change-signal path: failures are logged and the previous
// counts retained.
func (a *Aggregator) recompute() {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err := a.Refresh(ctx); err != nil {
		a.log.Warn().Err(err).Msg("notification count refresh failed, keeping previous")
	}
}

func (a *Aggregator) publish(counts Counts) {
	a.mu.Lock()
	changed := counts != a.counts
	a.counts = counts
	cb := a.onChange
	a.mu.Unlock()

	if changed && cb != nil {
		cb(counts)
	}
}

// Counts returns the latest counters.
func (a *Aggregator) Counts() Counts {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.counts
}

// Close stops watching. Idempotent.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		if a.started {
			<-a.stopped
		}
	})
}
