// Package call maintains the single authoritative "current incoming call"
// slot for one receiving party. A controller consumes the call-record change
// feed and applies the state machine pending -> accepted | rejected, with
// ended and missed observed passively. All state mutation happens on one
// consuming goroutine: change events, timer ticks and user commands
// serialize through its loop, so no handler ever interleaves with another.
package call

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vkravets/ringline/internal/cache"
	"github.com/vkravets/ringline/internal/store"
)

// Common errors for controller operations.
var (
	// ErrNoActiveCall is returned by Accept/Reject when no call is held.
	ErrNoActiveCall = errors.New("no active incoming call")
	// ErrClosed is returned after the controller has been torn down.
	ErrClosed = errors.New("controller closed")
	// ErrAlreadySubscribed is returned by a second Subscribe call.
	ErrAlreadySubscribed = errors.New("already subscribed")
)

// ClearReason explains why the held call went away.
type ClearReason string

const (
	// ClearAnswered means this controller accepted the call.
	ClearAnswered ClearReason = "answered"
	// ClearDeclined means this controller rejected the call.
	ClearDeclined ClearReason = "declined"
	// ClearHandledElsewhere means another device won the accept/reject race.
	ClearHandledElsewhere ClearReason = "handled_elsewhere"
	// ClearRemote means a terminal transition was observed from the store
	// (caller canceled, another device answered, call ended).
	ClearRemote ClearReason = "remote"
	// ClearDismissed means the consumer cleared the call locally.
	ClearDismissed ClearReason = "dismissed"
	// ClearMissed means the local ring timeout elapsed unanswered.
	ClearMissed ClearReason = "missed"
)

// IncomingCall is a call record enriched with the caller's display profile.
// Caller is nil when profile resolution failed; a ringing call is never
// dropped because of a lookup failure.
type IncomingCall struct {
	Record store.CallRecord
	Caller *store.Profile
}

const (
	profileCacheSize = 64
	profileCacheTTL  = 5 * time.Minute
	profileTimeout   = 2 * time.Second

	// terminalGuard remembers recently terminated call ids so an insert
	// event arriving after its own terminal update cannot resurrect a
	// dead call. Feeds are ordered per subscription but not across them.
	terminalGuardSize = 32
	terminalGuardTTL  = time.Minute
)

type cmdKind int

const (
	cmdAccept cmdKind = iota
	cmdReject
	cmdClear
)

type command struct {
	kind  cmdKind
	ctx   context.Context
	reply chan error
}

// Options configures a Controller.
type Options struct {
	// RingTimeout clears an unanswered call locally after this duration.
	// Zero disables the policy. The controller never writes a missed
	// transition; that stays with the store side.
	RingTimeout time.Duration

	// OnRinging is invoked from the controller loop when a call becomes
	// current. OnCleared is invoked when the slot empties, with the reason.
	OnRinging func(*IncomingCall)
	OnCleared func(ClearReason)
}

// Controller owns the current-incoming-call slot for one party.
type Controller struct {
	store store.Store
	log   *zerolog.Logger
	opts  Options

	profiles   *cache.Cache
	terminated *cache.Cache

	commands chan command
	done     chan struct{}
	stopped  chan struct{}

	closeOnce sync.Once

	mu         sync.RWMutex
	current    *IncomingCall
	sub        *store.Subscription
	receiverID int64
	started    bool

	// ringC is owned by the loop goroutine; nil while no timer is armed.
	ringTimer *time.Timer
	ringC     <-chan time.Time
}

// NewController creates a controller bound to a store. Subscribe starts it.
func NewController(st store.Store, logger *zerolog.Logger, opts Options) *Controller {
	return &Controller{
		store:      st,
		log:        logger,
		opts:       opts,
		profiles:   cache.New(profileCacheSize, profileCacheTTL),
		terminated: cache.New(terminalGuardSize, terminalGuardTTL),
		commands:   make(chan command),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Subscribe opens the change feed for calls addressed to the party and
// starts the consuming loop. Only one subscription per controller.
func (c *Controller) Subscribe(receiverID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if c.started {
		return ErrAlreadySubscribed
	}

	c.receiverID = receiverID
	c.sub = c.store.SubscribeCalls(receiverID)
	c.started = true
	go c.run(c.sub)

	c.log.Info().Int64("receiver_id", receiverID).Msg("subscribed to incoming calls")
	return nil
}

// Current returns the held incoming call, or nil. The returned value is a
// snapshot and must not be mutated.
func (c *Controller) Current() *IncomingCall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Accept writes status=accepted with started_at=now to the held call's
// record, then clears the slot. Losing the cross-device race is not an
// error: the slot is cleared silently. A genuine write failure is returned
// and the held call preserved so the operation can be retried.
func (c *Controller) Accept(ctx context.Context) error {
	return c.dispatch(ctx, cmdAccept)
}

// Reject writes status=rejected to the held call's record, then clears the
// slot. Never sets started_at. Failure semantics match Accept.
func (c *Controller) Reject(ctx context.Context) error {
	return c.dispatch(ctx, cmdReject)
}

// ClearCurrent unconditionally clears the slot locally with no network
// effect, e.g. when the consumer dismissed the call screen.
func (c *Controller) ClearCurrent() {
	_ = c.dispatch(context.Background(), cmdClear)
}

// Close tears the controller down: the loop exits, the subscription is
// released, and no local state mutates afterwards even if a change event
// was still in flight. Safe to call multiple times.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		started := c.started
		sub := c.sub
		c.mu.Unlock()

		if started {
			<-c.stopped
		}
		if sub != nil {
			sub.Close()
		}
		c.log.Info().Msg("incoming call controller closed")
	})
}

func (c *Controller) dispatch(ctx context.Context, kind cmdKind) error {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if !started {
		return ErrNoActiveCall
	}

	cmd := command{kind: kind, ctx: ctx, reply: make(chan error, 1)}
	select {
	case c.commands <- cmd:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-c.stopped:
		return ErrClosed
	}
}

// run is the single consuming loop. It alone mutates controller state.
func (c *Controller) run(sub *store.Subscription) {
	defer close(c.stopped)
	defer func() {
		c.stopRingTimer()
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}()

	events := sub.C
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				// Feed closed underneath us (store shut down). Keep
				// serving commands until Close.
				events = nil
				continue
			}
			c.handleEvent(ev)
		case <-c.ringC:
			c.log.Info().Msg("ring timeout elapsed, clearing unanswered call")
			c.clearCurrent(ClearMissed)
		case cmd := <-c.commands:
			cmd.reply <- c.handleCommand(cmd)
		}
	}
}

func (c *Controller) handleEvent(ev store.ChangeEvent) {
	if ev.Call == nil {
		return
	}
	switch ev.Kind {
	case store.ChangeInsert:
		c.handleInsert(ev.Call)
	case store.ChangeUpdate:
		c.handleUpdate(ev.Call)
	}
}

// handleInsert replaces the held call unconditionally: a receiver handles
// one ring at a time, and the most recent pending call wins.
func (c *Controller) handleInsert(rec *store.CallRecord) {
	if rec.Status != store.CallStatusPending {
		return
	}
	if c.terminated.Has(rec.ID) {
		// An update already marked this call terminal; the insert event
		// lost the race across subscriptions and must not resurrect it.
		c.log.Debug().Str("call_id", rec.ID).Msg("ignoring insert for terminated call")
		return
	}

	ic := &IncomingCall{Record: *rec}
	ic.Caller = c.resolveProfile(rec.CallerID)

	c.mu.Lock()
	replaced := c.current != nil
	c.current = ic
	c.mu.Unlock()

	c.resetRingTimer()

	c.log.Info().
		Str("call_id", rec.ID).
		Int64("caller_id", rec.CallerID).
		Bool("replaced_previous", replaced).
		Msg("incoming call ringing")

	if c.opts.OnRinging != nil {
		c.opts.OnRinging(ic)
	}
}

// handleUpdate clears the held call when its record left the pending state:
// another device answered, or the caller canceled.
func (c *Controller) handleUpdate(rec *store.CallRecord) {
	if rec.Status == store.CallStatusPending {
		return
	}
	c.terminated.Set(rec.ID, struct{}{})

	c.mu.RLock()
	held := c.current != nil && c.current.Record.ID == rec.ID
	c.mu.RUnlock()
	if !held {
		return
	}

	c.log.Info().
		Str("call_id", rec.ID).
		Str("status", string(rec.Status)).
		Msg("held call transitioned remotely")
	c.clearCurrent(ClearRemote)
}

// resolveProfile is best-effort: a lookup failure surfaces the bare record
// rather than dropping a ringing call.
func (c *Controller) resolveProfile(callerID int64) *store.Profile {
	key := strconv.FormatInt(callerID, 10)
	if v, ok := c.profiles.Get(key); ok {
		return v.(*store.Profile)
	}

	ctx, cancel := context.WithTimeout(context.Background(), profileTimeout)
	defer cancel()

	profile, err := c.store.GetProfile(ctx, callerID)
	if err != nil {
		c.log.Warn().Err(err).Int64("caller_id", callerID).Msg("caller profile unavailable, surfacing bare record")
		return nil
	}
	c.profiles.Set(key, profile)
	return profile
}

func (c *Controller) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdAccept:
		return c.answer(cmd.ctx, store.CallStatusAccepted)
	case cmdReject:
		return c.answer(cmd.ctx, store.CallStatusRejected)
	case cmdClear:
		c.clearCurrent(ClearDismissed)
		return nil
	default:
		return fmt.Errorf("unknown command %d", cmd.kind)
	}
}

// answer performs the conditional status write. The update only succeeds
// while the record is still pending; a conflict means someone else handled
// the call and is resolved by a silent local clear.
func (c *Controller) answer(ctx context.Context, status store.CallStatus) error {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()
	if cur == nil {
		return ErrNoActiveCall
	}

	update := store.CallUpdate{Status: status}
	if status == store.CallStatusAccepted {
		now := time.Now()
		update.StartedAt = &now
	}

	_, err := c.store.UpdateCallStatus(ctx, cur.Record.ID, store.CallStatusPending, update)
	switch {
	case err == nil:
		reason := ClearAnswered
		if status == store.CallStatusRejected {
			reason = ClearDeclined
		}
		c.terminated.Set(cur.Record.ID, struct{}{})
		c.clearCurrent(reason)
		return nil
	case errors.Is(err, store.ErrStatusConflict):
		c.log.Info().Str("call_id", cur.Record.ID).Msg("call already handled by another device")
		c.terminated.Set(cur.Record.ID, struct{}{})
		c.clearCurrent(ClearHandledElsewhere)
		return nil
	default:
		// Held call stays so the caller can retry.
		return fmt.Errorf("write %s: %w", status, err)
	}
}

func (c *Controller) clearCurrent(reason ClearReason) {
	c.stopRingTimer()

	c.mu.Lock()
	had := c.current != nil
	c.current = nil
	c.mu.Unlock()

	if had && c.opts.OnCleared != nil {
		c.opts.OnCleared(reason)
	}
}

// resetRingTimer arms the local auto-miss timer. Loop goroutine only.
func (c *Controller) resetRingTimer() {
	c.stopRingTimer()
	if c.opts.RingTimeout <= 0 {
		return
	}
	c.ringTimer = time.NewTimer(c.opts.RingTimeout)
	c.ringC = c.ringTimer.C
}

func (c *Controller) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
		c.ringC = nil
	}
}
