package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vkravets/ringline/internal/log"
	"github.com/vkravets/ringline/internal/store"
	"github.com/vkravets/ringline/internal/utils"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := New(":memory:", log.Nop())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func pendingCall(caller, receiver int64) *store.CallRecord {
	return &store.CallRecord{
		ID:         utils.NewID(),
		CallerID:   caller,
		ReceiverID: receiver,
		Status:     store.CallStatusPending,
	}
}

func recvEvent(t *testing.T, sub *store.Subscription) store.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("change feed closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return store.ChangeEvent{}
}

func TestCreateAndGetCall(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	call := pendingCall(1, 2)
	if err := st.CreateCall(ctx, call); err != nil {
		t.Fatalf("create call: %v", err)
	}

	got, err := st.GetCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.ID != call.ID || got.CallerID != 1 || got.ReceiverID != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Status != store.CallStatusPending {
		t.Fatalf("expected pending, got %q", got.Status)
	}
	if got.StartedAt != nil {
		t.Fatal("started_at must be unset on a new call")
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("created_at must be filled in")
	}
}

func TestGetCallNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetCall(context.Background(), "missing")
	if !errors.Is(err, store.ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestUpdateCallStatusConditional(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	call := pendingCall(1, 2)
	if err := st.CreateCall(ctx, call); err != nil {
		t.Fatalf("create call: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	rec, err := st.UpdateCallStatus(ctx, call.ID, store.CallStatusPending, store.CallUpdate{
		Status:    store.CallStatusAccepted,
		StartedAt: &started,
	})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if rec.Status != store.CallStatusAccepted {
		t.Fatalf("expected accepted, got %q", rec.Status)
	}
	if rec.StartedAt == nil {
		t.Fatal("started_at must be set on acceptance")
	}

	// A second writer expecting pending loses.
	_, err = st.UpdateCallStatus(ctx, call.ID, store.CallStatusPending, store.CallUpdate{
		Status: store.CallStatusRejected,
	})
	if !errors.Is(err, store.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	// The loser did not clobber the record.
	got, err := st.GetCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.Status != store.CallStatusAccepted {
		t.Fatalf("conflicting write must not apply, got %q", got.Status)
	}
}

func TestUpdateCallStatusMissingRecord(t *testing.T) {
	st := newTestStore(t)

	_, err := st.UpdateCallStatus(context.Background(), "missing", store.CallStatusPending, store.CallUpdate{
		Status: store.CallStatusAccepted,
	})
	if !errors.Is(err, store.ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestUpdatePreservesStartedAt(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	call := pendingCall(1, 2)
	if err := st.CreateCall(ctx, call); err != nil {
		t.Fatalf("create call: %v", err)
	}

	started := time.Now().UTC().Truncate(time.Second)
	if _, err := st.UpdateCallStatus(ctx, call.ID, store.CallStatusPending, store.CallUpdate{
		Status:    store.CallStatusAccepted,
		StartedAt: &started,
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	ended := started.Add(time.Minute)
	rec, err := st.UpdateCallStatus(ctx, call.ID, store.CallStatusAccepted, store.CallUpdate{
		Status:  store.CallStatusEnded,
		EndedAt: &ended,
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if rec.StartedAt == nil || !rec.StartedAt.Equal(started) {
		t.Fatalf("started_at must survive later updates, got %v", rec.StartedAt)
	}
	if rec.EndedAt == nil || !rec.EndedAt.Equal(ended) {
		t.Fatalf("ended_at not applied, got %v", rec.EndedAt)
	}
}

func TestCallFeedDeliversAndFilters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sub := st.SubscribeCalls(2)
	defer sub.Close()

	// A call for another receiver never reaches this feed.
	if err := st.CreateCall(ctx, pendingCall(1, 9)); err != nil {
		t.Fatalf("create other call: %v", err)
	}

	call := pendingCall(1, 2)
	if err := st.CreateCall(ctx, call); err != nil {
		t.Fatalf("create call: %v", err)
	}

	ev := recvEvent(t, sub)
	if ev.Kind != store.ChangeInsert {
		t.Fatalf("expected insert event, got %v", ev.Kind)
	}
	if ev.Call == nil || ev.Call.ID != call.ID {
		t.Fatalf("wrong call on feed: %+v", ev.Call)
	}

	if _, err := st.UpdateCallStatus(ctx, call.ID, store.CallStatusPending, store.CallUpdate{
		Status: store.CallStatusEnded,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	ev = recvEvent(t, sub)
	if ev.Kind != store.ChangeUpdate || ev.Call.Status != store.CallStatusEnded {
		t.Fatalf("expected ended update event, got %+v", ev)
	}
}

func TestMessageFeed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sub := st.SubscribeMessages(2)
	defer sub.Close()

	msg := &store.Message{ID: utils.NewID(), SenderID: 1, RecipientID: 2, Body: "hello"}
	if err := st.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("save message: %v", err)
	}

	ev := recvEvent(t, sub)
	if ev.Kind != store.ChangeInsert || ev.Message == nil || ev.Message.ID != msg.ID {
		t.Fatalf("unexpected event: %+v", ev)
	}

	if err := st.MarkMessagesRead(ctx, 2, 1); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	ev = recvEvent(t, sub)
	if ev.Kind != store.ChangeUpdate {
		t.Fatalf("expected update event after mark read, got %v", ev.Kind)
	}

	// Marking again is a no-op and must not emit.
	if err := st.MarkMessagesRead(ctx, 2, 1); err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event for no-op mark read: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCounts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := st.CreateCall(ctx, pendingCall(1, 2)); err != nil {
			t.Fatalf("create call: %v", err)
		}
	}
	ended := pendingCall(1, 2)
	if err := st.CreateCall(ctx, ended); err != nil {
		t.Fatalf("create call: %v", err)
	}
	if _, err := st.UpdateCallStatus(ctx, ended.ID, store.CallStatusPending, store.CallUpdate{
		Status: store.CallStatusEnded,
	}); err != nil {
		t.Fatalf("end call: %v", err)
	}

	n, err := st.CountPendingCalls(ctx, 2)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 pending calls, got %d", n)
	}

	for i := 0; i < 2; i++ {
		msg := &store.Message{ID: utils.NewID(), SenderID: 1, RecipientID: 2, Body: "x"}
		if err := st.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("save message: %v", err)
		}
	}
	read := &store.Message{ID: utils.NewID(), SenderID: 1, RecipientID: 2, Body: "x", Read: true}
	if err := st.SaveMessage(ctx, read); err != nil {
		t.Fatalf("save read message: %v", err)
	}

	n, err = st.CountUnreadMessages(ctx, 2)
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 unread messages, got %d", n)
	}
}

func TestUsers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p, err := st.CreateUser(ctx, "alice", "https://example.com/a.png")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if p.ID == 0 || p.Username != "alice" || p.Online {
		t.Fatalf("unexpected profile: %+v", p)
	}

	if err := st.SetOnline(ctx, p.ID, true); err != nil {
		t.Fatalf("set online: %v", err)
	}
	got, err := st.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if !got.Online {
		t.Fatal("online flag not persisted")
	}

	if err := st.SetOnline(ctx, 999, true); err == nil || !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := st.GetProfile(ctx, 999); !errors.Is(err, store.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	st := newTestStore(t)

	sub := st.SubscribeCalls(2)
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C; ok {
		t.Fatal("channel must be closed after Close")
	}

	// Writes after unsubscribe must not panic.
	if err := st.CreateCall(context.Background(), pendingCall(1, 2)); err != nil {
		t.Fatalf("create call: %v", err)
	}
}

func TestStoreCloseClosesFeeds(t *testing.T) {
	st, err := New(":memory:", log.Nop())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	sub := st.SubscribeCalls(2)
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, ok := <-sub.C; ok {
		t.Fatal("feed must be closed when the store closes")
	}

	// Subscribing after close yields an already-closed feed.
	late := st.SubscribeMessages(2)
	if _, ok := <-late.C; ok {
		t.Fatal("post-close subscription must be closed")
	}
	late.Close()
}
