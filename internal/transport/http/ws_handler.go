package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vkravets/ringline/internal/call"
)

// wsActionLimit caps inbound actions per connection per minute.
const wsActionLimit = 60

// Inbound is a client command received over the event stream.
type Inbound struct {
	Action string `json:"action"`
}

// Ack confirms an inbound action or reports its failure.
type Ack struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	Error  string `json:"error,omitempty"`
}

// WSHandler upgrades HTTP connections to the event stream. Outbound traffic
// comes from the broadcaster; inbound messages carry call actions.
type WSHandler struct {
	handlers *Handlers
	events   *Broadcaster
	log      *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(h *Handlers, events *Broadcaster, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{handlers: h, events: events, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	events, cancel := h.events.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if err := h.sendInitialState(ctx, conn); err != nil {
		h.log.Warn().Err(err).Msg("ws initial state write failed")
		return
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, events)
	}()

	err = <-errCh
	stop() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// sendInitialState pushes the held call, latest quality snapshot and current
// counters so a new consumer does not wait for the next change.
func (h *WSHandler) sendInitialState(ctx context.Context, conn *websocket.Conn) error {
	if ic := h.handlers.controller.Current(); ic != nil {
		ev := Event{Type: EventIncomingCall, Call: callToPayload(ic)}
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			return err
		}
	}

	quality := Event{Type: EventQuality, Quality: snapshotToPayload(h.handlers.monitor.Snapshot())}
	if err := wsjson.Write(ctx, conn, quality); err != nil {
		return err
	}

	counts := h.handlers.aggregator.Counts()
	return wsjson.Write(ctx, conn, Event{Type: EventCounts, Counts: &counts})
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn) error {
	limiter := newRateLimiter(wsActionLimit)
	stop := make(chan struct{})
	defer close(stop)
	limiter.startReset(stop)

	for {
		var inbound Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		if !limiter.allow() {
			if err := wsjson.Write(ctx, conn, Ack{Type: "error", Action: inbound.Action, Error: "rate limit exceeded"}); err != nil {
				return err
			}
			continue
		}

		ack := h.handleAction(ctx, inbound.Action)
		if err := wsjson.Write(ctx, conn, ack); err != nil {
			return err
		}
	}
}

func (h *WSHandler) handleAction(ctx context.Context, action string) Ack {
	var err error
	switch action {
	case "accept":
		err = h.handlers.controller.Accept(ctx)
	case "reject":
		err = h.handlers.controller.Reject(ctx)
	case "clear":
		h.handlers.controller.ClearCurrent()
	default:
		return Ack{Type: "error", Action: action, Error: "unknown action"}
	}

	switch {
	case err == nil:
		return Ack{Type: "ack", Action: action}
	case errors.Is(err, call.ErrNoActiveCall):
		return Ack{Type: "error", Action: action, Error: "no active incoming call"}
	default:
		h.log.Warn().Err(err).Str("action", action).Msg("ws action failed")
		return Ack{Type: "error", Action: action, Error: "action failed, try again"}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, events <-chan Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				h.log.Error().Err(err).Str("event_type", ev.Type).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
