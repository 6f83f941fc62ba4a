package http

import (
	"time"

	"github.com/vkravets/ringline/internal/call"
	"github.com/vkravets/ringline/internal/notify"
	"github.com/vkravets/ringline/internal/quality"
)

// CallerPayload is the caller's display profile in API responses.
type CallerPayload struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Online    bool   `json:"online"`
}

// CallPayload represents an incoming call in API responses. Caller is
// omitted when profile resolution failed.
type CallPayload struct {
	ID         string         `json:"id"`
	CallerID   int64          `json:"caller_id"`
	ReceiverID int64          `json:"receiver_id"`
	Status     string         `json:"status"`
	CreatedAt  string         `json:"created_at"`
	Caller     *CallerPayload `json:"caller,omitempty"`
}

// QualityPayload represents a connection quality snapshot in API responses.
type QualityPayload struct {
	Level       string  `json:"level"`
	Label       string  `json:"label"`
	Bars        int     `json:"bars"`
	RTTMillis   float64 `json:"rtt_ms"`
	PacketLoss  float64 `json:"packet_loss_pct"`
	JitterMs    float64 `json:"jitter_ms"`
	BitrateKbps float64 `json:"bitrate_kbps"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

func callToPayload(ic *call.IncomingCall) *CallPayload {
	p := &CallPayload{
		ID:         ic.Record.ID,
		CallerID:   ic.Record.CallerID,
		ReceiverID: ic.Record.ReceiverID,
		Status:     string(ic.Record.Status),
		CreatedAt:  ic.Record.CreatedAt.Format(time.RFC3339),
	}
	if ic.Caller != nil {
		p.Caller = &CallerPayload{
			ID:        ic.Caller.ID,
			Username:  ic.Caller.Username,
			AvatarURL: ic.Caller.AvatarURL,
			Online:    ic.Caller.Online,
		}
	}
	return p
}

func snapshotToPayload(s quality.Snapshot) *QualityPayload {
	p := &QualityPayload{
		Level:       s.Level.String(),
		Label:       s.Label,
		Bars:        s.Bars,
		RTTMillis:   float64(s.RTT) / float64(time.Millisecond),
		PacketLoss:  s.PacketLoss,
		JitterMs:    float64(s.Jitter) / float64(time.Millisecond),
		BitrateKbps: s.BitrateKbps,
	}
	if !s.Timestamp.IsZero() {
		p.Timestamp = s.Timestamp.Format(time.RFC3339)
	}
	return p
}

// IncomingCallEvent builds the event announcing a ringing call.
func IncomingCallEvent(ic *call.IncomingCall) Event {
	return Event{Type: EventIncomingCall, Call: callToPayload(ic)}
}

// CallClearedEvent builds the event announcing that the call slot emptied.
func CallClearedEvent(reason call.ClearReason) Event {
	return Event{Type: EventCallCleared, Reason: string(reason)}
}

// QualityEvent builds the event carrying a fresh quality snapshot.
func QualityEvent(s quality.Snapshot) Event {
	return Event{Type: EventQuality, Quality: snapshotToPayload(s)}
}

// CountsEvent builds the event carrying updated notification counters.
func CountsEvent(c notify.Counts) Event {
	return Event{Type: EventCounts, Counts: &c}
}
