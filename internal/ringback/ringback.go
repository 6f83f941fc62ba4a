// Package ringback plays the audible ringing feedback heard while an
// incoming call awaits a decision. It synthesizes a dual-tone burst pattern
// once per session, loops it on a repeating schedule, and guarantees that
// teardown releases every audio resource no matter how it is reached.
package ringback

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink is an audio output opened for one ringback session. Play queues a
// PCM buffer for playback, Halt silences anything in flight, Close releases
// the device. The scheduler owns the sink exclusively between Start and Stop.
type Sink interface {
	Play(pcm []int16) error
	Halt() error
	Close() error
}

// SinkFactory opens a fresh sink. Called once per Start.
type SinkFactory func() (Sink, error)

// Config controls waveform synthesis and scheduling.
type Config struct {
	SampleRate int     // samples per second
	ToneA      float64 // Hz
	ToneB      float64 // Hz
	BurstOn    time.Duration
	BurstOff   time.Duration

	// RetriggerSlack is added to one buffer's duration to form the
	// retrigger period, keeping consecutive bursts from overlapping.
	RetriggerSlack time.Duration

	// SettleDelay is waited after stopping a previous session before a
	// restart, so two oscillators never overlap.
	SettleDelay time.Duration
}

// DefaultConfig returns the standard ringback tone: 440+480 Hz bursts,
// 0.4s on / 0.2s off.
func DefaultConfig() Config {
	return Config{
		SampleRate:     8000,
		ToneA:          440,
		ToneB:          480,
		BurstOn:        400 * time.Millisecond,
		BurstOff:       200 * time.Millisecond,
		RetriggerSlack: 25 * time.Millisecond,
		SettleDelay:    60 * time.Millisecond,
	}
}

// Scheduler drives ringback playback for one session at a time.
type Scheduler struct {
	log  *zerolog.Logger
	open SinkFactory
	cfg  Config

	mu      sync.Mutex
	tone    []int16 // cached waveform, cleared on Stop
	sink    Sink
	ticker  *time.Ticker
	stop    chan struct{}
	playing bool
}

// NewScheduler creates a ringback scheduler. The factory is invoked on each
// Start to open the audio output.
func NewScheduler(logger *zerolog.Logger, open SinkFactory, cfg Config) *Scheduler {
	if cfg.SampleRate <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{log: logger, open: open, cfg: cfg}
}

// Playing reports whether a session is currently active.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Start begins looped ringback playback. If a session is already playing it
// is stopped first and a short settle delay elapses before the restart. The
// waveform is synthesized lazily and cached for the session.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.playing {
		s.stopLocked()
		time.Sleep(s.cfg.SettleDelay)
	}

	if s.tone == nil {
		s.tone = Synthesize(s.cfg)
	}

	sink, err := s.open()
	if err != nil {
		return err
	}
	s.sink = sink

	period := time.Duration(len(s.tone)) * time.Second / time.Duration(s.cfg.SampleRate)
	period += s.cfg.RetriggerSlack

	s.ticker = time.NewTicker(period)
	s.stop = make(chan struct{})
	s.playing = true

	go s.loop(sink, s.tone, s.ticker, s.stop)

	s.log.Debug().Dur("period", period).Msg("ringback started")
	return nil
}

// loop re-triggers playback each period until stopped. The first burst plays
// immediately.
func (s *Scheduler) loop(sink Sink, tone []int16, ticker *time.Ticker, stop chan struct{}) {
	s.play(sink, tone)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.play(sink, tone)
		}
	}
}

func (s *Scheduler) play(sink Sink, tone []int16) {
	if err := sink.Play(tone); err != nil {
		// The sink may already be released by a racing Stop; that is not
		// an error for this session.
		s.log.Debug().Err(err).Msg("ringback play skipped")
	}
}

// Stop halts playback and releases all audio resources. Safe to call any
// number of times, including before any Start. After Stop returns no further
// audio is triggered, and a subsequent Start resynthesizes fresh state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// stopLocked releases in strict order: schedule first so nothing re-triggers
// playback into released resources, then in-flight playback, then the output
// device. Release errors are swallowed; teardown must never fail. Caller
// holds mu.
func (s *Scheduler) stopLocked() {
	if !s.playing {
		return
	}

	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.stop = nil

	if err := s.sink.Halt(); err != nil {
		s.log.Debug().Err(err).Msg("ringback halt error ignored")
	}
	if err := s.sink.Close(); err != nil {
		s.log.Debug().Err(err).Msg("ringback close error ignored")
	}
	s.sink = nil
	s.tone = nil
	s.playing = false

	s.log.Debug().Msg("ringback stopped")
}
