// Package app wires the store, call controller, quality monitor, ringback
// scheduler and notification aggregator together behind the HTTP server.
package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vkravets/ringline/internal/call"
	"github.com/vkravets/ringline/internal/config"
	"github.com/vkravets/ringline/internal/notify"
	"github.com/vkravets/ringline/internal/quality"
	"github.com/vkravets/ringline/internal/ringback"
	"github.com/vkravets/ringline/internal/store"
	"github.com/vkravets/ringline/internal/store/sqlite"
	transporthttp "github.com/vkravets/ringline/internal/transport/http"
)

// App owns the component lifecycles.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration

	store      store.Store
	controller *call.Controller
	monitor    *quality.Monitor
	ringer     *ringback.Scheduler
	aggregator *notify.Aggregator
	events     *transporthttp.Broadcaster

	receiverID int64
	log        *zerolog.Logger
}

// New constructs the application with the provided configuration. The sink
// factory opens the audio output for ringback; pass ringback.DiscardSink()
// to run silent.
func New(cfg config.Config, logger *zerolog.Logger, sink ringback.SinkFactory) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	events := transporthttp.NewBroadcaster(logger)

	if sink == nil {
		sink = ringback.DiscardSink()
	}
	ringer := ringback.NewScheduler(logger, sink, ringback.DefaultConfig())

	ctrl := call.NewController(st, logger, call.Options{
		RingTimeout: cfg.RingTimeout,
		OnRinging: func(ic *call.IncomingCall) {
			if err := ringer.Start(); err != nil {
				logger.Warn().Err(err).Msg("ringback start failed")
			}
			events.Publish(transporthttp.IncomingCallEvent(ic))
		},
		OnCleared: func(reason call.ClearReason) {
			ringer.Stop()
			events.Publish(transporthttp.CallClearedEvent(reason))
		},
	})

	mon := quality.NewMonitor(logger, cfg.QualityPollInterval, quality.DefaultThresholds())
	mon.SetOnSnapshot(func(s quality.Snapshot) {
		events.Publish(transporthttp.QualityEvent(s))
	})

	agg := notify.NewAggregator(st, logger, cfg.ReceiverID, func(c notify.Counts) {
		events.Publish(transporthttp.CountsEvent(c))
	})

	handlers := transporthttp.NewHandlers(ctrl, mon, ringer, agg, logger)
	server := transporthttp.NewServer(handlers, events, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		store:           st,
		controller:      ctrl,
		monitor:         mon,
		ringer:          ringer,
		aggregator:      agg,
		events:          events,
		receiverID:      cfg.ReceiverID,
		log:             logger,
	}, nil
}

// Monitor exposes the quality monitor so a transport can be attached once a
// media session exists.
func (a *App) Monitor() *quality.Monitor {
	return a.monitor
}

// Run starts the components and the HTTP server, then blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	if a.receiverID > 0 {
		if err := a.controller.Subscribe(a.receiverID); err != nil {
			a.cleanup()
			return fmt.Errorf("subscribe incoming calls: %w", err)
		}
	} else {
		a.log.Info().Msg("no receiver configured, incoming call handling idle")
	}

	if err := a.aggregator.Start(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("start notification aggregator: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup tears components down in dependency order: producers first, then
// the event fan-out, then the store.
func (a *App) cleanup() {
	a.controller.Close()
	a.monitor.Close()
	a.ringer.Stop()
	a.aggregator.Close()
	a.events.Close()

	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close store")
	} else {
		a.log.Info().Msg("store closed")
	}
}
