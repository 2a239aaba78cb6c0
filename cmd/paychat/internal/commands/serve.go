package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/paychat/internal/issuer"
	"github.com/wolfeidau/paychat/internal/logger"
	"github.com/wolfeidau/paychat/internal/session"
	"github.com/wolfeidau/paychat/internal/telemetry"
)

type ServeCmd struct {
	Telemetry       bool          `help:"Export metrics and traces over OTLP." env:"PAYCHAT_TELEMETRY"`
	StatusInterval  time.Duration `help:"How often to log a status line." default:"1m"`
	ShutdownTimeout time.Duration `help:"Maximum time to wait for the final write on shutdown." default:"10s"`
}

func (s *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	cfg, err := loadConfig(globals)
	if err != nil {
		return err
	}

	log.Info().
		Str("version", globals.Version).
		Bool("debug", globals.Debug).
		Str("store", cfg.Store.Path).
		Str("issuer", cfg.Issuer.BaseURL).
		Msg("Starting session service")

	if s.Telemetry || cfg.Telemetry.Enabled {
		log.Info().Msg("Telemetry is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Settings{
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     globals.Version,
			Environment: cfg.Telemetry.Environment,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	client, err := issuer.New(cfg.Issuer, issuer.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create issuer client: %w", err)
	}

	manager, err := openManager(ctx, cfg, log, client)
	if err != nil {
		return err
	}

	unsubscribe := manager.SubscribeAll(logEvent(log))
	defer unsubscribe()

	metrics, err := telemetry.RegisterSessionMetrics(manager)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to register session metrics")
	} else {
		defer metrics.Close()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Int("sessions", manager.Len()).Msg("Session service ready")

	ticker := time.NewTicker(s.StatusInterval)
	defer ticker.Stop()

	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-ticker.C:
			logStatus(log, manager.Metrics())
		}
	}

	log.Info().Msg("Shutting down session service")

	closeCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	if err := manager.Close(closeCtx); err != nil {
		log.Error().Err(err).Msg("Failed to close session store cleanly")
		return err
	}

	logStatus(log, manager.Metrics())

	return nil
}

func logEvent(log zerolog.Logger) func(session.Event) {
	return func(ev session.Event) {
		e := log.Debug().
			Str("event", ev.Name).
			Str("event_id", ev.ID.String()).
			Stringer("principal", ev.PrincipalID).
			Time("at", ev.At)
		if ev.State != nil {
			e = e.Str("action", string(ev.State.Action()))
		}
		e.Msg("session event")
	}
}

func logStatus(log zerolog.Logger, snap session.MetricsSnapshot) {
	e := log.Info().Int("sessions", snap.Size)
	for _, id := range session.MetricIDs() {
		e = e.Uint64(id.String(), snap.Counters[id])
	}
	if !snap.LastSave.IsZero() {
		e = e.Time("last_save", snap.LastSave)
	}
	e.Msg("session status")
}
