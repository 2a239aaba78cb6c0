package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfeidau/paychat/internal/clock"
	"github.com/wolfeidau/paychat/internal/debounce"
	"github.com/wolfeidau/paychat/internal/events"
	"github.com/wolfeidau/paychat/internal/store"
)

const tracerName = "github.com/wolfeidau/paychat/internal/session"

var (
	// ErrNotFound is returned by Update when the principal has no usable session.
	ErrNotFound = errors.New("session not found")

	// ErrRefreshFailed wraps errors from the credential refresher.
	ErrRefreshFailed = errors.New("credential refresh failed")
)

// Persister loads and saves the durable envelope.
type Persister interface {
	Load() (*store.Envelope, error)
	Save(env *store.Envelope) error
}

// Refresher extends the life of a credential with the issuing backend.
type Refresher interface {
	Refresh(ctx context.Context, credential string) error
}

// Options configures a Manager. Store is required.
type Options struct {
	Config    Config
	Store     Persister
	Refresher Refresher
	Clock     clock.Clock
	Bus       *events.Bus[Event]
	Metrics   *Metrics
	Logger    *zerolog.Logger
	Tracer    trace.Tracer

	// Rand returns a number in [0, 1) and drives save-on-read sampling.
	Rand func() float64
}

// Manager owns the session table and its lifecycle: lazy and periodic
// expiry, refresh-ahead, capacity eviction and debounced persistence.
// Table operations never block on I/O.
type Manager struct {
	cfg       Config
	store     Persister
	refresher Refresher
	clock     clock.Clock
	bus       *events.Bus[Event]
	ownsBus   bool
	metrics   *Metrics
	logger    zerolog.Logger
	tracer    trace.Tracer
	rand      func() float64

	mu         sync.Mutex
	table      *table
	refreshing map[PrincipalID]struct{}
	sweepTimer clock.Timer
	closed     bool

	saveMu    sync.Mutex
	writes    *debounce.Debouncer
	ctx       context.Context
	cancel    context.CancelFunc
	refreshWG sync.WaitGroup
}

// Open loads persisted sessions and starts the periodic sweep.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}

	m := &Manager{
		cfg:        opts.Config,
		store:      opts.Store,
		refresher:  opts.Refresher,
		clock:      opts.Clock,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		logger:     log.Logger,
		tracer:     opts.Tracer,
		rand:       opts.Rand,
		table:      newTable(),
		refreshing: make(map[PrincipalID]struct{}),
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.bus == nil {
		m.bus = events.NewBus[Event]()
		m.ownsBus = true
	}
	if m.metrics == nil {
		m.metrics = NewMetrics()
	}
	if opts.Logger != nil {
		m.logger = *opts.Logger
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	if m.rand == nil {
		m.rand = rand.Float64
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.writes = debounce.New(m.clock, m.cfg.SaveDebounce, m.save)

	if err := m.load(ctx); err != nil {
		m.cancel()
		if m.ownsBus {
			m.bus.Close()
		}
		return nil, err
	}

	m.mu.Lock()
	m.sweepTimer = m.clock.AfterFunc(m.cfg.SweepInterval, m.sweepTick)
	m.mu.Unlock()

	return m, nil
}

// Get returns the principal's session. Expired and inactive sessions are
// removed and reported as absent. A hit records activity and may start a
// background refresh; the returned record reflects the state before any
// refresh completes.
func (m *Manager) Get(id PrincipalID) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.liveLocked(id)
	if !ok {
		return Record{}, false
	}

	now := m.clock.Now()
	rec.LastActivity = now

	if m.refreshDueLocked(rec, now) {
		m.startRefreshLocked(rec)
	}

	if m.cfg.SaveOnReadProbability > 0 && m.rand() < m.cfg.SaveOnReadProbability {
		m.writes.Trigger()
	}

	return *rec, true
}

// Set inserts or replaces the principal's session. The credential expiry is
// raised to at least now + MinLifetime.
func (m *Manager) Set(id PrincipalID, rec Record) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	rec.PrincipalID = id
	if floor := now.Add(m.cfg.MinLifetime); rec.CredentialExpiry.Before(floor) {
		rec.CredentialExpiry = floor
	}
	rec.LastActivity = now

	stored := rec
	m.table.put(&stored)
	m.metrics.Inc(MetricCreated)
	m.publishLocked(EventCreated, id, now, stored.State)

	m.enforceCapacityLocked(now, id)
	m.metrics.setSize(m.table.len())
	m.writes.Trigger()

	return rec
}

// Update applies p to the principal's conversation state and records
// activity. It returns ErrNotFound when there is no usable session and
// ErrStateMismatch when p edits a flow that is not current.
func (m *Manager) Update(id PrincipalID, p Patch) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.liveLocked(id)
	if !ok {
		return Record{}, fmt.Errorf("%w: principal %s", ErrNotFound, id)
	}

	next, err := Transition(rec.State, p)
	if err != nil {
		return *rec, err
	}

	now := m.clock.Now()
	rec.State = next
	rec.LastActivity = now

	m.metrics.Inc(MetricStateUpdated)
	m.publishLocked(EventStateUpdated, id, now, next)
	m.writes.Trigger()

	return *rec, nil
}

// Delete removes the principal's session. It reports whether one existed;
// deleting an absent session has no effect.
func (m *Manager) Delete(id PrincipalID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.removeLocked(id, EventDeleted, m.clock.Now()) {
		return false
	}

	m.writes.Trigger()
	return true
}

// Len returns the number of records currently held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.len()
}

// Subscribe registers h for events named name.
func (m *Manager) Subscribe(name string, h events.Handler[Event]) func() {
	return m.bus.Subscribe(name, h)
}

// SubscribeAll registers h for every lifecycle event.
func (m *Manager) SubscribeAll(h events.Handler[Event]) func() {
	return m.bus.SubscribeAll(h)
}

// Metrics returns a snapshot of the lifecycle counters.
func (m *Manager) Metrics() MetricsSnapshot {
	m.mu.Lock()
	m.metrics.setSize(m.table.len())
	m.mu.Unlock()

	return m.metrics.Snapshot()
}

// Flush writes pending changes now. It reports whether a write ran.
func (m *Manager) Flush() bool {
	return m.writes.Flush()
}

// Close stops the sweep, waits for in-flight refreshes, writes pending
// changes and closes the event bus if the Manager created it. A failed final
// write is returned.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.sweepTimer != nil {
		m.sweepTimer.Stop()
	}
	m.mu.Unlock()

	m.cancel()
	err := m.waitRefreshes(ctx)

	if m.writes.Stop() {
		if saveErr := m.persist(); saveErr != nil {
			err = errors.Join(err, fmt.Errorf("final write: %w", saveErr))
		}
	}

	if m.ownsBus {
		m.bus.Close()
	}

	return err
}

// liveLocked returns the record for id, reaping it first if it has expired or
// gone idle.
func (m *Manager) liveLocked(id PrincipalID) (*Record, bool) {
	rec, ok := m.table.get(id)
	if !ok {
		return nil, false
	}

	now := m.clock.Now()
	if reason := m.terminalReason(rec, now); reason != "" {
		m.removeLocked(id, reason, now)
		m.writes.Trigger()
		return nil, false
	}

	return rec, true
}

// removeLocked deletes id and emits the event named reason.
func (m *Manager) removeLocked(id PrincipalID, reason string, now time.Time) bool {
	if _, ok := m.table.remove(id); !ok {
		return false
	}

	switch reason {
	case EventExpired:
		m.metrics.Inc(MetricExpired)
	case EventInactive:
		m.metrics.Inc(MetricInactive)
	case EventEvicted:
		m.metrics.Inc(MetricEvicted)
	case EventDeleted:
		m.metrics.Inc(MetricDeleted)
	}

	m.publishLocked(reason, id, now, nil)
	m.metrics.setSize(m.table.len())

	return true
}

func (m *Manager) publishLocked(name string, id PrincipalID, at time.Time, state ConversationState) {
	m.bus.Publish(Event{
		ID:          uuid.New(),
		Name:        name,
		PrincipalID: id,
		At:          at,
		State:       state,
	})
}

// load populates the table from the store, retrying unreadable files with
// backoff. Corrupt files were already recovered by the store.
func (m *Manager) load(ctx context.Context) error {
	env, err := backoff.Retry(ctx, func() (*store.Envelope, error) {
		env, err := m.store.Load()
		if err != nil && errors.Is(err, store.ErrPersistence) {
			return nil, err
		}
		if err != nil {
			m.metrics.Inc(MetricLoadErrors)
			m.logger.Warn().Err(err).Msg("session store recovered with data loss")
		}
		return env, nil
	},
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(uint(m.cfg.SaveRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.metrics.Inc(MetricLoadErrors)
			m.logger.Warn().Err(err).Dur("next_retry", next).Msg("failed to load session store, will retry")
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("load session store: %w", err)
		}
		m.metrics.Inc(MetricLoadErrors)
		m.logger.Error().Err(err).Msg("session store unavailable, starting empty")
		env = store.NewEnvelope()
	}
	if env == nil {
		env = store.NewEnvelope()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	dropped := 0
	for key, data := range env.Sessions {
		rec, ok, err := recordFromData(key, data)
		if !ok {
			m.logger.Warn().Str("key", key).Msg("dropping record without a principal")
			dropped++
			continue
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("principal", key).Msg("dropping unreadable conversation state")
		}
		if m.terminalReason(&rec, now) != "" {
			dropped++
			continue
		}
		stored := rec
		m.table.put(&stored)
	}

	evicted := m.enforceCapacityLocked(now)
	m.metrics.setSize(m.table.len())

	m.logger.Info().
		Int("sessions", m.table.len()).
		Int("dropped", dropped).
		Int("evicted", evicted).
		Msg("session store loaded")

	if env.NeedsResave() || dropped > 0 || evicted > 0 {
		m.writes.Trigger()
	}

	return nil
}

// save writes the table as it is when the write runs, retrying persistence
// failures with bounded backoff.
func (m *Manager) save() {
	_ = m.persist()
}

// persist writes the current table, retrying persistence failures. The
// returned error has already been logged and counted.
func (m *Manager) persist() error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	ctx, span := m.tracer.Start(context.Background(), "session.save")
	defer span.End()

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		env, err := m.snapshot()
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if err := m.store.Save(env); err != nil {
			if errors.Is(err, store.ErrPersistence) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		span.SetAttributes(attribute.Int("sessions", len(env.Sessions)))
		return struct{}{}, nil
	},
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(uint(m.cfg.SaveRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Warn().Err(err).Dur("next_retry", next).Msg("failed to save session store, will retry")
		}),
	)
	span.SetAttributes(attribute.Int("attempts", attempts))

	if err != nil {
		m.metrics.Inc(MetricSaveErrors)
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		m.logger.Error().Err(err).Int("attempts", attempts).Msg("failed to save session store")
		return err
	}

	m.metrics.Inc(MetricSaves)
	m.metrics.setLastSave(m.clock.Now())
	return nil
}

func (m *Manager) snapshot() (*store.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	env := store.NewEnvelope()
	var err error
	m.table.each(func(rec *Record) {
		if err != nil {
			return
		}
		var data store.RecordData
		data, err = rec.toData()
		env.Sessions[store.Key(int64(rec.PrincipalID))] = data
	})
	if err != nil {
		return nil, err
	}

	return env, nil
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitialInterval
	b.MaxInterval = m.cfg.RetryMaxInterval
	return b
}
