package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/paychat/internal/clock"
	"github.com/wolfeidau/paychat/internal/codec"
	"github.com/wolfeidau/paychat/internal/store"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type memStore struct {
	mu        sync.Mutex
	env       *store.Envelope
	saves     int
	loadFails int
	saveFails int
	saveErr   error
}

func (s *memStore) Load() (*store.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadFails > 0 {
		s.loadFails--
		return store.NewEnvelope(), fmt.Errorf("%w: disk unavailable", store.ErrPersistence)
	}
	if s.env == nil {
		return store.NewEnvelope(), nil
	}
	return s.env, nil
}

func (s *memStore) Save(env *store.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveFails > 0 {
		s.saveFails--
		return s.saveErr
	}
	s.saves++
	s.env = env
	return nil
}

func (s *memStore) saved() (int, *store.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves, s.env
}

type fakeRefresher struct {
	mu      sync.Mutex
	calls   []string
	err     error
	release chan struct{}
}

func (r *fakeRefresher) Refresh(ctx context.Context, credential string) error {
	r.mu.Lock()
	r.calls = append(r.calls, credential)
	err, release := r.err, r.release
	r.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (r *fakeRefresher) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	m         *Manager
	clock     *clock.Fake
	store     *memStore
	refresher *fakeRefresher
	rec       *recorder
}

// events waits for delivery of everything published so far.
func (h *harness) events() *recorder {
	h.m.bus.Sync()
	return h.rec
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.waitRefreshes(context.Background()))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SweepInterval = 48 * time.Hour
	cfg.SaveOnReadProbability = 0
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 2 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg Config, mutate ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		clock:     clock.NewFake(t0),
		store:     &memStore{},
		refresher: &fakeRefresher{},
		rec:       &recorder{},
	}
	logger := zerolog.Nop()

	opts := Options{
		Config:    cfg,
		Store:     h.store,
		Refresher: h.refresher,
		Clock:     h.clock,
		Logger:    &logger,
		Rand:      func() float64 { return 0.99 },
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	m, err := Open(context.Background(), opts)
	require.NoError(t, err)
	m.SubscribeAll(h.rec.handle)
	h.m = m

	t.Cleanup(func() {
		_ = m.Close(context.Background())
	})

	return h
}

func credentialFor(id PrincipalID, expiry time.Time) Record {
	return Record{
		Credential:       "token-" + id.String(),
		CredentialExpiry: expiry,
		OrganizationID:   "org-1",
	}
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 0

	_, err := Open(context.Background(), Options{Config: cfg, Store: &memStore{}})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Open(context.Background(), Options{Config: testConfig()})
	require.Error(t, err)
}

func TestManager_Set(t *testing.T) {
	t.Run("clamps short expiry to minimum lifetime", func(t *testing.T) {
		h := newHarness(t, testConfig())

		got := h.m.Set(1, credentialFor(1, t0.Add(10*time.Minute)))
		assert.Equal(t, t0.Add(time.Hour), got.CredentialExpiry)
		assert.Equal(t, t0, got.LastActivity)
		assert.Equal(t, PrincipalID(1), got.PrincipalID)
	})

	t.Run("keeps longer expiry", func(t *testing.T) {
		h := newHarness(t, testConfig())

		got := h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))
		assert.Equal(t, t0.Add(2*time.Hour), got.CredentialExpiry)
	})

	t.Run("emits created and schedules a write", func(t *testing.T) {
		h := newHarness(t, testConfig())

		h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))
		assert.True(t, h.m.writes.Pending())

		created := h.events().named(EventCreated)
		require.Len(t, created, 1)
		assert.Equal(t, PrincipalID(1), created[0].PrincipalID)
		assert.Equal(t, uint64(1), h.m.Metrics().Counters[MetricCreated])
	})

	t.Run("replaces an existing record", func(t *testing.T) {
		h := newHarness(t, testConfig())

		h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))
		rec := credentialFor(1, t0.Add(3*time.Hour))
		rec.Credential = "rotated"
		h.m.Set(1, rec)

		got, ok := h.m.Get(1)
		require.True(t, ok)
		assert.Equal(t, "rotated", got.Credential)
		assert.Equal(t, 1, h.m.Len())
	})
}

func TestManager_GetExpired(t *testing.T) {
	h := newHarness(t, testConfig())
	h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))

	h.clock.Advance(2 * time.Hour)

	_, ok := h.m.Get(1)
	assert.False(t, ok)
	_, ok = h.m.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, h.m.Len())

	assert.Len(t, h.events().named(EventExpired), 1)
	assert.Empty(t, h.events().named(EventInactive))
	assert.Equal(t, uint64(1), h.m.Metrics().Counters[MetricExpired])
}

func TestManager_GetInactive(t *testing.T) {
	h := newHarness(t, testConfig())
	h.m.Set(1, credentialFor(1, t0.Add(72*time.Hour)))

	h.clock.Advance(24 * time.Hour)
	_, ok := h.m.Get(1)
	require.True(t, ok, "exactly at the timeout the record is still live")

	h.clock.Advance(24*time.Hour + time.Second)
	_, ok = h.m.Get(1)
	assert.False(t, ok)

	assert.Len(t, h.events().named(EventInactive), 1)
}

func TestManager_GetRecordsActivity(t *testing.T) {
	h := newHarness(t, testConfig())
	h.m.Set(1, credentialFor(1, t0.Add(72*time.Hour)))

	for range 3 {
		h.clock.Advance(20 * time.Hour)
		got, ok := h.m.Get(1)
		require.True(t, ok)
		assert.Equal(t, h.clock.Now(), got.LastActivity)
	}
}

func TestManager_Delete(t *testing.T) {
	h := newHarness(t, testConfig())
	h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))

	assert.True(t, h.m.Delete(1))
	assert.False(t, h.m.Delete(1))
	assert.False(t, h.m.Delete(99))

	_, ok := h.m.Get(1)
	assert.False(t, ok)
	assert.Len(t, h.events().named(EventDeleted), 1)
}

func TestManager_CapacityEviction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 100
	h := newHarness(t, cfg)

	for i := 1; i <= 150; i++ {
		h.m.Set(PrincipalID(i), credentialFor(PrincipalID(i), t0.Add(72*time.Hour)))
		h.clock.Advance(time.Second)
	}

	assert.LessOrEqual(t, h.m.Len(), cfg.MaxSessions)
	assert.Equal(t, 87, h.m.Len())

	evicted := h.events().named(EventEvicted)
	assert.Len(t, evicted, 63)
	assert.Equal(t, PrincipalID(1), evicted[0].PrincipalID, "most idle record goes first")

	_, ok := h.m.Get(150)
	assert.True(t, ok)
	_, ok = h.m.Get(1)
	assert.False(t, ok)
}

func TestManager_CapacityPrefersIdleRecords(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 4
	cfg.EvictFraction = 0.4
	h := newHarness(t, cfg)

	for i := 1; i <= 4; i++ {
		h.m.Set(PrincipalID(i), credentialFor(PrincipalID(i), t0.Add(72*time.Hour)))
		h.clock.Advance(time.Minute)
	}

	// touch the oldest so 2 and 3 become the most idle
	_, ok := h.m.Get(1)
	require.True(t, ok)

	h.m.Set(5, credentialFor(5, t0.Add(72*time.Hour)))

	assert.Equal(t, 3, h.m.Len())
	for _, id := range []PrincipalID{1, 4, 5} {
		_, ok := h.m.Get(id)
		assert.True(t, ok, "principal %s", id)
	}
}

func TestManager_CapacityKeepsInsertedRecord(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 3
	cfg.EvictFraction = 0.5
	h := newHarness(t, cfg)

	for _, id := range []PrincipalID{10, 20, 30, 1} {
		h.m.Set(id, credentialFor(id, t0.Add(72*time.Hour)))
	}

	assert.Equal(t, 2, h.m.Len())
	_, ok := h.m.Get(1)
	assert.True(t, ok, "record stored by Set survives its own eviction pass")

	for _, ev := range h.events().named(EventEvicted) {
		assert.NotEqual(t, PrincipalID(1), ev.PrincipalID)
	}
}

func TestManager_RefreshAhead(t *testing.T) {
	h := newHarness(t, testConfig())
	h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))

	h.clock.Advance(100 * time.Minute)
	_, ok := h.m.Get(1)
	require.True(t, ok)
	h.settle(t)
	assert.Equal(t, 0, h.refresher.callCount(), "outside the refresh window")

	h.clock.Advance(10 * time.Minute)
	refreshAt := h.clock.Now()

	got, ok := h.m.Get(1)
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Hour), got.CredentialExpiry, "caller sees the record before the refresh lands")

	h.settle(t)
	assert.Equal(t, 1, h.refresher.callCount())

	got, ok = h.m.Get(1)
	require.True(t, ok)
	assert.Equal(t, refreshAt.Add(24*time.Hour), got.CredentialExpiry)

	h.settle(t)
	assert.Equal(t, 1, h.refresher.callCount())
	assert.Len(t, h.events().named(EventRefreshed), 1)
	assert.Equal(t, uint64(1), h.m.Metrics().Counters[MetricRefreshed])
}

func TestManager_RefreshDeduplicated(t *testing.T) {
	h := newHarness(t, testConfig())
	h.refresher.release = make(chan struct{})
	h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))

	h.clock.Advance(115 * time.Minute)
	for range 3 {
		_, ok := h.m.Get(1)
		require.True(t, ok)
	}

	close(h.refresher.release)
	h.settle(t)

	assert.Equal(t, 1, h.refresher.callCount())
}

func TestManager_RefreshFailureKeepsRecord(t *testing.T) {
	h := newHarness(t, testConfig())
	h.refresher.err = errors.New("backend unavailable")
	h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))

	h.clock.Advance(115 * time.Minute)
	_, ok := h.m.Get(1)
	require.True(t, ok)
	h.settle(t)

	got, ok := h.m.Get(1)
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Hour), got.CredentialExpiry)
	h.settle(t)

	assert.Equal(t, 2, h.refresher.callCount(), "next eligible check retries")
	assert.Empty(t, h.events().named(EventRefreshed))
	assert.Equal(t, uint64(2), h.m.Metrics().Counters[MetricRefreshFailed])
}

func TestManager_RefreshDiscardedWhenCredentialChanged(t *testing.T) {
	h := newHarness(t, testConfig())
	h.refresher.release = make(chan struct{})
	h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))

	h.clock.Advance(115 * time.Minute)
	_, ok := h.m.Get(1)
	require.True(t, ok)

	rec := credentialFor(1, h.clock.Now().Add(3*time.Hour))
	rec.Credential = "fresh-login"
	h.m.Set(1, rec)

	close(h.refresher.release)
	h.settle(t)

	got, ok := h.m.Get(1)
	require.True(t, ok)
	assert.Equal(t, "fresh-login", got.Credential)
	assert.Equal(t, h.clock.Now().Add(3*time.Hour), got.CredentialExpiry)
	assert.Empty(t, h.events().named(EventRefreshed))
}

func TestManager_Update(t *testing.T) {
	t.Run("missing session", func(t *testing.T) {
		h := newHarness(t, testConfig())

		_, err := h.m.Update(1, Touch())
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("expired session is not found", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.m.Set(1, credentialFor(1, t0.Add(time.Hour)))
		h.clock.Advance(time.Hour)

		_, err := h.m.Update(1, Touch())
		require.ErrorIs(t, err, ErrNotFound)
		assert.Len(t, h.events().named(EventExpired), 1)
	})

	t.Run("flow transitions", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))

		h.clock.Advance(time.Minute)
		got, err := h.m.Update(1, Begin(TransferState{Step: TransferSelectPayee}))
		require.NoError(t, err)
		assert.Equal(t, TransferState{Step: TransferSelectPayee}, got.State)
		assert.Equal(t, h.clock.Now(), got.LastActivity)

		got, err = h.m.Update(1, Edit(func(s TransferState) TransferState {
			s.Step = TransferAmount
			s.PayeeID = "payee-9"
			return s
		}))
		require.NoError(t, err)
		assert.Equal(t, TransferState{Step: TransferAmount, PayeeID: "payee-9"}, got.State)

		_, err = h.m.Update(1, Edit(func(s PayeeState) PayeeState { return s }))
		require.ErrorIs(t, err, ErrStateMismatch)

		current, ok := h.m.Get(1)
		require.True(t, ok)
		assert.Equal(t, TransferState{Step: TransferAmount, PayeeID: "payee-9"}, current.State)

		got, err = h.m.Update(1, Clear())
		require.NoError(t, err)
		assert.Nil(t, got.State)

		updates := h.events().named(EventStateUpdated)
		require.Len(t, updates, 3)
		assert.Equal(t, TransferState{Step: TransferAmount, PayeeID: "payee-9"}, updates[1].State)
		assert.Nil(t, updates[2].State)
	})

	t.Run("touch keeps state", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))
		_, err := h.m.Update(1, Begin(LoginState{Step: LoginAwaitOTP, Email: "a@example.com"}))
		require.NoError(t, err)

		h.clock.Advance(time.Hour)
		got, err := h.m.Update(1, Touch())
		require.NoError(t, err)
		assert.Equal(t, LoginState{Step: LoginAwaitOTP, Email: "a@example.com"}, got.State)
		assert.Equal(t, h.clock.Now(), got.LastActivity)
	})
}

func TestManager_EventOrderPerPrincipal(t *testing.T) {
	h := newHarness(t, testConfig())

	h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))
	_, err := h.m.Update(1, Begin(LoginState{Step: LoginAwaitEmail}))
	require.NoError(t, err)
	h.m.Delete(1)

	rec := h.events()
	rec.mu.Lock()
	defer rec.mu.Unlock()

	names := make([]string, 0, len(rec.events))
	for _, ev := range rec.events {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{EventCreated, EventStateUpdated, EventDeleted}, names)
}

func TestManager_Sweep(t *testing.T) {
	h := newHarness(t, testConfig())
	h.m.Set(1, credentialFor(1, t0.Add(time.Hour)))
	h.m.Set(2, credentialFor(2, t0.Add(72*time.Hour)))
	h.m.Set(3, credentialFor(3, t0.Add(26*time.Hour)))

	h.clock.Advance(2 * time.Hour)
	_, ok := h.m.Get(3)
	require.True(t, ok)

	h.clock.Advance(24*time.Hour - time.Minute)
	h.m.writes.Flush()

	res := h.m.Sweep()
	h.settle(t)

	assert.Equal(t, SweepResult{Expired: 1, Inactive: 1, Refreshed: 1}, res)
	assert.Equal(t, 1, h.m.Len())
	assert.True(t, h.m.writes.Pending())
	assert.Equal(t, 1, h.refresher.callCount())

	res = h.m.Sweep()
	assert.Equal(t, SweepResult{}, res)
	assert.Len(t, h.events().named(EventExpired), 1)
	assert.Len(t, h.events().named(EventInactive), 1)
}

func TestManager_PeriodicSweep(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 5 * time.Minute
	h := newHarness(t, cfg, func(o *Options) { o.Refresher = nil })

	h.m.Set(1, credentialFor(1, t0.Add(time.Hour)))
	h.m.Set(2, credentialFor(2, t0.Add(3*time.Hour)))

	h.clock.Advance(65 * time.Minute)

	assert.Equal(t, 1, h.m.Len())
	expired := h.events().named(EventExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, PrincipalID(1), expired[0].PrincipalID)
	assert.Equal(t, t0.Add(time.Hour), expired[0].At)
}

func TestManager_SaveOnRead(t *testing.T) {
	cfg := testConfig()
	cfg.SaveOnReadProbability = 0.1

	t.Run("sampled read schedules a write", func(t *testing.T) {
		h := newHarness(t, cfg, func(o *Options) { o.Rand = func() float64 { return 0.05 } })
		h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))
		require.True(t, h.m.Flush())

		_, ok := h.m.Get(1)
		require.True(t, ok)
		assert.True(t, h.m.writes.Pending())
	})

	t.Run("unsampled read does not", func(t *testing.T) {
		h := newHarness(t, cfg, func(o *Options) { o.Rand = func() float64 { return 0.5 } })
		h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))
		require.True(t, h.m.Flush())

		_, ok := h.m.Get(1)
		require.True(t, ok)
		assert.False(t, h.m.writes.Pending())
	})
}

func TestManager_DebouncedSave(t *testing.T) {
	h := newHarness(t, testConfig())

	for i := 1; i <= 5; i++ {
		h.m.Set(PrincipalID(i), credentialFor(PrincipalID(i), t0.Add(2*time.Hour)))
		h.clock.Advance(500 * time.Millisecond)
	}

	saves, _ := h.store.saved()
	assert.Equal(t, 0, saves)

	h.clock.Advance(2 * time.Second)

	saves, env := h.store.saved()
	assert.Equal(t, 1, saves)
	require.NotNil(t, env)
	assert.Len(t, env.Sessions, 5)
	assert.Equal(t, store.CurrentFormatVersion, env.FormatVersion)

	snap := h.m.Metrics()
	assert.Equal(t, uint64(1), snap.Counters[MetricSaves])
	assert.True(t, snap.LastSave.Equal(t0.Add(4*time.Second)), "last write ran when the window closed")
	assert.Equal(t, 5, snap.Size)
}

func TestManager_SaveSeesLatestState(t *testing.T) {
	h := newHarness(t, testConfig())

	h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))
	h.m.Set(2, credentialFor(2, t0.Add(2*time.Hour)))
	h.m.Delete(1)
	h.clock.Advance(2 * time.Second)

	_, env := h.store.saved()
	require.NotNil(t, env)
	assert.NotContains(t, env.Sessions, "1")
	assert.Contains(t, env.Sessions, "2")
}

func TestManager_SaveRetries(t *testing.T) {
	t.Run("persistence errors are retried", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.store.saveFails = 2
		h.store.saveErr = fmt.Errorf("%w: disk full", store.ErrPersistence)

		h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))
		require.True(t, h.m.Flush())

		saves, _ := h.store.saved()
		assert.Equal(t, 1, saves)
		assert.Equal(t, uint64(0), h.m.Metrics().Counters[MetricSaveErrors])
	})

	t.Run("exhausted retries are counted and left for the next write", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.store.saveFails = 3
		h.store.saveErr = fmt.Errorf("%w: disk full", store.ErrPersistence)

		h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))
		require.True(t, h.m.Flush())
		assert.Equal(t, uint64(1), h.m.Metrics().Counters[MetricSaveErrors])

		h.m.Set(2, credentialFor(2, t0.Add(2*time.Hour)))
		require.True(t, h.m.Flush())

		saves, env := h.store.saved()
		assert.Equal(t, 1, saves)
		assert.Len(t, env.Sessions, 2)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.store.saveFails = 1
		h.store.saveErr = errors.New("encrypt failed")

		h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))
		require.True(t, h.m.Flush())

		saves, _ := h.store.saved()
		assert.Equal(t, 0, saves)
		assert.Equal(t, uint64(1), h.m.Metrics().Counters[MetricSaveErrors])
	})
}

func TestManager_Load(t *testing.T) {
	t.Run("drops stale records and rewrites", func(t *testing.T) {
		env := store.NewEnvelope()
		env.Sessions["1"] = store.RecordData{PrincipalID: 1, Credential: "live", CredentialExpiry: t0.Add(time.Hour), LastActivity: t0.Add(-time.Hour)}
		env.Sessions["2"] = store.RecordData{PrincipalID: 2, Credential: "expired", CredentialExpiry: t0.Add(-time.Minute), LastActivity: t0}
		env.Sessions["3"] = store.RecordData{PrincipalID: 3, Credential: "idle", CredentialExpiry: t0.Add(72 * time.Hour), LastActivity: t0.Add(-25 * time.Hour)}

		h := newHarness(t, testConfig(), func(o *Options) { o.Store = &memStore{env: env} })

		assert.Equal(t, 1, h.m.Len())
		got, ok := h.m.Get(1)
		require.True(t, ok)
		assert.Equal(t, "live", got.Credential)
		assert.True(t, h.m.writes.Pending())
	})

	t.Run("drops records without a principal", func(t *testing.T) {
		env := store.NewEnvelope()
		env.Sessions["1"] = store.RecordData{PrincipalID: 1, Credential: "live", CredentialExpiry: t0.Add(time.Hour), LastActivity: t0}
		env.Sessions["chat"] = store.RecordData{Credential: "orphan", CredentialExpiry: t0.Add(time.Hour), LastActivity: t0}

		h := newHarness(t, testConfig(), func(o *Options) { o.Store = &memStore{env: env} })

		assert.Equal(t, 1, h.m.Len())
		_, ok := h.m.Get(0)
		assert.False(t, ok)
		assert.True(t, h.m.writes.Pending())
	})

	t.Run("clean load does not rewrite", func(t *testing.T) {
		env := store.NewEnvelope()
		env.Sessions["1"] = store.RecordData{PrincipalID: 1, Credential: "live", CredentialExpiry: t0.Add(time.Hour), LastActivity: t0}

		h := newHarness(t, testConfig(), func(o *Options) { o.Store = &memStore{env: env} })
		assert.False(t, h.m.writes.Pending())
	})

	t.Run("unreadable store is retried", func(t *testing.T) {
		ms := &memStore{loadFails: 2}
		h := newHarness(t, testConfig(), func(o *Options) { o.Store = ms })

		assert.Equal(t, 0, h.m.Len())
		assert.Equal(t, uint64(2), h.m.Metrics().Counters[MetricLoadErrors])
	})

	t.Run("unreadable store starts empty after retries", func(t *testing.T) {
		ms := &memStore{loadFails: 10}
		h := newHarness(t, testConfig(), func(o *Options) { o.Store = ms })

		assert.Equal(t, 0, h.m.Len())
		assert.GreaterOrEqual(t, h.m.Metrics().Counters[MetricLoadErrors], uint64(3))
	})
}

func TestManager_Close(t *testing.T) {
	t.Run("writes pending changes", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))

		require.NoError(t, h.m.Close(context.Background()))

		saves, env := h.store.saved()
		assert.Equal(t, 1, saves)
		assert.Contains(t, env.Sessions, "1")
		assert.Equal(t, 0, h.clock.Pending(), "no timers outlive the manager")
	})

	t.Run("reports a failed final write", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.store.saveFails = 10
		h.store.saveErr = fmt.Errorf("%w: disk full", store.ErrPersistence)
		h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))

		err := h.m.Close(context.Background())
		require.ErrorIs(t, err, store.ErrPersistence)
		assert.Equal(t, uint64(1), h.m.Metrics().Counters[MetricSaveErrors])
	})

	t.Run("cancels hung refreshes", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.refresher.release = make(chan struct{})
		h.m.Set(1, credentialFor(1, t0.Add(2*time.Hour)))

		h.clock.Advance(115 * time.Minute)
		_, ok := h.m.Get(1)
		require.True(t, ok)

		require.NoError(t, h.m.Close(context.Background()))
		require.NoError(t, h.m.Close(context.Background()))
	})
}

func TestManager_PersistenceRoundTrip(t *testing.T) {
	c, err := codec.New("round-trip", codec.Options{Iterations: 1000})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sessions.enc")

	fc := clock.NewFake(t0)
	logger := zerolog.Nop()
	open := func() *Manager {
		m, err := Open(context.Background(), Options{
			Config: testConfig(),
			Store:  store.NewFileStore(path, c, store.WithNow(fc.Now)),
			Clock:  fc,
			Logger: &logger,
		})
		require.NoError(t, err)
		return m
	}

	m := open()
	m.Set(42, credentialFor(42, t0.Add(2*time.Hour)))
	_, err = m.Update(42, Begin(TransferState{Step: TransferReference, PayeeID: "p-1", Amount: 1250, Currency: "AUD"}))
	require.NoError(t, err)
	require.NoError(t, m.Close(context.Background()))

	fc.Advance(time.Minute)

	m = open()
	defer m.Close(context.Background())

	got, ok := m.Get(42)
	require.True(t, ok)
	assert.Equal(t, "token-42", got.Credential)
	assert.Equal(t, "org-1", got.OrganizationID)
	assert.True(t, got.CredentialExpiry.Equal(t0.Add(2*time.Hour)))
	assert.Equal(t, TransferState{Step: TransferReference, PayeeID: "p-1", Amount: 1250, Currency: "AUD"}, got.State)
}

func TestManager_PersistenceRoundTripPrincipalZero(t *testing.T) {
	c, err := codec.New("round-trip", codec.Options{Iterations: 1000})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sessions.enc")

	fc := clock.NewFake(t0)
	logger := zerolog.Nop()
	open := func() *Manager {
		m, err := Open(context.Background(), Options{
			Config: testConfig(),
			Store:  store.NewFileStore(path, c, store.WithNow(fc.Now)),
			Clock:  fc,
			Logger: &logger,
		})
		require.NoError(t, err)
		return m
	}

	m := open()
	m.Set(0, credentialFor(0, t0.Add(2*time.Hour)))
	m.Set(5, credentialFor(5, t0.Add(2*time.Hour)))
	require.NoError(t, m.Close(context.Background()))

	m = open()
	defer m.Close(context.Background())

	assert.Equal(t, 2, m.Len())
	assert.False(t, m.writes.Pending(), "a clean reload does not rewrite")

	got, ok := m.Get(0)
	require.True(t, ok)
	assert.Equal(t, "token-0", got.Credential)
}
