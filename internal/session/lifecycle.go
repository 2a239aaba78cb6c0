package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// terminalReason returns EventExpired or EventInactive when rec can no longer
// be served, or "" when it is live. Expiry is checked first.
func (m *Manager) terminalReason(rec *Record, now time.Time) string {
	switch {
	case rec.Expired(now):
		return EventExpired
	case rec.Idle(now, m.cfg.InactivityTimeout):
		return EventInactive
	default:
		return ""
	}
}

// refreshDueLocked reports whether rec is inside the refresh window and no
// refresh is already running for it.
func (m *Manager) refreshDueLocked(rec *Record, now time.Time) bool {
	if m.refresher == nil || m.closed {
		return false
	}
	if _, running := m.refreshing[rec.PrincipalID]; running {
		return false
	}
	return rec.CredentialExpiry.Sub(now) <= m.cfg.RefreshThreshold
}

func (m *Manager) startRefreshLocked(rec *Record) {
	id := rec.PrincipalID
	credential := rec.Credential

	m.refreshing[id] = struct{}{}
	m.refreshWG.Add(1)

	go func() {
		defer m.refreshWG.Done()
		m.refresh(id, credential)
	}()
}

// refresh probes the issuer with credential and, on success, extends the
// record if it still holds the same credential. Failures leave the record
// as it is so the next eligible check retries.
func (m *Manager) refresh(id PrincipalID, credential string) {
	ctx, span := m.tracer.Start(m.ctx, "session.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("principal", id.String()))

	err := m.refresher.Refresh(ctx, credential)

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.refreshing, id)

	if err != nil {
		m.metrics.Inc(MetricRefreshFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		m.logger.Warn().Err(fmt.Errorf("%w: %w", ErrRefreshFailed, err)).
			Stringer("principal", id).
			Msg("session refresh failed, keeping record")
		return
	}

	rec, ok := m.table.get(id)
	if !ok || rec.Credential != credential {
		m.logger.Debug().Stringer("principal", id).Msg("session changed during refresh, discarding result")
		return
	}

	now := m.clock.Now()
	rec.CredentialExpiry = now.Add(m.cfg.RefreshExtension)
	rec.LastActivity = now

	m.metrics.Inc(MetricRefreshed)
	m.publishLocked(EventRefreshed, id, now, nil)
	m.logger.Debug().
		Stringer("principal", id).
		Time("expires_at", rec.CredentialExpiry).
		Msg("session refreshed")

	m.writes.Trigger()
}

// enforceCapacityLocked evicts the most idle records once the table is over
// MaxSessions and returns how many were removed.
func (m *Manager) enforceCapacityLocked(now time.Time, keep ...PrincipalID) int {
	size := m.table.len()
	if size <= m.cfg.MaxSessions {
		return 0
	}

	n := int(math.Ceil(float64(size) * m.cfg.EvictFraction))
	if over := size - m.cfg.MaxSessions; n < over {
		n = over
	}

	victims := m.table.oldest(n, keep...)
	for _, rec := range victims {
		m.removeLocked(rec.PrincipalID, EventEvicted, now)
	}

	m.logger.Info().
		Int("evicted", len(victims)).
		Int("sessions", m.table.len()).
		Msg("session table over capacity")

	m.writes.Trigger()

	return len(victims)
}

// SweepResult counts the outcomes of one sweep.
type SweepResult struct {
	Expired   int
	Inactive  int
	Refreshed int
	Evicted   int
}

// Sweep checks every record in one pass: expired and inactive records are
// removed, refresh-eligible ones start a refresh, then capacity is enforced.
// A single write is scheduled if anything was removed.
func (m *Manager) Sweep() SweepResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	var expired, inactive, due []*Record
	m.table.each(func(rec *Record) {
		switch m.terminalReason(rec, now) {
		case EventExpired:
			expired = append(expired, rec)
		case EventInactive:
			inactive = append(inactive, rec)
		default:
			if m.refreshDueLocked(rec, now) {
				due = append(due, rec)
			}
		}
	})

	var res SweepResult
	for _, rec := range expired {
		if m.removeLocked(rec.PrincipalID, EventExpired, now) {
			res.Expired++
		}
	}
	for _, rec := range inactive {
		if m.removeLocked(rec.PrincipalID, EventInactive, now) {
			res.Inactive++
		}
	}
	for _, rec := range due {
		m.startRefreshLocked(rec)
		res.Refreshed++
	}
	res.Evicted = m.enforceCapacityLocked(now)

	if res.Expired+res.Inactive > 0 {
		m.writes.Trigger()
	}

	m.logger.Debug().
		Int("expired", res.Expired).
		Int("inactive", res.Inactive).
		Int("refreshing", res.Refreshed).
		Int("evicted", res.Evicted).
		Int("sessions", m.table.len()).
		Msg("session sweep complete")

	return res
}

func (m *Manager) sweepTick() {
	if m.ctx.Err() != nil {
		return
	}

	m.Sweep()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.sweepTimer = m.clock.AfterFunc(m.cfg.SweepInterval, m.sweepTick)
}

// waitRefreshes blocks until in-flight refreshes finish or ctx is done.
func (m *Manager) waitRefreshes(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.refreshWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for refreshes: %w", ctx.Err())
	}
}
