package license

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"guildlicense-bot/internal/store"
)

const DefaultSweepInterval = 24 * time.Hour

var ErrSweeperRunning = errors.New("sweeper already running")

// Release is one tenant let go by a sweep. Key is empty when the tenant was
// only a stale registry entry with no binding behind it.
type Release struct {
	Key       string
	TenantID  int64
	ExpiredAt time.Time
}

// Sweep clears every binding that expired before now and drops tenants left
// without a valid binding or exemption from the registry, all in one
// transaction. Bindings of exempt tenants, configured or registered through
// an exempt channel, are never cleared. The cache is refreshed and events
// are emitted only when something was released.
func (m *Manager) Sweep(ctx context.Context, now time.Time) ([]Release, error) {
	now = m.at(now)
	var released []Release
	err := m.update(ctx, "sweep", func(tx store.Tx) error {
		released = released[:0]

		tenants, err := tx.Tenants()
		if err != nil {
			return err
		}
		exempt := make(map[int64]bool)
		for _, t := range tenants {
			if t.Exempt || m.cfg.Exemptions.IsExemptTenant(t.ID) {
				exempt[t.ID] = true
			}
		}

		licenses, err := tx.Licenses()
		if err != nil {
			return err
		}
		holders := make(map[int64]bool)
		for i := range licenses {
			lic := &licenses[i]
			if !lic.Bound() {
				continue
			}
			if IsValid(lic, now) || exempt[lic.TenantID] || m.cfg.Exemptions.IsExemptTenant(lic.TenantID) {
				holders[lic.TenantID] = true
				continue
			}
			if err := tx.ClearLicense(lic.Key); err != nil {
				return fmt.Errorf("clear %s: %w", lic.Key, err)
			}
			released = append(released, Release{Key: lic.Key, TenantID: lic.TenantID, ExpiredAt: *lic.ExpiresAt})
		}

		for _, t := range tenants {
			if exempt[t.ID] || holders[t.ID] {
				continue
			}
			if err := tx.RemoveTenant(t.ID); err != nil {
				return fmt.Errorf("remove tenant %d: %w", t.ID, err)
			}
			if !releasedTenant(released, t.ID) {
				released = append(released, Release{TenantID: t.ID})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(released) == 0 {
		return nil, nil
	}

	refreshErr := m.refresh(ctx, "sweep")
	for _, r := range released {
		detail := "registry entry without a valid license"
		if r.Key != "" {
			detail = "expired at " + r.ExpiredAt.Format(time.RFC3339)
		}
		m.emit(ctx, Event{Kind: EventExpired, TenantID: r.TenantID, Key: r.Key, Detail: detail})
	}
	return released, refreshErr
}

func releasedTenant(released []Release, id int64) bool {
	for _, r := range released {
		if r.TenantID == id {
			return true
		}
	}
	return false
}

// Sweeper runs Manager.Sweep on a fixed interval, starting with one pass
// as soon as it is started.
type Sweeper struct {
	m        *Manager
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(m *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{m: m, interval: interval}
}

// Start launches the sweep loop. It stops when ctx is done or Stop is
// called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrSweeperRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	return nil
}

// Stop ends the loop and waits for it. A pass already in progress is
// allowed to finish its transaction first.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.exited(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// exited forgets a loop that ended on its own context so the sweeper can be
// started again.
func (s *Sweeper) exited(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != done {
		return
	}
	s.cancel()
	s.cancel, s.done = nil, nil
}

func (s *Sweeper) runOnce(ctx context.Context) {
	// Detached so that Stop never cuts a transaction short.
	passCtx := context.WithoutCancel(ctx)
	if _, err := s.m.Sweep(passCtx, time.Time{}); err != nil {
		s.m.emit(passCtx, Event{Kind: EventSweepFailed, Detail: err.Error()})
	}
}
