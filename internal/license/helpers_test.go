package license

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"guildlicense-bot/internal/store"
)

var t0 = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) ofKind(k EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// clock is a settable time source for managers under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func openTestStore(t *testing.T) *store.BBoltStore {
	t.Helper()
	st, err := store.OpenBBolt(filepath.Join(t.TempDir(), "licenses.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type fixture struct {
	st     *store.BBoltStore
	mgr    *Manager
	events *recorder
	clock  *clock
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{st: openTestStore(t), events: &recorder{}, clock: &clock{now: t0}}
	opts = append([]Option{WithNotifier(f.events), WithClock(f.clock.Now)}, opts...)
	f.mgr = NewManager(f.st, cfg, opts...)
	require.NoError(t, f.mgr.Refresh(context.Background()))
	return f
}

func (f *fixture) issue(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, f.mgr.IssueKey(context.Background(), k))
	}
}

func (f *fixture) activate(key string, tenantID, channelID int64, now time.Time) (Activation, error) {
	return f.mgr.Activate(context.Background(), ActivateRequest{Key: key, TenantID: tenantID, ChannelID: channelID, Now: now})
}

func (f *fixture) tenants(t *testing.T) []store.Tenant {
	t.Helper()
	var out []store.Tenant
	require.NoError(t, f.st.View(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.Tenants()
		return err
	}))
	return out
}

func tenantIDs(ts []store.Tenant) []int64 {
	out := make([]int64, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}
