package metrics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guildlicense-bot/internal/license"
	"guildlicense-bot/internal/store"
)

func TestMetrics_CountsEvents(t *testing.T) {
	m := New(prometheus.NewRegistry())
	ctx := context.Background()

	m.Notify(ctx, license.Event{Kind: license.EventActivated})
	m.Notify(ctx, license.Event{Kind: license.EventActivated})
	m.Notify(ctx, license.Event{Kind: license.EventInvalidKey})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("activated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("invalid_key")))
}

func TestMetrics_Authorizations(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveAuthorization(true)
	m.ObserveAuthorization(false)
	m.ObserveAuthorization(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.authorizations.WithLabelValues("allowed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.authorizations.WithLabelValues("denied")))
}

func TestMetrics_ObserveSnapshotThroughRefreshHook(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	st, err := store.OpenBBolt(filepath.Join(t.TempDir(), "licenses.db"), time.Second)
	require.NoError(t, err)
	defer st.Close()

	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	mgr := license.NewManager(st, license.Config{},
		license.WithClock(func() time.Time { return now }),
		license.WithRefreshHook(m.ObserveSnapshot),
	)
	ctx := context.Background()
	require.NoError(t, mgr.IssueKey(ctx, "K1"))
	require.NoError(t, mgr.IssueKey(ctx, "K2"))
	_, err = mgr.Activate(ctx, license.ActivateRequest{Key: "K1", TenantID: 42, ChannelID: 1})
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.totalLicenses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.boundLicenses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tenants))
	assert.Equal(t, float64(now.Unix()), testutil.ToFloat64(m.lastRefresh))

	n, err := testutil.GatherAndCount(reg, "licensebot_licenses_bound", "licensebot_tenants_registered")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
