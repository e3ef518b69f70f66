package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"guildlicense-bot/internal/license"
)

const namespace = "licensebot"

// Metrics exposes license activity to Prometheus. It is fed by core events
// (as a license.Notifier) and by cache refreshes.
type Metrics struct {
	events         *prometheus.CounterVec
	boundLicenses  prometheus.Gauge
	totalLicenses  prometheus.Gauge
	tenants        prometheus.Gauge
	lastRefresh    prometheus.Gauge
	authorizations *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_events_total",
			Help:      "License events emitted by the core, by kind.",
		}, []string{"kind"}),
		boundLicenses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "licenses_bound",
			Help:      "Licenses currently bound to a tenant, valid or not yet swept.",
		}),
		totalLicenses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "licenses_issued",
			Help:      "Licenses known to the store.",
		}),
		tenants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tenants_registered",
			Help:      "Tenants in the activation registry.",
		}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_last_refresh_timestamp_seconds",
			Help:      "Unix time of the last cache refresh.",
		}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_checks_total",
			Help:      "Authorization checks answered, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.events, m.boundLicenses, m.totalLicenses, m.tenants, m.lastRefresh, m.authorizations)
	return m
}

func (m *Metrics) Notify(_ context.Context, ev license.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
}

// ObserveSnapshot is meant for license.WithRefreshHook.
func (m *Metrics) ObserveSnapshot(s *license.Snapshot) {
	var bound int
	all := s.Licenses()
	for _, lic := range all {
		if lic.Bound() {
			bound++
		}
	}
	m.totalLicenses.Set(float64(len(all)))
	m.boundLicenses.Set(float64(bound))
	m.tenants.Set(float64(len(s.Tenants())))
	taken := s.TakenAt()
	if taken.IsZero() {
		taken = time.Now()
	}
	m.lastRefresh.Set(float64(taken.Unix()))
}

func (m *Metrics) ObserveAuthorization(ok bool) {
	result := "denied"
	if ok {
		result = "allowed"
	}
	m.authorizations.WithLabelValues(result).Inc()
}
