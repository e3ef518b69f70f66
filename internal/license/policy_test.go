package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"guildlicense-bot/internal/store"
)

func TestExemptions_IsExempt(t *testing.T) {
	ex := Exemptions{Tenant: 1032, Channels: []int64{1417, 2222}}

	tests := []struct {
		name      string
		tenantID  int64
		channelID int64
		want      bool
	}{
		{"exempt tenant", 1032, 9, true},
		{"exempt channel", 77, 2222, true},
		{"both", 1032, 1417, true},
		{"neither", 77, 9, false},
		{"zero ids", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ex.IsExempt(tt.tenantID, tt.channelID))
		})
	}
}

func TestExemptions_ZeroValueExemptsNobody(t *testing.T) {
	var ex Exemptions
	assert.False(t, ex.IsExempt(0, 0))
	assert.False(t, ex.IsExemptTenant(0))
}

func TestIsValid(t *testing.T) {
	exp := t0.Add(30 * day)
	bound := &store.License{Key: "K", TenantID: 42, ExpiresAt: &exp}

	assert.False(t, IsValid(nil, t0), "absent license")
	assert.False(t, IsValid(&store.License{Key: "K"}, t0), "unbound license")
	assert.True(t, IsValid(bound, t0))
	assert.True(t, IsValid(bound, exp), "expiry instant itself is still valid")
	assert.False(t, IsValid(bound, exp.Add(time.Nanosecond)))
}

func TestIsValid_ComparesInstantsAcrossZones(t *testing.T) {
	saoPaulo := time.FixedZone("BRT", -3*60*60)
	exp := time.Date(2025, 11, 18, 23, 59, 59, 0, time.UTC)
	lic := &store.License{Key: "K", TenantID: 1, ExpiresAt: &exp}

	// 20:59:59 in UTC-3 is exactly the expiry instant.
	assert.True(t, IsValid(lic, time.Date(2025, 11, 18, 20, 59, 59, 0, saoPaulo)))
	// 21:00:00 in UTC-3 is one second past it, although its wall clock is earlier.
	assert.False(t, IsValid(lic, time.Date(2025, 11, 18, 21, 0, 0, 0, saoPaulo)))
}
