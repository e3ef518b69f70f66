package license

import (
	"time"

	"guildlicense-bot/internal/store"
)

// Exemptions lists tenants and channels that are always authorized and
// never expire.
type Exemptions struct {
	Tenant   int64
	Channels []int64
}

// IsExempt reports whether a request from tenantID in channelID bypasses
// key and expiry checks.
func (e Exemptions) IsExempt(tenantID, channelID int64) bool {
	return e.IsExemptTenant(tenantID) || e.IsExemptChannel(channelID)
}

func (e Exemptions) IsExemptTenant(tenantID int64) bool {
	return e.Tenant != 0 && tenantID == e.Tenant
}

func (e Exemptions) IsExemptChannel(channelID int64) bool {
	if channelID == 0 {
		return false
	}
	for _, c := range e.Channels {
		if c == channelID {
			return true
		}
	}
	return false
}

// IsValid reports whether lic holds a binding that has not passed its
// expiry at now. Both instants are compared in UTC.
func IsValid(lic *store.License, now time.Time) bool {
	if lic == nil || !lic.Bound() {
		return false
	}
	return !now.UTC().After(lic.ExpiresAt.UTC())
}
