package license

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"guildlicense-bot/internal/store"
)

// Snapshot is a read-only copy of the store taken in one transaction.
// It is never modified after construction.
type Snapshot struct {
	licenses map[string]store.License
	tenants  map[int64]store.Tenant
	byTenant map[int64][]string
	takenAt  time.Time
}

var emptySnapshot = newSnapshot(nil, nil, time.Time{})

func newSnapshot(licenses []store.License, tenants []store.Tenant, takenAt time.Time) *Snapshot {
	s := &Snapshot{
		licenses: make(map[string]store.License, len(licenses)),
		tenants:  make(map[int64]store.Tenant, len(tenants)),
		byTenant: make(map[int64][]string),
		takenAt:  takenAt,
	}
	for _, lic := range licenses {
		lic = cloneLicense(lic)
		s.licenses[lic.Key] = lic
		if lic.Bound() {
			s.byTenant[lic.TenantID] = append(s.byTenant[lic.TenantID], lic.Key)
		}
	}
	for _, t := range tenants {
		s.tenants[t.ID] = t
	}
	return s
}

// License returns a copy of the license stored under key.
func (s *Snapshot) License(key string) (store.License, bool) {
	lic, ok := s.licenses[key]
	return cloneLicense(lic), ok
}

// Licenses returns every license ordered by key.
func (s *Snapshot) Licenses() []store.License {
	out := make([]store.License, 0, len(s.licenses))
	for _, lic := range s.licenses {
		out = append(out, cloneLicense(lic))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Tenants returns the registry ordered by tenant id.
func (s *Snapshot) Tenants() []store.Tenant {
	out := make([]store.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Snapshot) HasTenant(id int64) bool {
	_, ok := s.tenants[id]
	return ok
}

// Authorized reports whether tenantID holds at least one binding valid at now.
func (s *Snapshot) Authorized(tenantID int64, now time.Time) bool {
	_, ok := s.ValidBinding(tenantID, now)
	return ok
}

// ValidBinding returns the tenant's binding that stays valid the longest.
func (s *Snapshot) ValidBinding(tenantID int64, now time.Time) (store.License, bool) {
	var (
		best  store.License
		found bool
	)
	for _, key := range s.byTenant[tenantID] {
		lic := s.licenses[key]
		if !IsValid(&lic, now) {
			continue
		}
		if !found || lic.ExpiresAt.After(*best.ExpiresAt) {
			best, found = lic, true
		}
	}
	return cloneLicense(best), found
}

func cloneLicense(lic store.License) store.License {
	if lic.ExpiresAt != nil {
		exp := *lic.ExpiresAt
		lic.ExpiresAt = &exp
	}
	return lic
}

func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Loader reads the state a Snapshot is built from.
type Loader interface {
	View(ctx context.Context, fn func(store.Tx) error) error
}

// Cache serves authorization checks from the latest Snapshot. Refresh
// builds a new snapshot and swaps the pointer; readers never wait on it.
type Cache struct {
	src       Loader
	now       func() time.Time
	onRefresh func(*Snapshot)

	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

func NewCache(src Loader, onRefresh func(*Snapshot)) *Cache {
	return &Cache{src: src, now: time.Now, onRefresh: onRefresh}
}

// Refresh replaces the snapshot with a fresh read of the store. On error the
// previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		licenses []store.License
		tenants  []store.Tenant
	)
	err := c.src.View(ctx, func(tx store.Tx) error {
		var err error
		if licenses, err = tx.Licenses(); err != nil {
			return err
		}
		tenants, err = tx.Tenants()
		return err
	})
	if err != nil {
		return err
	}
	snap := newSnapshot(licenses, tenants, c.now().UTC())
	c.cur.Store(snap)
	if c.onRefresh != nil {
		c.onRefresh(snap)
	}
	return nil
}

// Snapshot returns the current snapshot; before the first Refresh it is empty.
func (c *Cache) Snapshot() *Snapshot {
	if s := c.cur.Load(); s != nil {
		return s
	}
	return emptySnapshot
}
