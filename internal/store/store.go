package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a license key or tenant has no row.
var ErrNotFound = errors.New("not found")

// License is one row of the license table. A license with a nil ExpiresAt
// is unbound; TenantID is meaningless in that case.
type License struct {
	Key       string     `json:"key"`
	TenantID  int64      `json:"tenant_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Bound reports whether the license currently references a tenant.
func (l License) Bound() bool { return l.ExpiresAt != nil }

// Tenant is one row of the tenant registry.
type Tenant struct {
	ID          int64     `json:"id"`
	Exempt      bool      `json:"exempt"`
	ActivatedAt time.Time `json:"activated_at"`
}

// Tx is the set of reads and writes available inside a single transaction.
// Writes are only permitted inside Store.Update.
type Tx interface {
	License(key string) (License, error)
	Licenses() ([]License, error)
	LicensesOf(tenantID int64) ([]License, error)
	// InsertLicense adds an unbound license unless the key already exists.
	// It reports whether a row was inserted; an existing row is never touched.
	InsertLicense(key string, createdAt time.Time) (bool, error)
	BindLicense(key string, tenantID int64, expiresAt time.Time) error
	ClearLicense(key string) error

	Tenant(id int64) (Tenant, error)
	Tenants() ([]Tenant, error)
	// PutTenant registers t. An existing row keeps its activation time and
	// is never downgraded from exempt.
	PutTenant(t Tenant) error
	RemoveTenant(id int64) error
}

// Store is the durable home of licenses and the tenant registry. All
// multi-row work goes through Update so that it commits or rolls back as a
// whole.
type Store interface {
	Close() error

	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
}

func normalize(t time.Time) time.Time { return t.UTC() }
