package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"guildlicense-bot/internal/store"
)

const (
	DefaultValidityWindow = 30 * 24 * time.Hour
	DefaultStoreTimeout   = 5 * time.Second

	issueAttempts = 3
)

// Config is fixed at construction.
type Config struct {
	Exemptions     Exemptions
	ValidityWindow time.Duration
	StoreTimeout   time.Duration

	// FixedExpiry, while still in the future, replaces now+ValidityWindow
	// as the expiry of new bindings (season end).
	FixedExpiry time.Time
}

// Manager is the only writer of bindings and the tenant registry. Every
// mutation runs in one store transaction and refreshes the cache before
// returning.
type Manager struct {
	st       store.Store
	cache    *Cache
	notifier Notifier
	cfg      Config

	now       func() time.Time
	newKey    func() (string, error)
	onRefresh func(*Snapshot)
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithKeyGenerator(gen func() (string, error)) Option {
	return func(m *Manager) { m.newKey = gen }
}

// WithRefreshHook is called with every snapshot the cache installs.
func WithRefreshHook(fn func(*Snapshot)) Option {
	return func(m *Manager) { m.onRefresh = fn }
}

func NewManager(st store.Store, cfg Config, opts ...Option) *Manager {
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = DefaultValidityWindow
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if !cfg.FixedExpiry.IsZero() {
		cfg.FixedExpiry = cfg.FixedExpiry.UTC()
	}
	m := &Manager{
		st:       st,
		notifier: nopNotifier{},
		cfg:      cfg,
		now:      time.Now,
		newKey:   NewKey,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cache = NewCache(st, m.onRefresh)
	m.cache.now = m.now
	return m
}

func (m *Manager) Config() Config { return m.cfg }

// ActivateRequest asks to bind Key to TenantID. A zero Now means the
// manager's clock.
type ActivateRequest struct {
	Key       string
	TenantID  int64
	ChannelID int64
	Now       time.Time
}

// Activation describes a successful activation.
type Activation struct {
	Key       string
	TenantID  int64
	ExpiresAt time.Time
	Renewed   bool
	Reclaimed bool

	// Exempt activations carry no key and never expire.
	Exempt bool

	// PreviousTenant is the tenant whose expired binding was reclaimed.
	PreviousTenant int64
}

// Activate binds req.Key to req.TenantID. Exempt tenants and channels are
// registered without looking at the key. A key bound to another tenant is
// only taken over once that binding has expired.
//
// If the store commits but the following cache refresh fails, the returned
// Activation is filled in and the error is a *StoreError.
func (m *Manager) Activate(ctx context.Context, req ActivateRequest) (Activation, error) {
	now := m.at(req.Now)
	if m.cfg.Exemptions.IsExempt(req.TenantID, req.ChannelID) {
		return m.activateExempt(ctx, req, now)
	}

	key := NormalizeKey(req.Key)
	act := Activation{Key: key, TenantID: req.TenantID}
	err := m.update(ctx, "activate", func(tx store.Tx) error {
		act.Renewed, act.Reclaimed, act.PreviousTenant = false, false, 0

		lic, err := tx.License(key)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidKey
		}
		if err != nil {
			return err
		}
		if lic.Bound() {
			switch {
			case lic.TenantID == req.TenantID:
				act.Renewed = true
			case IsValid(&lic, now):
				return ErrKeyAlreadyBound
			default:
				if err := m.release(tx, lic, now); err != nil {
					return err
				}
				act.Reclaimed, act.PreviousTenant = true, lic.TenantID
			}
		}
		act.ExpiresAt = m.expiryFor(now)
		if err := tx.BindLicense(key, req.TenantID, act.ExpiresAt); err != nil {
			return err
		}
		return registerTenant(tx, store.Tenant{ID: req.TenantID, ActivatedAt: now})
	})
	switch {
	case errors.Is(err, ErrInvalidKey):
		m.emit(ctx, Event{Kind: EventInvalidKey, TenantID: req.TenantID, Key: key,
			Detail: fmt.Sprintf("channel %d", req.ChannelID)})
		return Activation{}, err
	case errors.Is(err, ErrKeyAlreadyBound):
		m.emit(ctx, Event{Kind: EventKeyAlreadyBound, TenantID: req.TenantID, Key: key})
		return Activation{}, err
	case err != nil:
		return Activation{}, err
	}

	refreshErr := m.refresh(ctx, "activate")
	if act.Reclaimed {
		m.emit(ctx, Event{Kind: EventReclaimed, TenantID: act.PreviousTenant, Key: key,
			Detail: fmt.Sprintf("taken over by tenant %d", req.TenantID)})
	}
	detail := "valid until " + act.ExpiresAt.Format(time.RFC3339)
	if act.Renewed {
		detail = "renewed, " + detail
	}
	m.emit(ctx, Event{Kind: EventActivated, TenantID: req.TenantID, Key: key, Detail: detail})
	return act, refreshErr
}

func (m *Manager) activateExempt(ctx context.Context, req ActivateRequest, now time.Time) (Activation, error) {
	err := m.update(ctx, "activate", func(tx store.Tx) error {
		return registerTenant(tx, store.Tenant{ID: req.TenantID, Exempt: true, ActivatedAt: now})
	})
	if err != nil {
		return Activation{}, err
	}
	act := Activation{TenantID: req.TenantID, Exempt: true}
	refreshErr := m.refresh(ctx, "activate")
	m.emit(ctx, Event{Kind: EventActivated, TenantID: req.TenantID, Detail: "exempt, no expiry"})
	return act, refreshErr
}

// registerTenant adds t to the registry. An existing row keeps its
// activation time, and an exempt row is never downgraded.
func registerTenant(tx store.Tx, t store.Tenant) error {
	cur, err := tx.Tenant(t.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return tx.PutTenant(t)
	case err != nil:
		return err
	case cur.Exempt || !t.Exempt:
		return nil
	}
	cur.Exempt = true
	return tx.PutTenant(cur)
}

// release clears lic's binding and drops its tenant from the registry
// unless the tenant still holds another valid binding or is exempt.
func (m *Manager) release(tx store.Tx, lic store.License, now time.Time) error {
	if err := tx.ClearLicense(lic.Key); err != nil {
		return err
	}
	others, err := tx.LicensesOf(lic.TenantID)
	if err != nil {
		return err
	}
	for i := range others {
		if others[i].Key != lic.Key && IsValid(&others[i], now) {
			return nil
		}
	}
	if m.cfg.Exemptions.IsExemptTenant(lic.TenantID) {
		return nil
	}
	ten, err := tx.Tenant(lic.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ten.Exempt {
		return nil
	}
	return tx.RemoveTenant(lic.TenantID)
}

// Issue creates a fresh unbound key. Only pre-authorized callers (the
// owner) may issue keys.
func (m *Manager) Issue(ctx context.Context, authorized bool) (string, error) {
	if !authorized {
		return "", ErrPermissionDenied
	}
	now := m.now().UTC()
	for attempt := 0; attempt < issueAttempts; attempt++ {
		key, err := m.newKey()
		if err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		var inserted bool
		err = m.update(ctx, "issue", func(tx store.Tx) error {
			var err error
			inserted, err = tx.InsertLicense(key, now)
			return err
		})
		if err != nil {
			return "", err
		}
		if !inserted {
			continue
		}
		refreshErr := m.refresh(ctx, "issue")
		m.emit(ctx, Event{Kind: EventKeyIssued, Key: key})
		return key, refreshErr
	}
	return "", fmt.Errorf("generate key: %d collisions in a row", issueAttempts)
}

// IssueKey records key as an unbound license. Issuing an existing key is a
// no-op.
func (m *Manager) IssueKey(ctx context.Context, key string) error {
	key = NormalizeKey(key)
	if key == "" {
		return ErrInvalidKey
	}
	var inserted bool
	err := m.update(ctx, "issue", func(tx store.Tx) error {
		var err error
		inserted, err = tx.InsertLicense(key, m.now())
		return err
	})
	if err != nil || !inserted {
		return err
	}
	refreshErr := m.refresh(ctx, "issue")
	m.emit(ctx, Event{Kind: EventKeyIssued, Key: key})
	return refreshErr
}

// Clear unbinds key. The tenant registry is left alone; callers that clear
// a binding on a tenant's behalf own the registry cleanup.
func (m *Manager) Clear(ctx context.Context, key string) error {
	key = NormalizeKey(key)
	err := m.update(ctx, "clear", func(tx store.Tx) error {
		err := tx.ClearLicense(key)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidKey
		}
		return err
	})
	if err != nil {
		return err
	}
	return m.refresh(ctx, "clear")
}

// IsAuthorized answers from the cache; it never touches the store.
func (m *Manager) IsAuthorized(tenantID, channelID int64, now time.Time) bool {
	if m.cfg.Exemptions.IsExempt(tenantID, channelID) {
		return true
	}
	return m.cache.Snapshot().Authorized(tenantID, m.at(now))
}

func (m *Manager) Snapshot() *Snapshot { return m.cache.Snapshot() }

// Refresh reloads the cache from the store.
func (m *Manager) Refresh(ctx context.Context) error { return m.refresh(ctx, "refresh") }

func (m *Manager) refresh(ctx context.Context, op string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	if err := m.cache.Refresh(ctx); err != nil {
		return &StoreError{Op: op + ": refresh", Err: err}
	}
	return nil
}

// update runs fn in one store transaction. Domain errors returned by fn
// pass through untouched; anything else is a store failure.
func (m *Manager) update(ctx context.Context, op string, fn func(store.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	err := m.st.Update(ctx, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidKey), errors.Is(err, ErrKeyAlreadyBound):
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func (m *Manager) expiryFor(now time.Time) time.Time {
	if !m.cfg.FixedExpiry.IsZero() && m.cfg.FixedExpiry.After(now) {
		return m.cfg.FixedExpiry
	}
	return now.Add(m.cfg.ValidityWindow)
}

func (m *Manager) at(t time.Time) time.Time {
	if t.IsZero() {
		t = m.now()
	}
	return t.UTC()
}

// emit hands ev to the notifier. A misbehaving notifier cannot affect the
// operation that produced the event.
func (m *Manager) emit(ctx context.Context, ev Event) {
	defer func() { _ = recover() }()
	ev.ID = uuid.New()
	if ev.At.IsZero() {
		ev.At = m.now().UTC()
	}
	m.notifier.Notify(context.WithoutCancel(ctx), ev)
}
