package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var errReadOnly = errors.New("write inside a read-only transaction")

const (
	bucketLicenses = "licenses"
	bucketTenants  = "tenants"
)

// BBoltStore keeps licenses and tenants in an embedded bbolt file. bbolt
// allows a single writer at a time, which serializes every Update and so
// every activation of the same key.
type BBoltStore struct {
	db *bbolt.DB
}

func OpenBBolt(path string, timeout time.Duration) (*BBoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	st := &BBoltStore{db: db}
	if err := st.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketLicenses)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketTenants)); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *BBoltStore) Close() error { return s.db.Close() }

func (s *BBoltStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Update runs fn in a write transaction. Waiting for the writer lock is
// bounded by ctx; once fn has started, Update waits for the transaction to
// commit or roll back so the result it reports is the one that happened. A
// transaction that only gets the lock after ctx is done is rolled back.
func (s *BBoltStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- s.db.Update(func(tx *bbolt.Tx) error {
			close(started)
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(&boltTx{tx: tx})
		})
	}()

	select {
	case err := <-result:
		return err
	case <-started:
		return <-result
	case <-ctx.Done():
		select {
		case <-started:
			return <-result
		default:
			return ctx.Err()
		}
	}
}

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) License(key string) (License, error) {
	v := t.tx.Bucket([]byte(bucketLicenses)).Get([]byte(key))
	if v == nil {
		return License{}, ErrNotFound
	}
	var lic License
	if err := json.Unmarshal(v, &lic); err != nil {
		return License{}, fmt.Errorf("decode license %q: %w", key, err)
	}
	lic.Key = key
	return lic, nil
}

func (t *boltTx) Licenses() ([]License, error) {
	out := make([]License, 0)
	err := t.tx.Bucket([]byte(bucketLicenses)).ForEach(func(k, v []byte) error {
		var lic License
		if err := json.Unmarshal(v, &lic); err != nil {
			return fmt.Errorf("decode license %q: %w", k, err)
		}
		lic.Key = string(k)
		out = append(out, lic)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *boltTx) LicensesOf(tenantID int64) ([]License, error) {
	all, err := t.Licenses()
	if err != nil {
		return nil, err
	}
	out := make([]License, 0)
	for _, lic := range all {
		if lic.Bound() && lic.TenantID == tenantID {
			out = append(out, lic)
		}
	}
	return out, nil
}

func (t *boltTx) InsertLicense(key string, createdAt time.Time) (bool, error) {
	if !t.tx.Writable() {
		return false, errReadOnly
	}
	b := t.tx.Bucket([]byte(bucketLicenses))
	if b.Get([]byte(key)) != nil {
		return false, nil
	}
	if err := putJSON(b, []byte(key), License{Key: key, CreatedAt: normalize(createdAt)}); err != nil {
		return false, err
	}
	return true, nil
}

func (t *boltTx) BindLicense(key string, tenantID int64, expiresAt time.Time) error {
	return t.updateLicense(key, func(lic *License) {
		exp := normalize(expiresAt)
		lic.TenantID = tenantID
		lic.ExpiresAt = &exp
	})
}

func (t *boltTx) ClearLicense(key string) error {
	return t.updateLicense(key, func(lic *License) {
		lic.TenantID = 0
		lic.ExpiresAt = nil
	})
}

func (t *boltTx) updateLicense(key string, mutate func(*License)) error {
	if !t.tx.Writable() {
		return errReadOnly
	}
	lic, err := t.License(key)
	if err != nil {
		return err
	}
	mutate(&lic)
	return putJSON(t.tx.Bucket([]byte(bucketLicenses)), []byte(key), lic)
}

func (t *boltTx) Tenant(id int64) (Tenant, error) {
	v := t.tx.Bucket([]byte(bucketTenants)).Get(tenantKey(id))
	if v == nil {
		return Tenant{}, ErrNotFound
	}
	var ten Tenant
	if err := json.Unmarshal(v, &ten); err != nil {
		return Tenant{}, fmt.Errorf("decode tenant %d: %w", id, err)
	}
	ten.ID = id
	return ten, nil
}

func (t *boltTx) Tenants() ([]Tenant, error) {
	out := make([]Tenant, 0)
	err := t.tx.Bucket([]byte(bucketTenants)).ForEach(func(k, v []byte) error {
		var ten Tenant
		if err := json.Unmarshal(v, &ten); err != nil {
			return fmt.Errorf("decode tenant: %w", err)
		}
		ten.ID = tenantFromKey(k)
		out = append(out, ten)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *boltTx) PutTenant(ten Tenant) error {
	if !t.tx.Writable() {
		return errReadOnly
	}
	ten.ActivatedAt = normalize(ten.ActivatedAt)
	cur, err := t.Tenant(ten.ID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		ten.ActivatedAt = cur.ActivatedAt
		ten.Exempt = ten.Exempt || cur.Exempt
	}
	return putJSON(t.tx.Bucket([]byte(bucketTenants)), tenantKey(ten.ID), ten)
}

func (t *boltTx) RemoveTenant(id int64) error {
	if !t.tx.Writable() {
		return errReadOnly
	}
	return t.tx.Bucket([]byte(bucketTenants)).Delete(tenantKey(id))
}

func putJSON(b *bbolt.Bucket, k []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(k, buf)
}

func tenantKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func tenantFromKey(k []byte) int64 {
	if len(k) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(k))
}
