package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

// runStoreSuite checks the behavior every Store implementation must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("insert if absent", func(t *testing.T) {
		st := open(t)
		var first, second bool
		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			var err error
			if first, err = tx.InsertLicense("K1", t0); err != nil {
				return err
			}
			if err := tx.BindLicense("K1", 42, t0.Add(time.Hour)); err != nil {
				return err
			}
			second, err = tx.InsertLicense("K1", t0.Add(time.Minute))
			return err
		}))
		assert.True(t, first)
		assert.False(t, second)

		lic := mustLicense(t, st, "K1")
		assert.Equal(t, int64(42), lic.TenantID, "existing row is never touched")
		assert.True(t, lic.CreatedAt.Equal(t0))
	})

	t.Run("bind and clear", func(t *testing.T) {
		st := open(t)
		exp := time.Date(2025, 10, 1, 9, 0, 0, 0, time.FixedZone("X", 3*3600))
		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			if _, err := tx.InsertLicense("K1", t0); err != nil {
				return err
			}
			return tx.BindLicense("K1", 42, exp)
		}))

		lic := mustLicense(t, st, "K1")
		require.True(t, lic.Bound())
		assert.Equal(t, int64(42), lic.TenantID)
		assert.True(t, lic.ExpiresAt.Equal(exp))
		assert.Equal(t, time.UTC, lic.ExpiresAt.Location())

		var of []License
		require.NoError(t, st.View(ctx, func(tx Tx) error {
			var err error
			of, err = tx.LicensesOf(42)
			return err
		}))
		require.Len(t, of, 1)
		assert.Equal(t, "K1", of[0].Key)

		require.NoError(t, st.Update(ctx, func(tx Tx) error { return tx.ClearLicense("K1") }))
		assert.False(t, mustLicense(t, st, "K1").Bound())
		require.NoError(t, st.View(ctx, func(tx Tx) error {
			var err error
			of, err = tx.LicensesOf(42)
			return err
		}))
		assert.Empty(t, of)
	})

	t.Run("missing rows", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.View(ctx, func(tx Tx) error {
			_, err := tx.License("NOPE")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = tx.Tenant(99)
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		}))
		err := st.Update(ctx, func(tx Tx) error { return tx.BindLicense("NOPE", 1, t0) })
		assert.ErrorIs(t, err, ErrNotFound)
		err = st.Update(ctx, func(tx Tx) error { return tx.ClearLicense("NOPE") })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("tenants", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			for _, ten := range []Tenant{{ID: 3, ActivatedAt: t0}, {ID: 1, Exempt: true, ActivatedAt: t0}, {ID: 2, ActivatedAt: t0}} {
				if err := tx.PutTenant(ten); err != nil {
					return err
				}
			}
			if err := tx.PutTenant(Tenant{ID: 3, Exempt: true, ActivatedAt: t0.Add(time.Hour)}); err != nil {
				return err
			}
			return tx.RemoveTenant(2)
		}))

		var got []Tenant
		require.NoError(t, st.View(ctx, func(tx Tx) error {
			var err error
			got, err = tx.Tenants()
			return err
		}))
		require.Len(t, got, 2)
		assert.Equal(t, int64(1), got[0].ID)
		assert.Equal(t, int64(3), got[1].ID)
		assert.True(t, got[1].Exempt, "put upgrades the row to exempt")
		assert.True(t, got[1].ActivatedAt.Equal(t0), "put keeps the first activation time")
		assert.True(t, got[0].ActivatedAt.Equal(t0))

		assert.NoError(t, st.Update(ctx, func(tx Tx) error { return tx.RemoveTenant(2) }), "removing an absent tenant is a no-op")
	})

	t.Run("put never downgrades exempt", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			return tx.PutTenant(Tenant{ID: 42, Exempt: true, ActivatedAt: t0})
		}))
		require.NoError(t, st.Update(ctx, func(tx Tx) error {
			return tx.PutTenant(Tenant{ID: 42, ActivatedAt: t0.Add(time.Hour)})
		}))

		require.NoError(t, st.View(ctx, func(tx Tx) error {
			ten, err := tx.Tenant(42)
			if err != nil {
				return err
			}
			assert.True(t, ten.Exempt)
			assert.True(t, ten.ActivatedAt.Equal(t0))
			return nil
		}))
	})

	t.Run("failed update rolls back", func(t *testing.T) {
		st := open(t)
		boom := errors.New("boom")
		err := st.Update(ctx, func(tx Tx) error {
			if _, err := tx.InsertLicense("K1", t0); err != nil {
				return err
			}
			if err := tx.PutTenant(Tenant{ID: 42, ActivatedAt: t0}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, st.View(ctx, func(tx Tx) error {
			lics, err := tx.Licenses()
			if err != nil {
				return err
			}
			assert.Empty(t, lics)
			tens, err := tx.Tenants()
			if err != nil {
				return err
			}
			assert.Empty(t, tens)
			return nil
		}))
	})

	t.Run("view is read only", func(t *testing.T) {
		st := open(t)
		err := st.View(ctx, func(tx Tx) error {
			_, err := tx.InsertLicense("K1", t0)
			return err
		})
		require.Error(t, err)
	})

	t.Run("canceled context", func(t *testing.T) {
		st := open(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		called := false
		err := st.Update(cctx, func(Tx) error { called = true; return nil })
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}

func mustLicense(t *testing.T, st Store, key string) License {
	t.Helper()
	var lic License
	require.NoError(t, st.View(context.Background(), func(tx Tx) error {
		var err error
		lic, err = tx.License(key)
		return err
	}))
	return lic
}
