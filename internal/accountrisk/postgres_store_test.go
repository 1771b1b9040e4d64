//go:build integration

package accountrisk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mulehunter/mulehunter/internal/testutil"
)

func TestPostgres_ApplyBothLegs(t *testing.T) {
	db := testutil.Postgres(t)

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	src, err := store.Apply(ctx, 1, Delta{Direction: Outgoing, Amount: decimal.NewFromInt(100), At: now})
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.OutDegree)
	assert.True(t, src.Balance.Equal(decimal.NewFromInt(-100)))
	assert.InDelta(t, 101.0, src.RiskRatio, 1e-9)
	assert.Equal(t, 1.0, src.TxVelocity)

	dst, err := store.Apply(ctx, 2, Delta{Direction: Incoming, Amount: decimal.NewFromInt(100), At: now})
	require.NoError(t, err)
	assert.InDelta(t, 1.0/101.0, dst.RiskRatio, 1e-9)

	again, err := store.Apply(ctx, 1, Delta{Direction: Incoming, Amount: decimal.RequireFromString("0.5"), At: now})
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.InDegree)
	assert.True(t, again.Balance.Equal(decimal.RequireFromString("-99.5")))
	assert.InDelta(t, 101.0/1.5, again.RiskRatio, 1e-9)
}

func TestPostgres_ConcurrentApplies(t *testing.T) {
	db := testutil.Postgres(t)

	l := New(NewPostgresStore(db), nil)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := l.ApplyOutgoing(ctx, 77, decimal.RequireFromString("1.01"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := l.Get(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, int64(n), rec.OutDegree)
	assert.True(t, rec.TotalOutgoing.Equal(decimal.RequireFromString("50.5")))
}

func TestPostgres_GetMissingAndList(t *testing.T) {
	db := testutil.Postgres(t)

	store := NewPostgresStore(db)
	ctx := context.Background()

	_, err := store.Get(ctx, 12345)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _ = store.Apply(ctx, 5, Delta{Direction: Outgoing, Amount: decimal.NewFromInt(9), At: time.Now()})
	_, _ = store.Apply(ctx, 6, Delta{Direction: Incoming, Amount: decimal.NewFromInt(9), At: time.Now()})

	recs, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(5), recs[0].NodeID)
}
