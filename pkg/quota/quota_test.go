package quota

import (
	"context"
	"sync"
	"testing"

	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, limits Limits) *Ledger {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewLedger(store, limits)
}

func TestReserveCommit(t *testing.T) {
	ledger := newTestLedger(t, Limits{ResourceVolumes: 5, ResourceGigabytes: 100})
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "proj-1", CreationDeltas(10, ""))
	require.NoError(t, err)

	usage, err := ledger.Usage("proj-1", ResourceGigabytes)
	require.NoError(t, err)
	assert.Equal(t, 10, usage.Reserved)
	assert.Equal(t, 0, usage.InUse)

	require.NoError(t, ledger.Commit(ctx, res))

	usage, err = ledger.Usage("proj-1", ResourceGigabytes)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Reserved)
	assert.Equal(t, 10, usage.InUse)
}

func TestReserveRollback(t *testing.T) {
	ledger := newTestLedger(t, nil)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "proj-1", CreationDeltas(10, ""))
	require.NoError(t, err)
	require.NoError(t, ledger.Rollback(ctx, res))

	usage, err := ledger.Usage("proj-1", ResourceGigabytes)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Reserved)
	assert.Equal(t, 0, usage.InUse)
}

func TestOverQuotaDetail(t *testing.T) {
	ledger := newTestLedger(t, Limits{ResourceVolumes: 1, ResourceGigabytes: 20})
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "proj-1", CreationDeltas(15, ""))
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, res))

	_, err = ledger.Reserve(ctx, "proj-1", CreationDeltas(10, ""))
	require.Error(t, err)

	var over *OverQuotaError
	require.ErrorAs(t, err, &over)
	assert.Contains(t, over.Overs, ResourceVolumes)
	assert.Contains(t, over.Overs, ResourceGigabytes)
	assert.True(t, over.ExceedsGigabytes())
	assert.Equal(t, 20, over.Limits[ResourceGigabytes])
	assert.Equal(t, 15, over.Usage[ResourceGigabytes])
}

func TestOverQuotaVolumeCountOnly(t *testing.T) {
	ledger := newTestLedger(t, Limits{ResourceVolumes: 1, ResourceGigabytes: 100})
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "proj-1", CreationDeltas(1, ""))
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, res))

	_, err = ledger.Reserve(ctx, "proj-1", CreationDeltas(1, ""))
	var over *OverQuotaError
	require.ErrorAs(t, err, &over)
	assert.Equal(t, []string{ResourceVolumes}, over.Overs)
	assert.False(t, over.ExceedsGigabytes())
}

func TestReservationAtMostOnce(t *testing.T) {
	ledger := newTestLedger(t, nil)
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "proj-1", CreationDeltas(1, ""))
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, res))

	assert.ErrorIs(t, ledger.Commit(ctx, res), ErrReservationConsumed)
	assert.ErrorIs(t, ledger.Rollback(ctx, res), ErrReservationConsumed)

	res2, err := ledger.Reserve(ctx, "proj-1", CreationDeltas(1, ""))
	require.NoError(t, err)
	require.NoError(t, ledger.Rollback(ctx, res2))
	assert.ErrorIs(t, ledger.Commit(ctx, res2), ErrReservationConsumed)
}

func TestNegativeDeltasSkipLimitCheck(t *testing.T) {
	ledger := newTestLedger(t, Limits{ResourceVolumes: 1, ResourceGigabytes: 10})
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "proj-1", CreationDeltas(10, ""))
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, res))

	// Compensating negative reservation succeeds even at the limit
	comp, err := ledger.Reserve(ctx, "proj-1", CreationDeltas(10, "").Negate())
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, comp))

	usage, err := ledger.Usage("proj-1", ResourceGigabytes)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.InUse)
	assert.Equal(t, 0, usage.Reserved)
}

func TestPerTypeVariantsFallBackToBaseLimit(t *testing.T) {
	ledger := newTestLedger(t, Limits{ResourceVolumes: 10, ResourceGigabytes: 25})
	ctx := context.Background()

	res, err := ledger.Reserve(ctx, "proj-1", CreationDeltas(20, "standard"))
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, res))

	// The per-type gigabytes counter inherits the base limit of 25
	_, err = ledger.Reserve(ctx, "proj-1", CreationDeltas(10, "standard"))
	var over *OverQuotaError
	require.ErrorAs(t, err, &over)
	assert.Contains(t, over.Overs, "gigabytes_standard")
}

func TestConcurrentReservationsSerializePerProject(t *testing.T) {
	ledger := newTestLedger(t, Limits{ResourceVolumes: 50, ResourceGigabytes: 500})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.Reserve(ctx, "proj-1", CreationDeltas(5, ""))
			if err != nil {
				return
			}
			_ = ledger.Commit(ctx, res)
		}()
	}
	wg.Wait()

	usage, err := ledger.Usage("proj-1", ResourceGigabytes)
	require.NoError(t, err)
	assert.Equal(t, 100, usage.InUse)
	assert.Equal(t, 0, usage.Reserved)
}
