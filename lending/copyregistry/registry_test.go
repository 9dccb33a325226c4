package copyregistry_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bachducanh/E-Library/lending"
	"github.com/bachducanh/E-Library/lending/copyregistry"
	"github.com/bachducanh/E-Library/lending/memengine"
	"github.com/bachducanh/E-Library/testutil/helper"
)

func givenRegistry(t *testing.T, options ...copyregistry.Option) (*copyregistry.Registry, helper.MemoryCluster) {
	t.Helper()

	cluster := helper.GivenMemoryCluster(t, 3, "HN", "HP", "DN")
	registry, err := copyregistry.New(cluster.Router, options...)
	require.NoError(t, err, "error in arranging test data")

	return registry, cluster
}

func givenCopies(t *testing.T, registry *copyregistry.Registry, bookID, branchID string, n int) []lending.Copy {
	t.Helper()

	copies := make([]lending.Copy, 0, n)
	for range n {
		c, err := registry.AddCopy(context.Background(), bookID, branchID, lending.ConditionGood)
		require.NoError(t, err, "error in arranging test data")
		copies = append(copies, c)
	}

	return copies
}

func Test_AddCopy_StoresAvailableCopyOnBarcodeShard(t *testing.T) {
	// arrange
	registry, cluster := givenRegistry(t)

	// act
	c, err := registry.AddCopy(context.Background(), "BK1", "HN", lending.ConditionNew)

	// assert
	require.NoError(t, err)
	assert.Equal(t, lending.CopyAvailable, c.Status)
	assert.Equal(t, "BK1", c.BookID)
	assert.Equal(t, "HN", c.BranchID)

	stored, err := cluster.CopyShard(t, c.ID).GetCopy(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, stored)
}

func Test_AddCopy_RejectsUnknownBranchConditionAndBook(t *testing.T) {
	directory := memengine.NewDirectory()
	directory.PutBook("BK1")
	registry, _ := givenRegistry(t, copyregistry.WithCatalog(directory))
	ctx := context.Background()

	_, err := registry.AddCopy(ctx, "BK1", "XX", lending.ConditionNew)
	assert.ErrorIs(t, err, lending.ErrUnknownBranch)

	_, err = registry.AddCopy(ctx, "BK1", "HN", "shiny")
	assert.ErrorIs(t, err, lending.ErrInvalidArgument)

	_, err = registry.AddCopy(ctx, "BK404", "HN", lending.ConditionNew)
	assert.ErrorIs(t, err, lending.ErrNotFound)
}

func Test_Reserve_MutualExclusion(t *testing.T) {
	// arrange
	registry, _ := givenRegistry(t)
	c := givenCopies(t, registry, "BK1", "HN", 1)[0]

	const contenders = 32
	results := make([]error, contenders)
	var wg sync.WaitGroup

	// act
	for i := range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = registry.Reserve(context.Background(), c.ID, fmt.Sprintf("loan-%d", i))
		}()
	}
	wg.Wait()

	// assert
	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, lending.ErrConflict)
	}
	assert.Equal(t, 1, successes)
}

func Test_Reserve_UnknownCopy(t *testing.T) {
	registry, _ := givenRegistry(t)
	_, copyID := lending.NewBarcode()

	_, err := registry.Reserve(context.Background(), copyID, "L1")

	assert.ErrorIs(t, err, lending.ErrNotFound)
}

func Test_Reserve_WhenShardDown_ReportsShardUnavailable(t *testing.T) {
	registry, cluster := givenRegistry(t)
	c := givenCopies(t, registry, "BK1", "HN", 1)[0]
	cluster.CopyShard(t, c.ID).SetDown(true)

	_, err := registry.Reserve(context.Background(), c.ID, "L1")

	assert.ErrorIs(t, err, lending.ErrShardUnavailable)
	assert.NotContains(t, err.Error(), "mem-", "node names must not leak")
}

func Test_Release_OnlyFromBorrowed(t *testing.T) {
	// arrange
	ctx := context.Background()
	registry, _ := givenRegistry(t)
	c := givenCopies(t, registry, "BK1", "HN", 1)[0]

	// act + assert
	current, err := registry.Release(ctx, c.ID, "L1")
	assert.ErrorIs(t, err, lending.ErrInvalidState)
	assert.Equal(t, lending.CopyAvailable, current.Status)

	reserved, err := registry.Reserve(ctx, c.ID, "L1")
	require.NoError(t, err)
	assert.Equal(t, "L1", reserved.LoanID)

	released, err := registry.Release(ctx, c.ID, "L1")
	require.NoError(t, err)
	assert.Equal(t, lending.CopyAvailable, released.Status)
	assert.Empty(t, released.LoanID)
}

func Test_Release_RefusesCopyHeldByAnotherLoan(t *testing.T) {
	// arrange
	ctx := context.Background()
	registry, _ := givenRegistry(t)
	c := givenCopies(t, registry, "BK1", "HN", 1)[0]
	_, err := registry.Reserve(ctx, c.ID, "L2")
	require.NoError(t, err, "error in arranging test data")

	// act
	current, err := registry.Release(ctx, c.ID, "L1")

	// assert
	assert.ErrorIs(t, err, lending.ErrInvalidState)
	assert.Equal(t, lending.CopyBorrowed, current.Status)
	assert.Equal(t, "L2", current.LoanID)
}

func Test_Reserve_RequiresLoanID(t *testing.T) {
	registry, _ := givenRegistry(t)
	c := givenCopies(t, registry, "BK1", "HN", 1)[0]

	_, err := registry.Reserve(context.Background(), c.ID, "")

	assert.ErrorIs(t, err, lending.ErrInvalidArgument)
}

func Test_Availability_SumsAcrossShards(t *testing.T) {
	// arrange
	ctx := context.Background()
	registry, _ := givenRegistry(t)
	copies := givenCopies(t, registry, "BK1", "HN", 5)
	givenCopies(t, registry, "BK1", "DN", 2)
	givenCopies(t, registry, "BK2", "HN", 4)
	_, err := registry.Reserve(ctx, copies[0].ID, "L1")
	require.NoError(t, err)

	// act
	availability, err := registry.Availability(lending.WithBoundedStaleness(ctx, time.Second), "BK1")

	// assert
	require.NoError(t, err)
	assert.Equal(t, lending.Availability{BookID: "BK1", Total: 7, Available: 6}, availability)
}

func Test_ListCopies_FiltersByBranchAndStatus(t *testing.T) {
	// arrange
	ctx := context.Background()
	registry, _ := givenRegistry(t)
	hanoi := givenCopies(t, registry, "BK1", "HN", 3)
	givenCopies(t, registry, "BK1", "HP", 2)
	_, err := registry.Reserve(ctx, hanoi[1].ID, "L1")
	require.NoError(t, err)

	// act
	all, err := registry.ListCopies(ctx, lending.CopyFilter{BookID: "BK1"})
	require.NoError(t, err)
	available, err := registry.ListCopies(ctx, lending.CopyFilter{BookID: "BK1", BranchID: "HN", Status: lending.CopyAvailable})
	require.NoError(t, err)

	// assert
	assert.Len(t, all, 5)
	assert.Len(t, available, 2)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Barcode, all[i].Barcode)
	}
}

func Test_Retire_And_Reinstate(t *testing.T) {
	// arrange
	ctx := context.Background()
	registry, _ := givenRegistry(t)
	copies := givenCopies(t, registry, "BK1", "HN", 2)

	// act + assert
	retired, err := registry.Retire(ctx, copies[0].ID, lending.CopyLost)
	require.NoError(t, err)
	assert.Equal(t, lending.CopyLost, retired.Status)

	_, err = registry.Reserve(ctx, copies[0].ID, "L1")
	assert.ErrorIs(t, err, lending.ErrConflict)

	reinstated, err := registry.Reinstate(ctx, copies[0].ID)
	require.NoError(t, err)
	assert.Equal(t, lending.CopyAvailable, reinstated.Status)

	_, err = registry.Reserve(ctx, copies[1].ID, "L1")
	require.NoError(t, err)
	_, err = registry.Retire(ctx, copies[1].ID, lending.CopyMaintenance)
	assert.ErrorIs(t, err, lending.ErrConflict, "borrowed copies cannot be retired")

	_, err = registry.Retire(ctx, copies[0].ID, lending.CopyBorrowed)
	assert.ErrorIs(t, err, lending.ErrInvalidArgument)
}

func Test_Reserve_RecordsOperationMetrics(t *testing.T) {
	spy := helper.NewMetricsCollectorSpy()
	tracing := helper.NewTracingCollectorSpy()
	registry, _ := givenRegistry(t, copyregistry.WithMetrics(spy), copyregistry.WithTracing(tracing))
	c := givenCopies(t, registry, "BK1", "HN", 1)[0]

	_, err := registry.Reserve(context.Background(), c.ID, "L1")
	require.NoError(t, err)
	_, err = registry.Reserve(context.Background(), c.ID, "L1")
	require.Error(t, err)

	assert.True(t, spy.HasDurationRecord(lending.MetricOperationDuration))
	assert.True(t, spy.HasCounterRecordWithLabels(lending.MetricOperationCalls, map[string]string{
		lending.LabelOperation: "reserve_copy",
		lending.LabelStatus:    lending.StatusError,
		lending.LabelErrorType: "conflict",
	}))

	spans := tracing.Spans()
	require.NotEmpty(t, spans)
	last := spans[len(spans)-1]
	assert.Equal(t, "reserve_copy", last.Name)
	assert.Equal(t, lending.StatusError, last.Status)
	assert.True(t, last.Finished)
}
