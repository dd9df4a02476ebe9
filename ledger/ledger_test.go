package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/session-ledger/booking"
	"github.com/warp/session-ledger/ledger"
	"github.com/warp/session-ledger/store/memory"
	"github.com/warp/session-ledger/store/sqlite"
)

var fixedNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, store ledger.Store) *ledger.Ledger {
	t.Helper()
	var seq atomic.Int64
	l := ledger.New(store)
	l.Now = func() time.Time { return fixedNow }
	l.NewID = func() ledger.EntryID { return ledger.EntryID(fmt.Sprintf("entry-%d", seq.Add(1))) }
	return l
}

func withQuota(t *testing.T, company, personal int) (*memory.Memory, *ledger.Ledger) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	require.NoError(t, store.SaveSubscriber(ctx, booking.Subscriber{ID: "sub-1", Active: true}))
	l := newLedger(t, store)
	_, err := l.Allocate(ctx, "sub-1", ledger.PoolCompany, company)
	require.NoError(t, err)
	_, err = l.Allocate(ctx, "sub-1", ledger.PoolPersonal, personal)
	require.NoError(t, err)
	return store, l
}

func request() ledger.DebitRequest {
	return ledger.DebitRequest{
		SubscriberID:  "sub-1",
		BookingID:     "bk-1",
		ProviderID:    "prov-1",
		SessionDate:   fixedNow,
		PreferredPool: ledger.PoolCompany,
	}
}

func TestDebit_DefaultsToCompanyPool(t *testing.T) {
	_, l := withQuota(t, 1, 1)
	req := request()
	req.PreferredPool = ""

	entry, err := l.Debit(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, ledger.PoolCompany, entry.Pool)
	assert.Equal(t, ledger.EntryActive, entry.Status)
	assert.Equal(t, fixedNow, entry.CreatedAt)
}

func TestDebit_UnknownPool(t *testing.T) {
	_, l := withQuota(t, 1, 1)
	req := request()
	req.PreferredPool = "family"

	_, err := l.Debit(context.Background(), req)

	var unknown *ledger.UnknownPoolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "family", unknown.Pool)
	assert.True(t, ledger.IsClientError(err))
}

func TestDebitWithFallback(t *testing.T) {
	tests := []struct {
		name      string
		company   int
		personal  int
		wantPool  ledger.Pool
		wantErr   error
		wantTried []ledger.Pool
	}{
		{name: "company available", company: 10, personal: 5, wantPool: ledger.PoolCompany},
		{name: "company exhausted", company: 0, personal: 5, wantPool: ledger.PoolPersonal},
		{name: "both exhausted", company: 0, personal: 0, wantErr: ledger.ErrQuotaExhausted,
			wantTried: []ledger.Pool{ledger.PoolCompany, ledger.PoolPersonal}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, l := withQuota(t, tt.company, tt.personal)
			ctx := context.Background()

			entry, err := l.DebitWithFallback(ctx, request())

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				var exhausted *ledger.QuotaExhaustedError
				require.ErrorAs(t, err, &exhausted)
				assert.Equal(t, tt.wantTried, exhausted.Tried)
				entries, _ := store.ListEntries(ctx, "sub-1")
				assert.Empty(t, entries)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPool, entry.Pool)

			bal, err := l.Balance(ctx, "sub-1")
			require.NoError(t, err)
			assert.Equal(t, 1, bal.Pool(tt.wantPool).Used)
			assert.Equal(t, 0, bal.Pool(tt.wantPool.Other()).Used)
		})
	}
}

type failingStore struct {
	ledger.Store
	err error
}

func (f failingStore) ApplyDebit(context.Context, ledger.Entry) error { return f.err }

func TestDebitWithFallback_StopsOnStoreFailure(t *testing.T) {
	store, _ := withQuota(t, 0, 5)
	boom := errors.New("disk full")
	l := newLedger(t, failingStore{Store: store, err: boom})

	_, err := l.DebitWithFallback(context.Background(), request())

	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ledger.ErrQuotaExhausted)
}

func TestRefund_RestoresAndIsIdempotent(t *testing.T) {
	// GIVEN: one session charged to the company pool
	_, l := withQuota(t, 2, 0)
	ctx := context.Background()
	entry, err := l.Debit(ctx, request())
	require.NoError(t, err)

	// WHEN: refunding twice
	first, err := l.Refund(ctx, entry.ID)
	require.NoError(t, err)
	second, err := l.Refund(ctx, entry.ID)
	require.NoError(t, err)

	// THEN: used drops by exactly one
	assert.Equal(t, ledger.EntryRefunded, first.Status)
	assert.Equal(t, ledger.EntryRefunded, second.Status)
	bal, err := l.Balance(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Company.Used)
	assert.Equal(t, 2, bal.Company.Available())
}

func TestRefund_UnknownEntry(t *testing.T) {
	_, l := withQuota(t, 1, 0)

	_, err := l.Refund(context.Background(), "missing")

	assert.True(t, ledger.IsNotFound(err))
}

func TestAllocate_Validation(t *testing.T) {
	_, l := withQuota(t, 1, 0)
	ctx := context.Background()

	_, err := l.Allocate(ctx, "sub-1", "family", 1)
	assert.ErrorIs(t, err, ledger.ErrUnknownPool)

	_, err = l.Allocate(ctx, "sub-1", ledger.PoolCompany, -1)
	assert.ErrorIs(t, err, ledger.ErrAllocationBelowUsage)
}

func TestBalance_MissingPoolsReadAsZero(t *testing.T) {
	l := newLedger(t, memory.New())

	bal, err := l.Balance(context.Background(), "nobody")

	require.NoError(t, err)
	assert.Equal(t, 0, bal.TotalAvailable())
	assert.Equal(t, ledger.PoolPersonal, bal.Personal.Pool)
}

func TestDebitWithFallback_ConcurrentOnSQLite(t *testing.T) {
	// GIVEN: two company units and one personal unit
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	require.NoError(t, store.SaveSubscriber(ctx, booking.Subscriber{ID: "sub-1", Active: true, CreatedAt: fixedNow, UpdatedAt: fixedNow}))
	l := newLedger(t, store)
	_, err = l.Allocate(ctx, "sub-1", ledger.PoolCompany, 2)
	require.NoError(t, err)
	_, err = l.Allocate(ctx, "sub-1", ledger.PoolPersonal, 1)
	require.NoError(t, err)

	// WHEN: eight sessions are charged at once, each in its own transaction
	var (
		wg        sync.WaitGroup
		ok        atomic.Int64
		exhausted atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request()
			req.BookingID = ledger.BookingID(fmt.Sprintf("bk-%d", i))
			err := store.WithTx(ctx, func(tx booking.Store) error {
				_, err := l.With(tx).DebitWithFallback(ctx, req)
				return err
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrQuotaExhausted):
				exhausted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	// THEN: exactly three succeed and neither pool is overdrawn
	assert.Equal(t, int64(3), ok.Load())
	assert.Equal(t, int64(5), exhausted.Load())
	bal, err := l.Balance(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, 2, bal.Company.Used)
	assert.Equal(t, 1, bal.Personal.Used)
}
