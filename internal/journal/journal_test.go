package journal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bibliodigit/internal/circulation"
	"bibliodigit/internal/journal"
	"bibliodigit/internal/storage/postgres"
	"bibliodigit/internal/storage/postgres/testhelper"
)

func seedLoan(t *testing.T, ctx context.Context, store *postgres.LoanStore, catalog *postgres.Catalog) *circulation.LoanRecord {
	t.Helper()
	book := circulation.Book{ID: uuid.New(), Title: "Solaris", Author: "Stanislaw Lem"}
	require.NoError(t, catalog.Upsert(ctx, book))
	rec := circulation.NewLoanRecord(book.ID)
	require.NoError(t, store.Insert(ctx, rec))
	return rec
}

func event(rec *circulation.LoanRecord, typ circulation.EventType, version int, fine int64, at time.Time) circulation.LoanEvent {
	return circulation.LoanEvent{
		ID:          uuid.New(),
		LoanID:      rec.ID,
		BookID:      rec.BookID,
		UserID:      uuid.New(),
		Type:        typ,
		Status:      circulation.StatusActive,
		Fine:        decimal.NewFromInt(fine),
		DaysOverdue: int(fine),
		OccurredAt:  at,
		Version:     version,
	}
}

func TestAppendAndList(t *testing.T) {
	db := testhelper.SetupTestDB(t)
	ctx := context.Background()
	store := postgres.NewLoanStore(db, postgres.NewTxManager(db))
	j := journal.NewStore(db)
	rec := seedLoan(t, ctx, store, postgres.NewCatalog(db))

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, j.Append(ctx, event(rec, circulation.EventLoanBorrowed, 1, 0, at)))
	require.NoError(t, j.Append(ctx, event(rec, circulation.EventLoanReturned, 2, 4, at.Add(time.Hour))))

	events, err := j.ListForLoan(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Version)
	assert.Equal(t, circulation.EventLoanBorrowed, events[0].Type)
	assert.Equal(t, 2, events[1].Version)
	assert.True(t, events[1].Fine.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, 4, events[1].DaysOverdue)
	assert.True(t, events[1].OccurredAt.Equal(at.Add(time.Hour)))

	version, err := j.CurrentVersion(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	version, err = j.CurrentVersion(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestAppendDuplicateVersionConflicts(t *testing.T) {
	db := testhelper.SetupTestDB(t)
	ctx := context.Background()
	store := postgres.NewLoanStore(db, postgres.NewTxManager(db))
	j := journal.NewStore(db)
	rec := seedLoan(t, ctx, store, postgres.NewCatalog(db))

	now := time.Now().UTC()
	require.NoError(t, j.Append(ctx, event(rec, circulation.EventLoanBorrowed, 1, 0, now)))
	err := j.Append(ctx, event(rec, circulation.EventLoanBorrowed, 1, 0, now))
	assert.ErrorIs(t, err, circulation.ErrConcurrentUpdate)
}

func TestAppendRejectsStaleVersion(t *testing.T) {
	db := testhelper.SetupTestDB(t)
	ctx := context.Background()
	store := postgres.NewLoanStore(db, postgres.NewTxManager(db))
	j := journal.NewStore(db)
	rec := seedLoan(t, ctx, store, postgres.NewCatalog(db))

	now := time.Now().UTC()
	require.NoError(t, j.Append(ctx, event(rec, circulation.EventLoanBorrowed, 1, 0, now)))
	require.NoError(t, j.Append(ctx, event(rec, circulation.EventLoanReturned, 3, 0, now)))

	err := j.Append(ctx, event(rec, circulation.EventLoanBorrowed, 2, 0, now))
	require.ErrorIs(t, err, circulation.ErrConcurrentUpdate)

	events, err := j.ListForLoan(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 3, events[1].Version)

	version, err := j.CurrentVersion(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	db := testhelper.SetupTestDB(t)
	ctx := context.Background()
	txm := postgres.NewTxManager(db)
	store := postgres.NewLoanStore(db, txm)
	j := journal.NewStore(db)
	rec := seedLoan(t, ctx, store, postgres.NewCatalog(db))

	boom := errors.New("boom")
	err := txm.RunInTx(ctx, func(ctx context.Context) error {
		if err := j.Append(ctx, event(rec, circulation.EventLoanBorrowed, 1, 0, time.Now())); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, err := j.ListForLoan(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}
