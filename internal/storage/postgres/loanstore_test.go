package postgres_test

import (
	"context"
	"errors"
	"sync"
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

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type pgFixture struct {
	store *postgres.LoanStore
	users *postgres.Directory
	books *postgres.Catalog
	svc   circulation.Service
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	db := testhelper.SetupTestDB(t)

	f := &pgFixture{
		store: postgres.NewLoanStore(db, postgres.NewTxManager(db)),
		users: postgres.NewDirectory(db),
		books: postgres.NewCatalog(db),
	}
	svc, err := circulation.NewService(circulation.ServiceParams{
		Users:    f.users,
		Books:    f.books,
		Store:    f.store,
		Journal:  journal.NewStore(db),
		Policies: circulation.NewPolicyTable(circulation.DefaultPolicies()),
		Fines:    circulation.NewFineCalculator(circulation.DefaultFineRate),
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *pgFixture) user(t *testing.T, category circulation.UserCategory) uuid.UUID {
	t.Helper()
	u := circulation.User{ID: uuid.New(), Name: "reader", Active: true, Category: category}
	require.NoError(t, f.users.Upsert(context.Background(), u))
	return u.ID
}

func (f *pgFixture) book(t *testing.T, copies int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	b := circulation.Book{ID: uuid.New(), Title: "Dune", Author: "Frank Herbert"}
	require.NoError(t, f.books.Upsert(ctx, b))
	for range copies {
		require.NoError(t, f.store.Insert(ctx, circulation.NewLoanRecord(b.ID)))
	}
	return b.ID
}

func TestLoanStoreRoundTrip(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	bookID := f.book(t, 1)
	userID := f.user(t, circulation.CategoryStudent)

	copies, err := f.store.FindByBook(ctx, bookID)
	require.NoError(t, err)
	require.Len(t, copies, 1)
	rec := copies[0]
	assert.True(t, rec.Availability)
	assert.Equal(t, circulation.StatusAvailable, rec.Status)

	policy := circulation.LendingPolicy{MaxConcurrentLoans: 3, MaxLoanDurationDays: 14}
	require.NoError(t, rec.Lend(userID, t0, policy))
	require.NoError(t, f.store.Save(ctx, &rec))
	assert.Equal(t, 1, rec.Version)

	got, err := f.store.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusActive, got.Status)
	require.NotNil(t, got.UserID)
	assert.Equal(t, userID, *got.UserID)
	assert.True(t, got.DeliveryDate.Equal(t0.AddDate(0, 0, 14)))
	assert.True(t, got.Fine.Equal(decimal.Zero))
}

func TestLoanStoreSaveConflicts(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	bookID := f.book(t, 1)
	userID := f.user(t, circulation.CategoryStudent)

	copies, err := f.store.FindByBook(ctx, bookID)
	require.NoError(t, err)
	stale := copies[0].Clone()

	rec := copies[0]
	require.NoError(t, rec.Lend(userID, t0, circulation.LendingPolicy{MaxConcurrentLoans: 1, MaxLoanDurationDays: 7}))
	require.NoError(t, f.store.Save(ctx, &rec))

	require.NoError(t, stale.Lend(userID, t0, circulation.LendingPolicy{MaxConcurrentLoans: 1, MaxLoanDurationDays: 7}))
	err = f.store.Save(ctx, stale)
	assert.ErrorIs(t, err, circulation.ErrConcurrentUpdate)

	missing := circulation.NewLoanRecord(bookID)
	err = f.store.Save(ctx, missing)
	assert.ErrorIs(t, err, circulation.ErrNotFound)

	_, err = f.store.FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, circulation.ErrNotFound)
}

func TestFindAvailableSkipsLockedCopies(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	bookID := f.book(t, 2)

	held := make(chan uuid.UUID)
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- f.store.RunInTx(ctx, func(ctx context.Context) error {
			r, err := f.store.FindAvailableForBook(ctx, bookID)
			if err != nil {
				return err
			}
			held <- r.ID
			<-release
			return nil
		})
	}()

	first := <-held
	err := f.store.RunInTx(ctx, func(ctx context.Context) error {
		r, err := f.store.FindAvailableForBook(ctx, bookID)
		if err != nil {
			return err
		}
		assert.NotEqual(t, first, r.ID)
		return nil
	})
	close(release)
	require.NoError(t, err)
	require.NoError(t, <-done)
}

func TestFindAvailableWaitsForHolderThatRollsBack(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	bookID := f.book(t, 1)
	errAbandoned := errors.New("borrow abandoned")

	held := make(chan uuid.UUID)
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- f.store.RunInTx(ctx, func(ctx context.Context) error {
			r, err := f.store.FindAvailableForBook(ctx, bookID)
			if err != nil {
				return err
			}
			held <- r.ID
			<-release
			return errAbandoned
		})
	}()
	claimed := <-held

	type result struct {
		id  uuid.UUID
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		var got uuid.UUID
		err := f.store.RunInTx(ctx, func(ctx context.Context) error {
			r, err := f.store.FindAvailableForBook(ctx, bookID)
			if err != nil {
				return err
			}
			got = r.ID
			return nil
		})
		waiter <- result{id: got, err: err}
	}()

	select {
	case r := <-waiter:
		t.Fatalf("lookup returned while the copy was held: %v", r.err)
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	require.ErrorIs(t, <-holderDone, errAbandoned)

	r := <-waiter
	require.NoError(t, r.err)
	assert.Equal(t, claimed, r.id)
}

func TestBorrowerOverLimitDoesNotStarveOthersAgainstPostgres(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	over := f.user(t, circulation.CategoryExternal)
	for range 2 {
		_, err := f.svc.Borrow(ctx, over, f.book(t, 1), t0)
		require.NoError(t, err)
	}
	reader := f.user(t, circulation.CategoryStudent)
	bookID := f.book(t, 1)

	for range 10 {
		var (
			wg               sync.WaitGroup
			overErr, readErr error
			loan             *circulation.LoanRecord
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, overErr = f.svc.Borrow(ctx, over, bookID, t0)
		}()
		go func() {
			defer wg.Done()
			loan, readErr = f.svc.Borrow(ctx, reader, bookID, t0)
		}()
		wg.Wait()

		require.NoError(t, readErr)
		require.Error(t, overErr)
		assert.Contains(t,
			[]string{circulation.CodeBorrowLimitExceeded, circulation.CodeBookUnavailable},
			circulation.ErrorCode(overErr))
		_, err := f.svc.Return(ctx, loan.ID, t0)
		require.NoError(t, err)
	}
}

func TestBorrowAndReturnAgainstPostgres(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	bookID := f.book(t, 1)
	userID := f.user(t, circulation.CategoryExternal)

	loan, err := f.svc.Borrow(ctx, userID, bookID, t0)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusActive, loan.Status)

	_, err = f.svc.Borrow(ctx, f.user(t, circulation.CategoryStudent), bookID, t0)
	assert.ErrorIs(t, err, circulation.ErrBookUnavailable)

	n, err := f.svc.CountActiveLoans(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	overdue, err := f.svc.OverdueLoans(ctx, t0.AddDate(0, 0, 9))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, loan.ID, overdue[0].ID)

	returned, err := f.svc.Return(ctx, loan.ID, t0.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusOverdue, returned.Status)
	assert.True(t, returned.Fine.Equal(decimal.NewFromInt(3)), "fine %s", returned.Fine)
	assert.Nil(t, returned.UserID)

	history, err := f.svc.LoanHistory(ctx, userID)
	require.NoError(t, err)
	require.Len(t, history, 1)

	events, err := f.svc.LoanEvents(ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, circulation.EventLoanBorrowed, events[0].Type)
	assert.Equal(t, circulation.EventLoanReturned, events[1].Type)
	assert.Equal(t, 3, events[1].DaysOverdue)

	_, err = f.svc.Return(ctx, loan.ID, t0.AddDate(0, 0, 11))
	assert.ErrorIs(t, err, circulation.ErrLoanNotActive)
}

func TestConcurrentBorrowOfLastCopyAgainstPostgres(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	bookID := f.book(t, 1)

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		rejected int
	)
	for range workers {
		userID := f.user(t, circulation.CategoryStudent)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Borrow(ctx, userID, bookID, t0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, circulation.ErrBookUnavailable):
				rejected++
			default:
				t.Errorf("unexpected borrow error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, workers-1, rejected)
}

func TestConcurrentBorrowsRespectLimitAgainstPostgres(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	userID := f.user(t, circulation.CategoryExternal)

	var wg sync.WaitGroup
	for range 6 {
		bookID := f.book(t, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Borrow(ctx, userID, bookID, t0)
		}()
	}
	wg.Wait()

	n, err := f.svc.CountActiveLoans(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDirectoryAndCatalog(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	_, err := f.users.FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, circulation.ErrNotFound)
	_, err = f.books.FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, circulation.ErrNotFound)

	u := circulation.User{ID: uuid.New(), Name: "Ada", Active: true, Category: circulation.CategoryTeacher}
	require.NoError(t, f.users.Upsert(ctx, u))
	u.Active = false
	require.NoError(t, f.users.Upsert(ctx, u))

	got, err := f.users.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u, got)

	bookID := f.book(t, 0)
	b, err := f.books.FindByID(ctx, bookID)
	require.NoError(t, err)
	assert.Equal(t, "Dune", b.Title)
}
