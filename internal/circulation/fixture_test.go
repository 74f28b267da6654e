package circulation_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"

	"bibliodigit/internal/circulation"
	"bibliodigit/internal/storage/memory"
)

var t0 = time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store *memory.Store
	users *memory.Directory
	books *memory.Catalog
	svc   circulation.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil)
}

// newFixtureWithStore lets a test wrap the memory store, e.g. to inject save failures.
func newFixtureWithStore(t *testing.T, wrap func(*memory.Store) circulation.LoanRecordStore) *fixture {
	t.Helper()
	return buildFixture(t, wrap, nil)
}

func newFixtureWithMeter(t *testing.T, meter metric.Meter) *fixture {
	t.Helper()
	return buildFixture(t, nil, meter)
}

func buildFixture(t *testing.T, wrap func(*memory.Store) circulation.LoanRecordStore, meter metric.Meter) *fixture {
	t.Helper()

	f := &fixture{
		store: memory.NewStore(),
		users: memory.NewDirectory(),
		books: memory.NewCatalog(),
	}

	var store circulation.LoanRecordStore = f.store
	if wrap != nil {
		store = wrap(f.store)
	}

	svc, err := circulation.NewService(circulation.ServiceParams{
		Users:    f.users,
		Books:    f.books,
		Store:    store,
		Journal:  f.store,
		Policies: circulation.NewPolicyTable(circulation.DefaultPolicies()),
		Fines:    circulation.NewFineCalculator(circulation.DefaultFineRate),
		Meter:    meter,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) user(t *testing.T, category circulation.UserCategory, active bool) uuid.UUID {
	t.Helper()
	u := circulation.User{ID: uuid.New(), Name: "reader", Active: active, Category: category}
	f.users.Put(u)
	return u.ID
}

func (f *fixture) student(t *testing.T) uuid.UUID {
	return f.user(t, circulation.CategoryStudent, true)
}

// book catalogues a title with n free copies.
func (f *fixture) book(t *testing.T, n int) uuid.UUID {
	t.Helper()
	b := circulation.Book{ID: uuid.New(), Title: "The Name of the Rose", Author: "Umberto Eco"}
	f.books.Put(b)
	_, err := f.store.SeedCopies(b.ID, n)
	require.NoError(t, err)
	return b.ID
}

func (f *fixture) assertInvariants(t *testing.T) {
	t.Helper()
	for _, r := range f.store.All(context.Background()) {
		require.NoError(t, r.Validate())
	}
}
