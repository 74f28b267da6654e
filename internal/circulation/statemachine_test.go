package circulation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"bibliodigit/internal/circulation"
)

// lendingMachine drives random borrows, returns and clock moves against the
// engine and checks it against a model of who holds which copy.
type lendingMachine struct {
	f       *fixture
	now     time.Time
	users   []circulation.User
	books   []uuid.UUID
	holders map[uuid.UUID]uuid.UUID // loan id -> borrower
	loans   map[uuid.UUID]int       // user id -> active loans
}

func TestLendingStateMachine(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		m := &lendingMachine{
			f:       f,
			now:     t0,
			holders: make(map[uuid.UUID]uuid.UUID),
			loans:   make(map[uuid.UUID]int),
		}
		for _, c := range []circulation.UserCategory{circulation.CategoryStudent, circulation.CategoryTeacher, circulation.CategoryExternal} {
			u := circulation.User{ID: uuid.New(), Active: true, Category: c}
			f.users.Put(u)
			m.users = append(m.users, u)
		}
		for i := 0; i < 4; i++ {
			m.books = append(m.books, f.book(t, 1+i%2))
		}

		rt.Repeat(map[string]func(*rapid.T){
			"borrow":  m.borrow,
			"return":  m.returnLoan,
			"advance": m.advance,
			"":        m.check,
		})
	})
}

func (m *lendingMachine) borrow(t *rapid.T) {
	ctx := context.Background()
	user := rapid.SampledFrom(m.users).Draw(t, "user")
	bookID := rapid.SampledFrom(m.books).Draw(t, "book")

	free := 0
	copies, _ := m.f.store.FindByBook(ctx, bookID)
	for _, c := range copies {
		if c.Availability {
			free++
		}
	}
	policy, _ := circulation.NewPolicyTable(circulation.DefaultPolicies()).PolicyFor(user.Category)

	loan, err := m.f.svc.Borrow(ctx, user.ID, bookID, m.now)
	switch {
	case free == 0:
		if !errors.Is(err, circulation.ErrBookUnavailable) {
			t.Fatalf("no free copy: got %v", err)
		}
	case m.loans[user.ID] >= policy.MaxConcurrentLoans:
		if !errors.Is(err, circulation.ErrBorrowLimitExceeded) {
			t.Fatalf("at limit %d: got %v", policy.MaxConcurrentLoans, err)
		}
	default:
		if err != nil {
			t.Fatalf("borrow should succeed: %v", err)
		}
		if !loan.DeliveryDate.Equal(loan.DepartureDate.AddDate(0, 0, policy.MaxLoanDurationDays)) {
			t.Fatalf("delivery %s not departure + %d days", loan.DeliveryDate, policy.MaxLoanDurationDays)
		}
		m.holders[loan.ID] = user.ID
		m.loans[user.ID]++
	}
}

func (m *lendingMachine) returnLoan(t *rapid.T) {
	ctx := context.Background()
	all := m.f.store.All(ctx)
	target := rapid.SampledFrom(all).Draw(t, "record")

	returned, err := m.f.svc.Return(ctx, target.ID, m.now)
	holder, out := m.holders[target.ID]
	if !out {
		if !errors.Is(err, circulation.ErrLoanNotActive) {
			t.Fatalf("returning a free copy: got %v", err)
		}
		return
	}
	if err != nil {
		t.Fatalf("return should succeed: %v", err)
	}

	late := m.now.After(*target.DeliveryDate)
	if late && returned.Status != circulation.StatusOverdue {
		t.Fatalf("late return got status %s", returned.Status)
	}
	if !late && (returned.Status != circulation.StatusReturned || !returned.Fine.IsZero()) {
		t.Fatalf("on-time return got status %s fine %s", returned.Status, returned.Fine)
	}
	delete(m.holders, target.ID)
	m.loans[holder]--
}

func (m *lendingMachine) advance(t *rapid.T) {
	hours := rapid.IntRange(1, 24*20).Draw(t, "hours")
	m.now = m.now.Add(time.Duration(hours) * time.Hour)
}

func (m *lendingMachine) check(t *rapid.T) {
	ctx := context.Background()
	for _, r := range m.f.store.All(ctx) {
		if err := r.Validate(); err != nil {
			t.Fatal(err)
		}
		holder, out := m.holders[r.ID]
		if out != !r.Availability {
			t.Fatalf("record %s availability %t, model out %t", r.ID, r.Availability, out)
		}
		if out && *r.UserID != holder {
			t.Fatalf("record %s held by %s, model says %s", r.ID, *r.UserID, holder)
		}
	}
	for _, u := range m.users {
		n, err := m.f.svc.CountActiveLoans(ctx, u.ID)
		if err != nil {
			t.Fatal(err)
		}
		if n != m.loans[u.ID] {
			t.Fatalf("user %s has %d active loans, model %d", u.ID, n, m.loans[u.ID])
		}
	}
}
