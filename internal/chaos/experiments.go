package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"bibliodigit/internal/circulation"
	"bibliodigit/internal/logger"
	"bibliodigit/internal/storage/memory"
)

// Target is the deployment the experiments run against.
type Target struct {
	Service  circulation.Service
	Store    *memory.Store
	Users    *memory.Directory
	Books    *memory.Catalog
	Policies *circulation.PolicyTable
	Clock    func() time.Time
}

// NewMemoryTarget wires the engine to in-memory adapters.
func NewMemoryTarget(policies *circulation.PolicyTable, fines circulation.FineCalculator, log *logger.Logger, clock func() time.Time) (*Target, error) {
	t := &Target{
		Store:    memory.NewStore(),
		Users:    memory.NewDirectory(),
		Books:    memory.NewCatalog(),
		Policies: policies,
		Clock:    clock,
	}
	svc, err := circulation.NewService(circulation.ServiceParams{
		Users:    t.Users,
		Books:    t.Books,
		Store:    t.Store,
		Journal:  t.Store,
		Policies: policies,
		Fines:    fines,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	t.Service = svc
	return t, nil
}

// InvariantViolations counts stored records that break the record invariants.
func (t *Target) InvariantViolations(ctx context.Context) (float64, error) {
	var n float64
	for _, r := range t.Store.All(ctx) {
		if err := r.Validate(); err != nil {
			n++
		}
	}
	return n, nil
}

func (t *Target) seedBook(copies int) (uuid.UUID, error) {
	book := circulation.Book{ID: uuid.New(), Title: "chaos copy"}
	t.Books.Put(book)
	if _, err := t.Store.SeedCopies(book.ID, copies); err != nil {
		return uuid.Nil, err
	}
	return book.ID, nil
}

func (t *Target) seedUser(category circulation.UserCategory) uuid.UUID {
	u := circulation.User{ID: uuid.New(), Name: "chaos reader", Active: true, Category: category}
	t.Users.Put(u)
	return u.ID
}

// returnAll closes every active loan on the given books.
func (t *Target) returnAll(ctx context.Context, bookIDs ...uuid.UUID) error {
	var errs []error
	for _, bookID := range bookIDs {
		copies, err := t.Store.FindByBook(ctx, bookID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, c := range copies {
			if c.Status != circulation.StatusActive {
				continue
			}
			if _, err := t.Service.Return(ctx, c.ID, t.Clock()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// fanOut starts n calls of fn behind one gate so they contend as closely as
// possible, and waits for all of them.
func fanOut(n int, fn func(i int)) {
	var (
		wg   sync.WaitGroup
		gate = make(chan struct{})
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			fn(i)
		}()
	}
	close(gate)
	wg.Wait()
}

// RegisterExperiments registers the circulation race experiments.
func RegisterExperiments(e *Engine, t *Target, concurrency int, window time.Duration) {
	e.Register(ConcurrentBorrowExperiment(t, concurrency, window))
	e.Register(ConcurrentReturnExperiment(t, concurrency, window))
	e.Register(BorrowLimitExperiment(t, concurrency, window))
}

func invariantMetric(t *Target) Metric {
	return Metric{
		Name:      "invariant_violations",
		Query:     t.InvariantViolations,
		Threshold: Threshold{Operator: OpEqual, Value: 0},
	}
}

func invariantAssertion() Assertion {
	return Assertion{
		Metric:    "invariant_violations",
		Condition: func(v float64) bool { return v == 0 },
		Message:   "No loan record may break its invariants",
	}
}

// ConcurrentBorrowExperiment races concurrency borrowers for the single copy of a book.
func ConcurrentBorrowExperiment(t *Target, concurrency int, window time.Duration) Experiment {
	var (
		bookID  uuid.UUID
		winners atomic.Int64
	)

	return Experiment{
		Name:       "concurrent-borrow-single-copy",
		Hypothesis: "Exactly one of many simultaneous borrowers gets the last copy",
		SteadyState: []Metric{
			invariantMetric(t),
			{
				Name:      "borrow_winners",
				Query:     func(context.Context) (float64, error) { return float64(winners.Load()), nil },
				Threshold: Threshold{Operator: OpLessEqual, Value: 1},
			},
		},
		Method: []Action{
			{
				Type:       "concurrent-requests",
				Target:     "circulation-engine",
				Parameters: map[string]any{"concurrency": concurrency, "copies": 1},
				Execute: func(ctx context.Context) error {
					var err error
					if bookID, err = t.seedBook(1); err != nil {
						return err
					}
					users := make([]uuid.UUID, concurrency)
					for i := range users {
						users[i] = t.seedUser(circulation.CategoryStudent)
					}

					var unexpected atomic.Int64
					fanOut(concurrency, func(i int) {
						_, err := t.Service.Borrow(ctx, users[i], bookID, t.Clock())
						switch {
						case err == nil:
							winners.Add(1)
						case errors.Is(err, circulation.ErrBookUnavailable):
						default:
							unexpected.Add(1)
						}
					})
					if n := unexpected.Load(); n > 0 {
						return fmt.Errorf("%d borrows failed unexpectedly", n)
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:    "return-loans",
				Target:  "circulation-engine",
				Execute: func(ctx context.Context) error { return t.returnAll(ctx, bookID) },
			},
		},
		Validation: []Assertion{
			{
				Metric:    "borrow_winners",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Exactly one borrower should win the copy",
			},
			invariantAssertion(),
		},
		Duration:    window,
		BlastRadius: 0.1,
	}
}

// ConcurrentReturnExperiment returns the same loan from many callers at once.
func ConcurrentReturnExperiment(t *Target, concurrency int, window time.Duration) Experiment {
	var successes atomic.Int64

	return Experiment{
		Name:       "concurrent-return-single-loan",
		Hypothesis: "Exactly one of many simultaneous returns of a loan succeeds",
		SteadyState: []Metric{
			invariantMetric(t),
			{
				Name:      "return_successes",
				Query:     func(context.Context) (float64, error) { return float64(successes.Load()), nil },
				Threshold: Threshold{Operator: OpLessEqual, Value: 1},
			},
		},
		Method: []Action{
			{
				Type:       "concurrent-requests",
				Target:     "circulation-engine",
				Parameters: map[string]any{"concurrency": concurrency},
				Execute: func(ctx context.Context) error {
					bookID, err := t.seedBook(1)
					if err != nil {
						return err
					}
					loan, err := t.Service.Borrow(ctx, t.seedUser(circulation.CategoryTeacher), bookID, t.Clock())
					if err != nil {
						return fmt.Errorf("seed loan: %w", err)
					}

					var unexpected atomic.Int64
					fanOut(concurrency, func(int) {
						_, err := t.Service.Return(ctx, loan.ID, t.Clock())
						switch {
						case err == nil:
							successes.Add(1)
						case errors.Is(err, circulation.ErrLoanNotActive), errors.Is(err, circulation.ErrConcurrentUpdate):
						default:
							unexpected.Add(1)
						}
					})
					if n := unexpected.Load(); n > 0 {
						return fmt.Errorf("%d returns failed unexpectedly", n)
					}
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "return_successes",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Exactly one return should succeed",
			},
			invariantAssertion(),
		},
		Duration:    window,
		BlastRadius: 0.1,
	}
}

// BorrowLimitExperiment has one EXTERNAL user borrow many different books at once.
func BorrowLimitExperiment(t *Target, concurrency int, window time.Duration) Experiment {
	var (
		userID uuid.UUID
		books  []uuid.UUID
		limit  = 0
	)
	if policy, err := t.Policies.PolicyFor(circulation.CategoryExternal); err == nil {
		limit = policy.MaxConcurrentLoans
	}

	activeLoans := func(ctx context.Context) (float64, error) {
		if userID == uuid.Nil {
			return 0, nil
		}
		n, err := t.Service.CountActiveLoans(ctx, userID)
		return float64(n), err
	}

	return Experiment{
		Name:       "concurrent-borrow-limit",
		Hypothesis: "A user borrowing many books at once never exceeds the category limit",
		SteadyState: []Metric{
			invariantMetric(t),
			{
				Name:      "active_loans_of_user",
				Query:     activeLoans,
				Threshold: Threshold{Operator: OpLessEqual, Value: float64(limit)},
			},
		},
		Method: []Action{
			{
				Type:       "concurrent-requests",
				Target:     "circulation-engine",
				Parameters: map[string]any{"concurrency": concurrency, "limit": limit},
				Execute: func(ctx context.Context) error {
					userID = t.seedUser(circulation.CategoryExternal)
					books = make([]uuid.UUID, concurrency)
					for i := range books {
						id, err := t.seedBook(1)
						if err != nil {
							return err
						}
						books[i] = id
					}

					var unexpected atomic.Int64
					fanOut(concurrency, func(i int) {
						_, err := t.Service.Borrow(ctx, userID, books[i], t.Clock())
						if err != nil && !errors.Is(err, circulation.ErrBorrowLimitExceeded) {
							unexpected.Add(1)
						}
					})
					if n := unexpected.Load(); n > 0 {
						return fmt.Errorf("%d borrows failed unexpectedly", n)
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:    "return-loans",
				Target:  "circulation-engine",
				Execute: func(ctx context.Context) error { return t.returnAll(ctx, books...) },
			},
		},
		Validation: []Assertion{
			{
				Metric:    "active_loans_of_user",
				Condition: func(v float64) bool { return v == float64(min(limit, concurrency)) },
				Message:   "The user should hold exactly as many loans as the category allows",
			},
			invariantAssertion(),
		},
		Duration:    window,
		BlastRadius: 0.1,
	}
}
