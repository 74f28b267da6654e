// Package memory holds in-process adapters for the circulation ports. They
// back tests, the chaos runner and the memory storage backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bibliodigit/internal/circulation"
)

type txKey struct{}

// tx stages record writes and journal entries until commit.
type tx struct {
	store   *Store
	records map[uuid.UUID]*circulation.LoanRecord
	events  []circulation.LoanEvent
}

// Store is a LoanRecordStore and Journal guarded by one lock. A transaction
// holds the write lock from start to commit, so transactions never interleave.
type Store struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*circulation.LoanRecord
	order   []uuid.UUID
	events  map[uuid.UUID][]circulation.LoanEvent
}

func NewStore() *Store {
	return &Store{
		records: make(map[uuid.UUID]*circulation.LoanRecord),
		events:  make(map[uuid.UUID][]circulation.LoanEvent),
	}
}

// Add seeds records. Each must satisfy the record invariants and have a fresh id.
func (s *Store) Add(records ...*circulation.LoanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, exists := s.records[r.ID]; exists {
			return fmt.Errorf("loan record %s already exists", r.ID)
		}
	}
	for _, r := range records {
		s.records[r.ID] = r.Clone()
		s.order = append(s.order, r.ID)
	}
	return nil
}

// SeedCopies adds n free copies of bookID and returns them.
func (s *Store) SeedCopies(bookID uuid.UUID, n int) ([]*circulation.LoanRecord, error) {
	copies := make([]*circulation.LoanRecord, 0, n)
	for i := 0; i < n; i++ {
		copies = append(copies, circulation.NewLoanRecord(bookID))
	}
	if err := s.Add(copies...); err != nil {
		return nil, err
	}
	return copies, nil
}

// RunInTx runs fn with a transaction in its context. A nested call joins the
// enclosing transaction. Staged changes are discarded when fn fails.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{store: s, records: make(map[uuid.UUID]*circulation.LoanRecord)}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}

	for id, r := range t.records {
		s.records[id] = r
	}
	for _, e := range t.events {
		s.events[e.LoanID] = append(s.events[e.LoanID], e)
	}
	return nil
}

// LockUser is a no-op: the transaction already holds the store lock.
func (s *Store) LockUser(context.Context, uuid.UUID) error {
	return nil
}

func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*circulation.LoanRecord, error) {
	t, unlock := s.acquireRead(ctx)
	defer unlock()

	r, ok := s.lookup(t, id)
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, circulation.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) FindAvailableForBook(ctx context.Context, bookID uuid.UUID) (*circulation.LoanRecord, error) {
	t, unlock := s.acquireRead(ctx)
	defer unlock()

	for _, r := range s.visible(t) {
		if r.BookID == bookID && r.Availability {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("available copy of book %s: %w", bookID, circulation.ErrNotFound)
}

func (s *Store) FindActiveByUser(ctx context.Context, userID uuid.UUID) ([]circulation.LoanRecord, error) {
	loans := s.filter(ctx, func(r *circulation.LoanRecord) bool {
		return r.Status == circulation.StatusActive && r.UserID != nil && *r.UserID == userID
	})
	sort.SliceStable(loans, func(i, j int) bool {
		return before(loans[i].DepartureDate, loans[j].DepartureDate)
	})
	return loans, nil
}

func (s *Store) CountActiveByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	loans, err := s.FindActiveByUser(ctx, userID)
	return len(loans), err
}

// FindAllByUser returns every record whose current or latest borrower is userID,
// most recent departure first.
func (s *Store) FindAllByUser(ctx context.Context, userID uuid.UUID) ([]circulation.LoanRecord, error) {
	loans := s.filter(ctx, func(r *circulation.LoanRecord) bool {
		return r.LastUserID != nil && *r.LastUserID == userID
	})
	sort.SliceStable(loans, func(i, j int) bool {
		return before(loans[j].DepartureDate, loans[i].DepartureDate)
	})
	return loans, nil
}

func (s *Store) FindOverdueAsOf(ctx context.Context, now time.Time) ([]circulation.LoanRecord, error) {
	loans := s.filter(ctx, func(r *circulation.LoanRecord) bool {
		return r.Status == circulation.StatusActive && r.DeliveryDate != nil && r.DeliveryDate.Before(now)
	})
	sort.SliceStable(loans, func(i, j int) bool {
		return before(loans[i].DeliveryDate, loans[j].DeliveryDate)
	})
	return loans, nil
}

// FindByBook lists every copy of bookID in seeding order.
func (s *Store) FindByBook(ctx context.Context, bookID uuid.UUID) ([]circulation.LoanRecord, error) {
	return s.filter(ctx, func(r *circulation.LoanRecord) bool { return r.BookID == bookID }), nil
}

// All lists every record in seeding order.
func (s *Store) All(ctx context.Context) []circulation.LoanRecord {
	return s.filter(ctx, func(*circulation.LoanRecord) bool { return true })
}

// Save replaces the stored record when record.Version matches and bumps the
// version on success.
func (s *Store) Save(ctx context.Context, record *circulation.LoanRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}

	return s.RunInTx(ctx, func(ctx context.Context) error {
		t := s.txFrom(ctx)
		current, ok := s.lookup(t, record.ID)
		if !ok {
			return fmt.Errorf("loan %s: %w", record.ID, circulation.ErrNotFound)
		}
		if current.Version != record.Version {
			return circulation.ErrConcurrentUpdate
		}

		record.Version++
		t.records[record.ID] = record.Clone()
		return nil
	})
}

// Append stages event in the enclosing transaction, or writes it directly.
// The version must be above every version already journalled for the loan.
func (s *Store) Append(ctx context.Context, event circulation.LoanEvent) error {
	return s.RunInTx(ctx, func(ctx context.Context) error {
		t := s.txFrom(ctx)
		current := 0
		for _, e := range s.events[event.LoanID] {
			current = max(current, e.Version)
		}
		for _, e := range t.events {
			if e.LoanID == event.LoanID {
				current = max(current, e.Version)
			}
		}
		if event.Version <= current {
			return fmt.Errorf("loan %s event version %d, journal at %d: %w",
				event.LoanID, event.Version, current, circulation.ErrConcurrentUpdate)
		}
		t.events = append(t.events, event)
		return nil
	})
}

// ListForLoan returns committed events of loanID in append order.
func (s *Store) ListForLoan(ctx context.Context, loanID uuid.UUID) ([]circulation.LoanEvent, error) {
	_, unlock := s.acquireRead(ctx)
	defer unlock()

	events := make([]circulation.LoanEvent, len(s.events[loanID]))
	copy(events, s.events[loanID])
	return events, nil
}

func (s *Store) txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	if t == nil || t.store != s {
		return nil
	}
	return t
}

// acquireRead returns the transaction in ctx, or takes the read lock.
func (s *Store) acquireRead(ctx context.Context) (*tx, func()) {
	if t := s.txFrom(ctx); t != nil {
		return t, func() {}
	}
	s.mu.RLock()
	return nil, s.mu.RUnlock
}

func (s *Store) lookup(t *tx, id uuid.UUID) (*circulation.LoanRecord, bool) {
	if t != nil {
		if r, ok := t.records[id]; ok {
			return r, true
		}
	}
	r, ok := s.records[id]
	return r, ok
}

// visible lists records as seen by t, in seeding order. Caller holds s.mu.
func (s *Store) visible(t *tx) []*circulation.LoanRecord {
	out := make([]*circulation.LoanRecord, 0, len(s.order))
	for _, id := range s.order {
		r, _ := s.lookup(t, id)
		out = append(out, r)
	}
	return out
}

func (s *Store) filter(ctx context.Context, keep func(*circulation.LoanRecord) bool) []circulation.LoanRecord {
	t, unlock := s.acquireRead(ctx)
	defer unlock()

	var out []circulation.LoanRecord
	for _, r := range s.visible(t) {
		if keep(r) {
			out = append(out, *r.Clone())
		}
	}
	return out
}

func before(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.Before(*b)
	}
}
