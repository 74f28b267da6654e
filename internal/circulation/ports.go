package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// User is what the engine needs from the user directory.
type User struct {
	ID       uuid.UUID    `json:"id"`
	Name     string       `json:"name,omitempty"`
	Active   bool         `json:"active"`
	Category UserCategory `json:"category"`
}

// Book is what the engine needs from the catalog. Title and author are display only.
type Book struct {
	ID     uuid.UUID `json:"id"`
	Title  string    `json:"title,omitempty"`
	Author string    `json:"author,omitempty"`
}

// UserDirectory returns ErrNotFound for unknown ids.
type UserDirectory interface {
	FindByID(ctx context.Context, id uuid.UUID) (User, error)
}

// BookCatalog returns ErrNotFound for unknown ids.
type BookCatalog interface {
	FindByID(ctx context.Context, id uuid.UUID) (Book, error)
}

// LoanRecordStore persists loan records. RunInTx carries its transaction in
// the context handed to fn; every other method joins it when present.
type LoanRecordStore interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	// LockUser serialises borrows by one user until the transaction ends.
	LockUser(ctx context.Context, userID uuid.UUID) error
	FindByID(ctx context.Context, id uuid.UUID) (*LoanRecord, error)
	// FindAvailableForBook claims one free copy for the enclosing transaction.
	FindAvailableForBook(ctx context.Context, bookID uuid.UUID) (*LoanRecord, error)
	FindActiveByUser(ctx context.Context, userID uuid.UUID) ([]LoanRecord, error)
	CountActiveByUser(ctx context.Context, userID uuid.UUID) (int, error)
	FindAllByUser(ctx context.Context, userID uuid.UUID) ([]LoanRecord, error)
	FindOverdueAsOf(ctx context.Context, now time.Time) ([]LoanRecord, error)
	// Save writes all fields at once and bumps Version; a stale Version yields ErrConcurrentUpdate.
	Save(ctx context.Context, record *LoanRecord) error
}

// Journal records loan events. Append joins the store transaction in ctx.
type Journal interface {
	Append(ctx context.Context, event LoanEvent) error
	ListForLoan(ctx context.Context, loanID uuid.UUID) ([]LoanEvent, error)
}

type nopJournal struct{}

func (nopJournal) Append(context.Context, LoanEvent) error { return nil }

func (nopJournal) ListForLoan(context.Context, uuid.UUID) ([]LoanEvent, error) { return nil, nil }
