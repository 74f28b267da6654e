// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service defines the loan lifecycle operations.
type Service interface {
	Borrow(ctx context.Context, userID, bookID uuid.UUID, now time.Time) (*LoanRecord, error)
	Return(ctx context.Context, loanID uuid.UUID, now time.Time) (*LoanRecord, error)
	// CanUserBorrow answers false for any ineligibility, including lookup failures.
	CanUserBorrow(ctx context.Context, userID uuid.UUID) bool

	ActiveLoans(ctx context.Context, userID uuid.UUID) ([]LoanRecord, error)
	LoanHistory(ctx context.Context, userID uuid.UUID) ([]LoanRecord, error)
	OverdueLoans(ctx context.Context, now time.Time) ([]LoanRecord, error)
	CountActiveLoans(ctx context.Context, userID uuid.UUID) (int, error)
	GetLoan(ctx context.Context, loanID uuid.UUID) (*LoanRecord, error)
	CalculateFine(ctx context.Context, loanID uuid.UUID, now time.Time) (FineQuote, error)
	LoanEvents(ctx context.Context, loanID uuid.UUID) ([]LoanEvent, error)
}

// FineQuote is the fine a loan carries, or would carry if returned at the quoted time.
type FineQuote struct {
	LoanID      uuid.UUID       `json:"loan_id"`
	DaysOverdue int             `json:"days_overdue"`
	Fine        decimal.Decimal `json:"fine"`
}
