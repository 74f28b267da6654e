package circulation

import (
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// DefaultFineRate is one currency unit per overdue day.
var DefaultFineRate = decimal.NewFromInt(1)

// FineCalculator computes lateness and penalties against an explicit now.
type FineCalculator struct {
	RatePerDay decimal.Decimal
}

func NewFineCalculator(rate decimal.Decimal) FineCalculator {
	return FineCalculator{RatePerDay: rate}
}

// DaysOverdue counts whole days past the delivery date, measured to the
// actual return date when set and to now otherwise. Never negative.
func (f FineCalculator) DaysOverdue(r *LoanRecord, now time.Time) int {
	if r == nil || r.Status == StatusReturned || r.DeliveryDate == nil {
		return 0
	}
	until := now
	if r.ActualReturnDate != nil {
		until = *r.ActualReturnDate
	}
	if !until.After(*r.DeliveryDate) {
		return 0
	}
	return int(until.Sub(*r.DeliveryDate) / day)
}

func (f FineCalculator) FineAmount(r *LoanRecord, now time.Time) decimal.Decimal {
	days := f.DaysOverdue(r, now)
	if days == 0 {
		return decimal.Zero
	}
	return f.RatePerDay.Mul(decimal.NewFromInt(int64(days)))
}

// IsOverdue is the live predicate: still out and past due.
func (f FineCalculator) IsOverdue(r *LoanRecord, now time.Time) bool {
	return r != nil && r.Status == StatusActive && r.DeliveryDate != nil && now.After(*r.DeliveryDate)
}
