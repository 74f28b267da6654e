// internal/circulation/domain.go
package circulation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStatus is the stored lending state of a copy.
type LoanStatus string

const (
	StatusAvailable LoanStatus = "AVAILABLE"
	StatusActive    LoanStatus = "ACTIVE"
	StatusReturned  LoanStatus = "RETURNED"
	StatusOverdue   LoanStatus = "OVERDUE"
)

func (s LoanStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusActive, StatusReturned, StatusOverdue:
		return true
	}
	return false
}

// LoanRecord is the lending state of one physical copy of a book. Records are
// seeded per copy and reused across loans.
type LoanRecord struct {
	ID               uuid.UUID       `json:"id"`
	BookID           uuid.UUID       `json:"book_id"`
	UserID           *uuid.UUID      `json:"user_id"`
	LastUserID       *uuid.UUID      `json:"last_user_id,omitempty"`
	Availability     bool            `json:"availability"`
	Status           LoanStatus      `json:"status"`
	DepartureDate    *time.Time      `json:"departure_date"`
	DeliveryDate     *time.Time      `json:"delivery_date"`
	ActualReturnDate *time.Time      `json:"actual_return_date"`
	Fine             decimal.Decimal `json:"fine"`
	Version          int             `json:"version"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewLoanRecord returns a free record for a freshly catalogued copy.
func NewLoanRecord(bookID uuid.UUID) *LoanRecord {
	return &LoanRecord{
		ID:           uuid.New(),
		BookID:       bookID,
		Availability: true,
		Status:       StatusAvailable,
		Fine:         decimal.Zero,
	}
}

// Lend hands the copy to userID from now until the policy's due date.
func (r *LoanRecord) Lend(userID uuid.UUID, now time.Time, policy LendingPolicy) error {
	if !r.Availability {
		return ErrBookUnavailable
	}

	departure := now
	delivery := policy.DueDate(now)
	borrower := userID

	r.Availability = false
	r.UserID = &borrower
	r.LastUserID = &borrower
	r.Status = StatusActive
	r.DepartureDate = &departure
	r.DeliveryDate = &delivery
	r.ActualReturnDate = nil
	r.UpdatedAt = now
	return nil
}

// Close ends the active loan at now. Lateness is judged before the copy is
// released; a late return is OVERDUE and carries the fine.
func (r *LoanRecord) Close(now time.Time, fines FineCalculator) error {
	if r.Status != StatusActive {
		return ErrLoanNotActive
	}

	late := fines.IsOverdue(r, now)
	returned := now
	r.ActualReturnDate = &returned

	if late {
		r.Fine = fines.FineAmount(r, now)
		r.Status = StatusOverdue
	} else {
		r.Fine = decimal.Zero
		r.Status = StatusReturned
	}

	r.Availability = true
	r.UserID = nil
	r.UpdatedAt = now
	return nil
}

// Clone returns a deep copy so callers never share pointers with a store.
func (r *LoanRecord) Clone() *LoanRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.UserID = cloneUUID(r.UserID)
	c.LastUserID = cloneUUID(r.LastUserID)
	c.DepartureDate = cloneTime(r.DepartureDate)
	c.DeliveryDate = cloneTime(r.DeliveryDate)
	c.ActualReturnDate = cloneTime(r.ActualReturnDate)
	return &c
}

// Validate reports the first broken record invariant, if any.
func (r *LoanRecord) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("loan %s: unknown status %q", r.ID, r.Status)
	}
	if r.Availability != (r.UserID == nil) {
		return fmt.Errorf("loan %s: availability %t disagrees with borrower %v", r.ID, r.Availability, r.UserID)
	}
	if r.Availability == (r.Status == StatusActive) {
		return fmt.Errorf("loan %s: availability %t disagrees with status %s", r.ID, r.Availability, r.Status)
	}
	if r.Status == StatusActive {
		if r.DepartureDate == nil || r.DeliveryDate == nil {
			return fmt.Errorf("loan %s: active without departure or delivery date", r.ID)
		}
		if r.ActualReturnDate != nil {
			return fmt.Errorf("loan %s: active with a return date", r.ID)
		}
	}
	if r.Fine.IsNegative() {
		return fmt.Errorf("loan %s: negative fine %s", r.ID, r.Fine)
	}
	return nil
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EventType names a journal entry.
type EventType string

const (
	EventLoanBorrowed EventType = "LOAN_BORROWED"
	EventLoanReturned EventType = "LOAN_RETURNED"
)

// LoanEvent is an append-only journal entry written with every borrow and return.
type LoanEvent struct {
	ID          uuid.UUID       `json:"id"`
	LoanID      uuid.UUID       `json:"loan_id"`
	BookID      uuid.UUID       `json:"book_id"`
	UserID      uuid.UUID       `json:"user_id"`
	Type        EventType       `json:"type"`
	Status      LoanStatus      `json:"status"`
	Fine        decimal.Decimal `json:"fine"`
	DaysOverdue int             `json:"days_overdue"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Version     int             `json:"version"`
}

func newLoanEvent(eventType EventType, r *LoanRecord, userID uuid.UUID, daysOverdue int, now time.Time) LoanEvent {
	return LoanEvent{
		ID:          uuid.New(),
		LoanID:      r.ID,
		BookID:      r.BookID,
		UserID:      userID,
		Type:        eventType,
		Status:      r.Status,
		Fine:        r.Fine,
		DaysOverdue: daysOverdue,
		OccurredAt:  now,
		Version:     r.Version,
	}
}
