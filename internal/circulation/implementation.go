// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"bibliodigit/internal/logger"
)

const instrumentationName = "bibliodigit/circulation"

// ServiceParams wires the engine to its collaborators. Journal, Logger,
// Tracer and Meter are optional.
type ServiceParams struct {
	Users    UserDirectory
	Books    BookCatalog
	Store    LoanRecordStore
	Journal  Journal
	Policies *PolicyTable
	Fines    FineCalculator
	Logger   *logger.Logger
	Tracer   trace.Tracer
	Meter    metric.Meter
}

// service implements the Service interface.
type service struct {
	users    UserDirectory
	books    BookCatalog
	store    LoanRecordStore
	journal  Journal
	policies *PolicyTable
	fines    FineCalculator
	log      *logger.Logger
	tracer   trace.Tracer
	metrics  *metrics
}

// NewService creates a new circulation service instance.
func NewService(p ServiceParams) (Service, error) {
	if p.Users == nil || p.Books == nil || p.Store == nil || p.Policies == nil {
		return nil, errors.New("circulation: users, books, store and policies are required")
	}
	if p.Journal == nil {
		p.Journal = nopJournal{}
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Tracer == nil {
		p.Tracer = otel.Tracer(instrumentationName)
	}
	if p.Meter == nil {
		p.Meter = otel.Meter(instrumentationName)
	}
	if p.Fines == (FineCalculator{}) {
		p.Fines = NewFineCalculator(DefaultFineRate)
	}

	m, err := newMetrics(p.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return &service{
		users:    p.Users,
		books:    p.Books,
		store:    p.Store,
		journal:  p.Journal,
		policies: p.Policies,
		fines:    p.Fines,
		log:      p.Logger,
		tracer:   p.Tracer,
		metrics:  m,
	}, nil
}

// Borrow claims a free copy of bookID for userID. The user and book lookups
// run before the store transaction; the claim, limit check and save run inside it.
func (s *service) Borrow(ctx context.Context, userID, bookID uuid.UUID, now time.Time) (_ *LoanRecord, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.borrow",
		trace.WithAttributes(
			attribute.String("user.id", userID.String()),
			attribute.String("book.id", bookID.String()),
		),
	)
	defer func() {
		s.metrics.outcome(ctx, s.metrics.borrows, err)
		markSpan(span, err)
		span.End()
	}()

	user, err := s.lookupUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, ErrUserInactive
	}
	if _, err = s.books.FindByID(ctx, bookID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}

	var lent *LoanRecord
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.LockUser(ctx, userID); err != nil {
			return fmt.Errorf("failed to lock user: %w", err)
		}

		record, err := s.store.FindAvailableForBook(ctx, bookID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrBookUnavailable
			}
			return fmt.Errorf("failed to find available copy: %w", err)
		}

		policy, err := s.checkEligibility(ctx, user)
		if err != nil {
			return err
		}

		if err := record.Lend(userID, now, policy); err != nil {
			return err
		}
		if err := s.store.Save(ctx, record); err != nil {
			return err
		}
		if err := s.journal.Append(ctx, newLoanEvent(EventLoanBorrowed, record, userID, 0, now)); err != nil {
			return fmt.Errorf("failed to append loan event: %w", err)
		}

		lent = record
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("loan.id", lent.ID.String()),
		attribute.String("loan.delivery_date", lent.DeliveryDate.Format(time.RFC3339)),
	)
	s.log.Debug(s.log.WithFields(ctx, map[string]any{
		"loan_id": lent.ID.String(),
		"user_id": userID.String(),
		"book_id": bookID.String(),
	}), "book borrowed")

	return lent, nil
}

// Return closes an active loan at now, assessing the fine when late.
func (s *service) Return(ctx context.Context, loanID uuid.UUID, now time.Time) (_ *LoanRecord, err error) {
	ctx, span := s.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer func() {
		s.metrics.outcome(ctx, s.metrics.returns, err)
		markSpan(span, err)
		span.End()
	}()

	var (
		closed      *LoanRecord
		borrower    uuid.UUID
		daysOverdue int
	)
	err = s.store.RunInTx(ctx, func(ctx context.Context) error {
		record, err := s.store.FindByID(ctx, loanID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrLoanNotFound
			}
			return fmt.Errorf("failed to get loan: %w", err)
		}
		if record.UserID != nil {
			borrower = *record.UserID
		}

		if err := record.Close(now, s.fines); err != nil {
			return err
		}
		days := s.fines.DaysOverdue(record, now)

		if err := s.store.Save(ctx, record); err != nil {
			return err
		}
		if err := s.journal.Append(ctx, newLoanEvent(EventLoanReturned, record, borrower, days, now)); err != nil {
			return fmt.Errorf("failed to append loan event: %w", err)
		}

		closed, daysOverdue = record, days
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("loan.status", string(closed.Status)),
		attribute.Int("loan.days_overdue", daysOverdue),
	)
	if closed.Status == StatusOverdue {
		s.metrics.fines.Add(ctx, closed.Fine.InexactFloat64())
		s.log.Warn(s.log.WithFields(ctx, map[string]any{
			"loan_id":      closed.ID.String(),
			"user_id":      borrower.String(),
			"days_overdue": daysOverdue,
			"fine":         closed.Fine.String(),
		}), "book returned late")
	}

	return closed, nil
}

func (s *service) CanUserBorrow(ctx context.Context, userID uuid.UUID) bool {
	ctx, span := s.tracer.Start(ctx, "circulation.can_user_borrow",
		trace.WithAttributes(attribute.String("user.id", userID.String())),
	)
	defer span.End()

	user, err := s.lookupUser(ctx, userID)
	if err == nil && !user.Active {
		err = ErrUserInactive
	}
	if err == nil {
		_, err = s.checkEligibility(ctx, user)
	}

	span.SetAttributes(attribute.String("eligibility", ErrorCode(err)))
	if err != nil {
		if ErrorCode(err) == CodeInternal {
			s.log.Warn(s.log.WithFields(ctx, map[string]any{
				"user_id": userID.String(),
				"error":   err.Error(),
			}), "eligibility check failed")
		}
		return false
	}
	return true
}

func (s *service) ActiveLoans(ctx context.Context, userID uuid.UUID) ([]LoanRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.active_loans",
		trace.WithAttributes(attribute.String("user.id", userID.String())),
	)
	defer span.End()

	loans, err := s.store.FindActiveByUser(ctx, userID)
	if err != nil {
		markSpan(span, err)
		return nil, fmt.Errorf("failed to list active loans: %w", err)
	}
	return loans, nil
}

func (s *service) LoanHistory(ctx context.Context, userID uuid.UUID) ([]LoanRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.loan_history",
		trace.WithAttributes(attribute.String("user.id", userID.String())),
	)
	defer span.End()

	loans, err := s.store.FindAllByUser(ctx, userID)
	if err != nil {
		markSpan(span, err)
		return nil, fmt.Errorf("failed to list loan history: %w", err)
	}
	return loans, nil
}

func (s *service) OverdueLoans(ctx context.Context, now time.Time) ([]LoanRecord, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.overdue_loans")
	defer span.End()

	loans, err := s.store.FindOverdueAsOf(ctx, now)
	if err != nil {
		markSpan(span, err)
		return nil, fmt.Errorf("failed to list overdue loans: %w", err)
	}
	span.SetAttributes(attribute.Int("loan.count", len(loans)))
	return loans, nil
}

func (s *service) CountActiveLoans(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := s.store.CountActiveByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count active loans: %w", err)
	}
	return n, nil
}

func (s *service) GetLoan(ctx context.Context, loanID uuid.UUID) (*LoanRecord, error) {
	record, err := s.store.FindByID(ctx, loanID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return record, nil
}

// CalculateFine reports the fixed fine of a late-returned loan, or the fine an
// active loan would carry if returned at now.
func (s *service) CalculateFine(ctx context.Context, loanID uuid.UUID, now time.Time) (FineQuote, error) {
	record, err := s.GetLoan(ctx, loanID)
	if err != nil {
		return FineQuote{}, err
	}

	quote := FineQuote{
		LoanID:      record.ID,
		DaysOverdue: s.fines.DaysOverdue(record, now),
		Fine:        s.fines.FineAmount(record, now),
	}
	if record.Status == StatusOverdue {
		quote.Fine = record.Fine
	}
	return quote, nil
}

func (s *service) LoanEvents(ctx context.Context, loanID uuid.UUID) ([]LoanEvent, error) {
	if _, err := s.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	events, err := s.journal.ListForLoan(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list loan events: %w", err)
	}
	return events, nil
}

func (s *service) lookupUser(ctx context.Context, userID uuid.UUID) (User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// checkEligibility counts the user's active loans and compares them with the
// category limit.
func (s *service) checkEligibility(ctx context.Context, user User) (LendingPolicy, error) {
	current, err := s.store.CountActiveByUser(ctx, user.ID)
	if err != nil {
		return LendingPolicy{}, fmt.Errorf("failed to count active loans: %w", err)
	}

	policy, err := s.policies.PolicyFor(user.Category)
	if err != nil {
		return LendingPolicy{}, fmt.Errorf("%w: %w", ErrPolicyLookupFailed, err)
	}

	if current >= policy.MaxConcurrentLoans {
		return LendingPolicy{}, &BorrowLimitError{Limit: policy.MaxConcurrentLoans, Current: current}
	}
	return policy, nil
}

func markSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
	}
}
