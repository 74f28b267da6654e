package circulation

import (
	"errors"
	"fmt"
)

// ErrNotFound is how adapters report a missing user, book or loan record.
var ErrNotFound = errors.New("not found")

// ErrConcurrentUpdate is returned by a store when a save lost an optimistic version check.
var ErrConcurrentUpdate = errors.New("loan record modified concurrently")

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrUserInactive        = errors.New("user is inactive")
	ErrBookNotFound        = errors.New("book not found")
	ErrBookUnavailable     = errors.New("no available copy of book")
	ErrBorrowLimitExceeded = errors.New("borrow limit exceeded")
	ErrPolicyLookupFailed  = errors.New("lending policy lookup failed")
	ErrUnknownCategory     = errors.New("unknown user category")
	ErrLoanNotFound        = errors.New("loan not found")
	ErrLoanNotActive       = errors.New("loan is not active")
)

// BorrowLimitError carries the policy limit and the borrower's active loan count.
type BorrowLimitError struct {
	Limit   int
	Current int
}

func (e *BorrowLimitError) Error() string {
	return fmt.Sprintf("borrow limit exceeded: %d of %d active loans", e.Current, e.Limit)
}

func (e *BorrowLimitError) Unwrap() error {
	return ErrBorrowLimitExceeded
}

// Error codes used by the transport and metrics.
const (
	CodeUserNotFound        = "USER_NOT_FOUND"
	CodeUserInactive        = "USER_INACTIVE"
	CodeBookNotFound        = "BOOK_NOT_FOUND"
	CodeBookUnavailable     = "BOOK_UNAVAILABLE"
	CodeBorrowLimitExceeded = "BORROW_LIMIT_EXCEEDED"
	CodePolicyLookupFailed  = "POLICY_LOOKUP_FAILED"
	CodeLoanNotFound        = "LOAN_NOT_FOUND"
	CodeLoanNotActive       = "LOAN_NOT_ACTIVE"
	CodeConflict            = "CONFLICT"
	CodeInternal            = "INTERNAL_ERROR"
	CodeOK                  = "OK"
)

var codeBySentinel = []struct {
	err  error
	code string
}{
	{ErrUserNotFound, CodeUserNotFound},
	{ErrUserInactive, CodeUserInactive},
	{ErrBookNotFound, CodeBookNotFound},
	{ErrBookUnavailable, CodeBookUnavailable},
	{ErrBorrowLimitExceeded, CodeBorrowLimitExceeded},
	{ErrPolicyLookupFailed, CodePolicyLookupFailed},
	{ErrLoanNotFound, CodeLoanNotFound},
	{ErrLoanNotActive, CodeLoanNotActive},
	{ErrConcurrentUpdate, CodeConflict},
}

// ErrorCode classifies err into one of the Code constants.
func ErrorCode(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, c := range codeBySentinel {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
