package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"bibliodigit/internal/circulation"
)

// mapError converts driver errors to circulation errors. Context errors pass through.
func mapError(err error, entity string, id uuid.UUID) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", entity, id, err)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", entity, id, circulation.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s %s: %w", entity, id, circulation.ErrConcurrentUpdate)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s %s: %w", entity, id, circulation.ErrNotFound)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%s %s: %w", entity, id, circulation.ErrConcurrentUpdate)
		}
	}

	return fmt.Errorf("%s %s: %w", entity, id, err)
}
