// Package journal keeps the append-only history of loan transitions in
// PostgreSQL. Appends join the loan store transaction carried in the context.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bibliodigit/internal/circulation"
	"bibliodigit/internal/storage/postgres"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// payload is the jsonb body of a loan event.
type payload struct {
	Fine        decimal.Decimal `json:"fine"`
	DaysOverdue int             `json:"days_overdue"`
}

type eventRow struct {
	ID         uuid.UUID `db:"id"`
	LoanID     uuid.UUID `db:"loan_id"`
	BookID     uuid.UUID `db:"book_id"`
	UserID     uuid.UUID `db:"user_id"`
	EventType  string    `db:"event_type"`
	Status     string    `db:"status"`
	Version    int       `db:"version"`
	Payload    []byte    `db:"payload"`
	OccurredAt time.Time `db:"occurred_at"`
}

// Store is the PostgreSQL circulation.Journal.
type Store struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("bibliodigit/journal"),
	}
}

// Append writes one event. An event whose version is not above the highest
// journalled version of its loan is a concurrency conflict.
func (s *Store) Append(ctx context.Context, event circulation.LoanEvent) error {
	ctx, span := s.tracer.Start(ctx, "journal.append",
		trace.WithAttributes(
			attribute.String("loan.id", event.LoanID.String()),
			attribute.String("event.type", string(event.Type)),
			attribute.Int("event.version", event.Version),
		),
	)
	defer span.End()

	current, err := s.CurrentVersion(ctx, event.LoanID)
	if err != nil {
		return err
	}
	if event.Version <= current {
		span.SetAttributes(attribute.Bool("conflict.detected", true), attribute.Int("journal.version", current))
		return fmt.Errorf("loan %s event version %d, journal at %d: %w",
			event.LoanID, event.Version, current, circulation.ErrConcurrentUpdate)
	}

	body, err := json.Marshal(payload{Fine: event.Fine, DaysOverdue: event.DaysOverdue})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = postgres.QuerierFromCtx(ctx, s.db).ExecContext(ctx, `
		INSERT INTO loan_events (id, loan_id, book_id, user_id, event_type, status, version, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, event.ID, event.LoanID, event.BookID, event.UserID, string(event.Type), string(event.Status),
		event.Version, body, event.OccurredAt.UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return circulation.ErrConcurrentUpdate
		}
		return fmt.Errorf("insert loan event: %w", err)
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

// ListForLoan returns the events of loanID in version order.
func (s *Store) ListForLoan(ctx context.Context, loanID uuid.UUID) ([]circulation.LoanEvent, error) {
	ctx, span := s.tracer.Start(ctx, "journal.list",
		trace.WithAttributes(attribute.String("loan.id", loanID.String())),
	)
	defer span.End()

	var rows []eventRow
	err := postgres.QuerierFromCtx(ctx, s.db).SelectContext(ctx, &rows, `
		SELECT id, loan_id, book_id, user_id, event_type, status, version, payload, occurred_at
		FROM loan_events
		WHERE loan_id = $1
		ORDER BY version ASC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("query loan events: %w", err)
	}

	events := make([]circulation.LoanEvent, 0, len(rows))
	for _, row := range rows {
		var p payload
		if len(row.Payload) > 0 {
			if err := json.Unmarshal(row.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode loan event %s: %w", row.ID, err)
			}
		}
		events = append(events, circulation.LoanEvent{
			ID:          row.ID,
			LoanID:      row.LoanID,
			BookID:      row.BookID,
			UserID:      row.UserID,
			Type:        circulation.EventType(row.EventType),
			Status:      circulation.LoanStatus(row.Status),
			Fine:        p.Fine,
			DaysOverdue: p.DaysOverdue,
			OccurredAt:  row.OccurredAt,
			Version:     row.Version,
		})
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// CurrentVersion returns the highest journalled version of loanID, 0 when none.
func (s *Store) CurrentVersion(ctx context.Context, loanID uuid.UUID) (int, error) {
	var version int
	err := postgres.QuerierFromCtx(ctx, s.db).GetContext(ctx, &version, `
		SELECT COALESCE(MAX(version), 0)
		FROM loan_events
		WHERE loan_id = $1
	`, loanID)
	if err != nil {
		return 0, fmt.Errorf("query version: %w", err)
	}
	return version, nil
}
