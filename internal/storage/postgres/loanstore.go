package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bibliodigit/internal/circulation"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const loanTable = "loan_records"

var loanColumns = []string{
	"id", "book_id", "user_id", "last_user_id", "availability", "status",
	"departure_date", "delivery_date", "actual_return_date", "fine", "version", "updated_at",
}

type loanRow struct {
	ID               uuid.UUID       `db:"id"`
	BookID           uuid.UUID       `db:"book_id"`
	UserID           uuid.NullUUID   `db:"user_id"`
	LastUserID       uuid.NullUUID   `db:"last_user_id"`
	Availability     bool            `db:"availability"`
	Status           string          `db:"status"`
	DepartureDate    sql.NullTime    `db:"departure_date"`
	DeliveryDate     sql.NullTime    `db:"delivery_date"`
	ActualReturnDate sql.NullTime    `db:"actual_return_date"`
	Fine             decimal.Decimal `db:"fine"`
	Version          int             `db:"version"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func (r loanRow) toDomain() *circulation.LoanRecord {
	return &circulation.LoanRecord{
		ID:               r.ID,
		BookID:           r.BookID,
		UserID:           nullUUIDPtr(r.UserID),
		LastUserID:       nullUUIDPtr(r.LastUserID),
		Availability:     r.Availability,
		Status:           circulation.LoanStatus(r.Status),
		DepartureDate:    nullTimePtr(r.DepartureDate),
		DeliveryDate:     nullTimePtr(r.DeliveryDate),
		ActualReturnDate: nullTimePtr(r.ActualReturnDate),
		Fine:             r.Fine,
		Version:          r.Version,
		UpdatedAt:        r.UpdatedAt,
	}
}

// LoanStore is the PostgreSQL LoanRecordStore.
type LoanStore struct {
	db     *sqlx.DB
	txm    *TxManager
	tracer trace.Tracer
}

func NewLoanStore(db *sqlx.DB, txm *TxManager) *LoanStore {
	return &LoanStore{
		db:     db,
		txm:    txm,
		tracer: otel.Tracer("bibliodigit/storage/postgres"),
	}
}

func (s *LoanStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.txm.RunInTx(ctx, fn)
}

// LockUser takes a transaction-scoped advisory lock keyed by the user id.
// Outside a transaction there is nothing to hold it for, so it does nothing.
func (s *LoanStore) LockUser(ctx context.Context, userID uuid.UUID) error {
	if !inTx(ctx) {
		return nil
	}
	_, err := QuerierFromCtx(ctx, s.db).ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, userID.String())
	if err != nil {
		return mapError(err, "user lock", userID)
	}
	return nil
}

// FindByID locks the row FOR UPDATE when called inside a transaction, so a
// concurrent return waits and then sees the committed state.
func (s *LoanStore) FindByID(ctx context.Context, id uuid.UUID) (*circulation.LoanRecord, error) {
	ctx, span := s.start(ctx, "loanstore.find_by_id", attribute.String("loan.id", id.String()))
	defer span.End()

	q := psql.Select(loanColumns...).From(loanTable).Where(sq.Eq{"id": id})
	if inTx(ctx) {
		q = q.Suffix("FOR UPDATE")
	}

	r, err := s.getOne(ctx, q)
	if err != nil {
		return nil, s.fail(span, mapError(err, "loan", id))
	}
	return r, nil
}

// FindAvailableForBook claims one free copy, skipping rows other transactions
// hold. When every free copy is held, it waits on them instead: a holder that
// rolls back releases its copy to this caller, one that commits takes it out
// of the result.
func (s *LoanStore) FindAvailableForBook(ctx context.Context, bookID uuid.UUID) (*circulation.LoanRecord, error) {
	ctx, span := s.start(ctx, "loanstore.find_available", attribute.String("book.id", bookID.String()))
	defer span.End()

	q := psql.Select(loanColumns...).
		From(loanTable).
		Where(sq.Eq{"book_id": bookID, "availability": true}).
		OrderBy("id").
		Limit(1)

	r, err := s.getOne(ctx, q.Suffix("FOR UPDATE SKIP LOCKED"))
	if errors.Is(err, sql.ErrNoRows) && inTx(ctx) {
		span.AddEvent("free copies held, waiting")
		r, err = s.getOne(ctx, q.Suffix("FOR UPDATE"))
	}
	if err != nil {
		return nil, s.fail(span, mapError(err, "available copy of book", bookID))
	}
	return r, nil
}

func (s *LoanStore) FindActiveByUser(ctx context.Context, userID uuid.UUID) ([]circulation.LoanRecord, error) {
	q := psql.Select(loanColumns...).
		From(loanTable).
		Where(sq.Eq{"user_id": userID, "status": string(circulation.StatusActive)}).
		OrderBy("departure_date", "id")
	return s.list(ctx, "loanstore.find_active_by_user", q)
}

func (s *LoanStore) CountActiveByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	query, args, err := psql.Select("COUNT(*)").
		From(loanTable).
		Where(sq.Eq{"user_id": userID, "status": string(circulation.StatusActive)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}

	var n int
	if err := QuerierFromCtx(ctx, s.db).GetContext(ctx, &n, query, args...); err != nil {
		return 0, mapError(err, "active loans of user", userID)
	}
	return n, nil
}

// FindAllByUser returns the records whose current or latest borrower is userID.
func (s *LoanStore) FindAllByUser(ctx context.Context, userID uuid.UUID) ([]circulation.LoanRecord, error) {
	q := psql.Select(loanColumns...).
		From(loanTable).
		Where(sq.Eq{"last_user_id": userID}).
		OrderBy("departure_date DESC NULLS LAST", "id")
	return s.list(ctx, "loanstore.find_all_by_user", q)
}

func (s *LoanStore) FindOverdueAsOf(ctx context.Context, now time.Time) ([]circulation.LoanRecord, error) {
	q := psql.Select(loanColumns...).
		From(loanTable).
		Where(sq.Eq{"status": string(circulation.StatusActive)}).
		Where(sq.Lt{"delivery_date": now}).
		OrderBy("delivery_date", "id")
	return s.list(ctx, "loanstore.find_overdue", q)
}

// FindByBook lists every copy of bookID.
func (s *LoanStore) FindByBook(ctx context.Context, bookID uuid.UUID) ([]circulation.LoanRecord, error) {
	q := psql.Select(loanColumns...).
		From(loanTable).
		Where(sq.Eq{"book_id": bookID}).
		OrderBy("id")
	return s.list(ctx, "loanstore.find_by_book", q)
}

// Insert seeds a new record, normally a free copy from circulation.NewLoanRecord.
func (s *LoanStore) Insert(ctx context.Context, r *circulation.LoanRecord) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("refusing to insert: %w", err)
	}

	query, args, err := psql.Insert(loanTable).
		SetMap(writeMap(r)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := QuerierFromCtx(ctx, s.db).ExecContext(ctx, query, args...); err != nil {
		return mapError(err, "loan", r.ID)
	}
	return nil
}

// Save writes every field in one UPDATE guarded by the record version.
func (s *LoanStore) Save(ctx context.Context, r *circulation.LoanRecord) error {
	ctx, span := s.start(ctx, "loanstore.save",
		attribute.String("loan.id", r.ID.String()),
		attribute.Int("expected.version", r.Version),
	)
	defer span.End()

	if err := r.Validate(); err != nil {
		return s.fail(span, fmt.Errorf("refusing to save: %w", err))
	}

	values := writeMap(r)
	delete(values, "id")
	delete(values, "book_id")
	values["version"] = sq.Expr("version + 1")

	query, args, err := psql.Update(loanTable).
		SetMap(values).
		Where(sq.Eq{"id": r.ID, "version": r.Version}).
		Suffix("RETURNING version").
		ToSql()
	if err != nil {
		return s.fail(span, fmt.Errorf("build update: %w", err))
	}

	var version int
	err = QuerierFromCtx(ctx, s.db).QueryRowxContext(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, findErr := s.getOne(ctx, psql.Select("id", "book_id").From(loanTable).Where(sq.Eq{"id": r.ID})); findErr != nil {
			return s.fail(span, mapError(findErr, "loan", r.ID))
		}
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		return s.fail(span, circulation.ErrConcurrentUpdate)
	}
	if err != nil {
		return s.fail(span, mapError(err, "loan", r.ID))
	}

	r.Version = version
	return nil
}

func writeMap(r *circulation.LoanRecord) map[string]any {
	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return map[string]any{
		"id":                 r.ID,
		"book_id":            r.BookID,
		"user_id":            uuidPtrNull(r.UserID),
		"last_user_id":       uuidPtrNull(r.LastUserID),
		"availability":       r.Availability,
		"status":             string(r.Status),
		"departure_date":     timePtrNull(r.DepartureDate),
		"delivery_date":      timePtrNull(r.DeliveryDate),
		"actual_return_date": timePtrNull(r.ActualReturnDate),
		"fine":               r.Fine,
		"version":            r.Version,
		"updated_at":         updatedAt,
	}
}

func (s *LoanStore) getOne(ctx context.Context, q sq.SelectBuilder) (*circulation.LoanRecord, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var row loanRow
	if err := QuerierFromCtx(ctx, s.db).GetContext(ctx, &row, query, args...); err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

func (s *LoanStore) list(ctx context.Context, spanName string, q sq.SelectBuilder) ([]circulation.LoanRecord, error) {
	ctx, span := s.start(ctx, spanName)
	defer span.End()

	query, args, err := q.ToSql()
	if err != nil {
		return nil, s.fail(span, fmt.Errorf("build query: %w", err))
	}

	var rows []loanRow
	if err := QuerierFromCtx(ctx, s.db).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, s.fail(span, fmt.Errorf("%s: %w", spanName, err))
	}

	out := make([]circulation.LoanRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.toDomain())
	}
	span.SetAttributes(attribute.Int("loan.count", len(out)))
	return out, nil
}

func (s *LoanStore) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *LoanStore) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func nullUUIDPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func uuidPtrNull(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullTimePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func timePtrNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
