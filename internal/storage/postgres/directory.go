package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"bibliodigit/internal/circulation"
)

// Directory reads users from the local users table.
type Directory struct {
	db *sqlx.DB
}

func NewDirectory(db *sqlx.DB) *Directory {
	return &Directory{db: db}
}

type userRow struct {
	ID       uuid.UUID `db:"id"`
	Name     string    `db:"name"`
	Active   bool      `db:"active"`
	Category string    `db:"category"`
}

func (d *Directory) FindByID(ctx context.Context, id uuid.UUID) (circulation.User, error) {
	query := `
		SELECT id, name, active, category
		FROM users
		WHERE id = $1
	`
	var row userRow
	if err := QuerierFromCtx(ctx, d.db).GetContext(ctx, &row, query, id); err != nil {
		return circulation.User{}, mapError(err, "user", id)
	}

	return circulation.User{
		ID:       row.ID,
		Name:     row.Name,
		Active:   row.Active,
		Category: circulation.UserCategory(row.Category),
	}, nil
}

// Upsert creates or replaces a user.
func (d *Directory) Upsert(ctx context.Context, u circulation.User) error {
	query := `
		INSERT INTO users (id, name, active, category)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, active = EXCLUDED.active, category = EXCLUDED.category
	`
	if _, err := QuerierFromCtx(ctx, d.db).ExecContext(ctx, query, u.ID, u.Name, u.Active, string(u.Category)); err != nil {
		return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
	}
	return nil
}

// Catalog reads books from the local books table.
type Catalog struct {
	db *sqlx.DB
}

func NewCatalog(db *sqlx.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) FindByID(ctx context.Context, id uuid.UUID) (circulation.Book, error) {
	query := `
		SELECT id, title, author
		FROM books
		WHERE id = $1
	`
	var book circulation.Book
	row := QuerierFromCtx(ctx, c.db).QueryRowxContext(ctx, query, id)
	if err := row.Scan(&book.ID, &book.Title, &book.Author); err != nil {
		return circulation.Book{}, mapError(err, "book", id)
	}
	return book, nil
}

// Upsert creates or replaces a book.
func (c *Catalog) Upsert(ctx context.Context, b circulation.Book) error {
	query := `
		INSERT INTO books (id, title, author)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, author = EXCLUDED.author
	`
	if _, err := QuerierFromCtx(ctx, c.db).ExecContext(ctx, query, b.ID, b.Title, b.Author); err != nil {
		return fmt.Errorf("failed to upsert book %s: %w", b.ID, err)
	}
	return nil
}
