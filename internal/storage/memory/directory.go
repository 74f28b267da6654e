package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"bibliodigit/internal/circulation"
)

// Directory is an in-memory UserDirectory.
type Directory struct {
	mu    sync.RWMutex
	users map[uuid.UUID]circulation.User
}

func NewDirectory(users ...circulation.User) *Directory {
	d := &Directory{users: make(map[uuid.UUID]circulation.User)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Put adds or replaces a user.
func (d *Directory) Put(u circulation.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *Directory) FindByID(_ context.Context, id uuid.UUID) (circulation.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[id]
	if !ok {
		return circulation.User{}, fmt.Errorf("user %s: %w", id, circulation.ErrNotFound)
	}
	return u, nil
}

// Catalog is an in-memory BookCatalog.
type Catalog struct {
	mu    sync.RWMutex
	books map[uuid.UUID]circulation.Book
}

func NewCatalog(books ...circulation.Book) *Catalog {
	c := &Catalog{books: make(map[uuid.UUID]circulation.Book)}
	for _, b := range books {
		c.books[b.ID] = b
	}
	return c
}

func (c *Catalog) Put(b circulation.Book) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books[b.ID] = b
}

func (c *Catalog) FindByID(_ context.Context, id uuid.UUID) (circulation.Book, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.books[id]
	if !ok {
		return circulation.Book{}, fmt.Errorf("book %s: %w", id, circulation.ErrNotFound)
	}
	return b, nil
}
