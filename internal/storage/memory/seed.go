package memory

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"bibliodigit/internal/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Seed is a startup fixture for the memory backend.
type Seed struct {
	Users []SeedUser `json:"users"`
	Books []SeedBook `json:"books"`
}

type SeedUser struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Active   bool      `json:"active"`
	Category string    `json:"category"`
}

// SeedBook is a catalogue entry with the number of free copies to create.
type SeedBook struct {
	ID     uuid.UUID `json:"id"`
	Title  string    `json:"title"`
	Author string    `json:"author"`
	Copies int       `json:"copies"`
}

// SeedCounts reports what Apply loaded.
type SeedCounts struct {
	Users  int
	Books  int
	Copies int
}

func LoadSeedFile(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	seed, err := DecodeSeed(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return seed, nil
}

// DecodeSeed reads and validates a seed document.
func DecodeSeed(r io.Reader) (*Seed, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := seed.validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

func (s *Seed) validate() error {
	var errs []error
	for i, u := range s.Users {
		if u.ID == uuid.Nil {
			errs = append(errs, fmt.Errorf("users[%d]: id is required", i))
		}
		if _, err := circulation.ParseUserCategory(u.Category); err != nil {
			errs = append(errs, fmt.Errorf("users[%d]: %w", i, err))
		}
	}
	for i, b := range s.Books {
		if b.ID == uuid.Nil {
			errs = append(errs, fmt.Errorf("books[%d]: id is required", i))
		}
		if b.Copies < 0 {
			errs = append(errs, fmt.Errorf("books[%d]: copies must not be negative", i))
		}
	}
	return errors.Join(errs...)
}

// Apply adds the seeded copies to store, and users and books to the
// directories that are set. Nil directories are skipped.
func (s *Seed) Apply(store *Store, users *Directory, books *Catalog) (SeedCounts, error) {
	var counts SeedCounts
	if users != nil {
		for _, u := range s.Users {
			category, err := circulation.ParseUserCategory(u.Category)
			if err != nil {
				return counts, err
			}
			users.Put(circulation.User{ID: u.ID, Name: u.Name, Active: u.Active, Category: category})
			counts.Users++
		}
	}
	for _, b := range s.Books {
		if books != nil {
			books.Put(circulation.Book{ID: b.ID, Title: b.Title, Author: b.Author})
			counts.Books++
		}
		if _, err := store.SeedCopies(b.ID, b.Copies); err != nil {
			return counts, fmt.Errorf("seed copies of %s: %w", b.ID, err)
		}
		counts.Copies += b.Copies
	}
	return counts, nil
}
