package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bibliodigit/internal/circulation"
)

const seedDoc = `{
	"users": [
		{"id": "8f0c1c1e-4a51-4d0e-9a57-2c3b1f0e0001", "name": "Ada", "active": true, "category": "student"},
		{"id": "8f0c1c1e-4a51-4d0e-9a57-2c3b1f0e0002", "name": "Bob", "active": false, "category": "EXTERNAL"}
	],
	"books": [
		{"id": "5b7e2d2a-7c1b-4f4e-8d1c-6a9e3b0f0001", "title": "Emma", "author": "Jane Austen", "copies": 2},
		{"id": "5b7e2d2a-7c1b-4f4e-8d1c-6a9e3b0f0002", "title": "Ulysses", "author": "James Joyce", "copies": 0}
	]
}`

func TestSeedLoadsDirectoriesAndCopies(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(seedDoc), 0o600))

	seed, err := LoadSeedFile(path)
	require.NoError(t, err)

	store, users, books := NewStore(), NewDirectory(), NewCatalog()
	counts, err := seed.Apply(store, users, books)
	require.NoError(t, err)
	assert.Equal(t, SeedCounts{Users: 2, Books: 2, Copies: 2}, counts)

	ada, err := users.FindByID(ctx, uuid.MustParse("8f0c1c1e-4a51-4d0e-9a57-2c3b1f0e0001"))
	require.NoError(t, err)
	assert.Equal(t, circulation.CategoryStudent, ada.Category)
	assert.True(t, ada.Active)

	emma := uuid.MustParse("5b7e2d2a-7c1b-4f4e-8d1c-6a9e3b0f0001")
	b, err := books.FindByID(ctx, emma)
	require.NoError(t, err)
	assert.Equal(t, "Jane Austen", b.Author)

	copies, err := store.FindByBook(ctx, emma)
	require.NoError(t, err)
	require.Len(t, copies, 2)
	for _, c := range copies {
		assert.True(t, c.Availability)
		assert.Equal(t, circulation.StatusAvailable, c.Status)
	}
}

func TestSeededStoreServesBorrows(t *testing.T) {
	ctx := context.Background()
	seed, err := DecodeSeed(strings.NewReader(seedDoc))
	require.NoError(t, err)

	store, users, books := NewStore(), NewDirectory(), NewCatalog()
	_, err = seed.Apply(store, users, books)
	require.NoError(t, err)

	svc, err := circulation.NewService(circulation.ServiceParams{
		Users:    users,
		Books:    books,
		Store:    store,
		Journal:  store,
		Policies: circulation.NewPolicyTable(circulation.DefaultPolicies()),
	})
	require.NoError(t, err)

	ada := uuid.MustParse("8f0c1c1e-4a51-4d0e-9a57-2c3b1f0e0001")
	loan, err := svc.Borrow(ctx, ada, uuid.MustParse("5b7e2d2a-7c1b-4f4e-8d1c-6a9e3b0f0001"), t0)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusActive, loan.Status)

	_, err = svc.Borrow(ctx, ada, uuid.MustParse("5b7e2d2a-7c1b-4f4e-8d1c-6a9e3b0f0002"), t0)
	assert.ErrorIs(t, err, circulation.ErrBookUnavailable)

	bob := uuid.MustParse("8f0c1c1e-4a51-4d0e-9a57-2c3b1f0e0002")
	_, err = svc.Borrow(ctx, bob, uuid.MustParse("5b7e2d2a-7c1b-4f4e-8d1c-6a9e3b0f0001"), t0)
	assert.ErrorIs(t, err, circulation.ErrUserInactive)
}

func TestSeedWithoutDirectoriesOnlySeedsCopies(t *testing.T) {
	seed, err := DecodeSeed(strings.NewReader(seedDoc))
	require.NoError(t, err)

	store := NewStore()
	counts, err := seed.Apply(store, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, SeedCounts{Copies: 2}, counts)
	assert.Len(t, store.All(context.Background()), 2)
}

func TestDecodeSeedRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown field":    `{"users": [], "shelves": []}`,
		"unknown category": `{"users": [{"id": "8f0c1c1e-4a51-4d0e-9a57-2c3b1f0e0001", "category": "LIBRARIAN"}]}`,
		"missing id":       `{"books": [{"title": "Emma", "copies": 1}]}`,
		"negative copies":  `{"books": [{"id": "5b7e2d2a-7c1b-4f4e-8d1c-6a9e3b0f0001", "copies": -1}]}`,
		"not json":         `users: []`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSeed(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadSeedFileMissing(t *testing.T) {
	_, err := LoadSeedFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
