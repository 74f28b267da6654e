package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"bibliodigit/internal/circulation"
	"bibliodigit/internal/clients"
	"bibliodigit/internal/config"
	"bibliodigit/internal/journal"
	"bibliodigit/internal/logger"
	"bibliodigit/internal/storage/memory"
	"bibliodigit/internal/storage/postgres"
)

type ports struct {
	users   circulation.UserDirectory
	books   circulation.BookCatalog
	store   circulation.LoanRecordStore
	journal circulation.Journal
	close   func()
}

// buildPorts picks the adapters named by the storage config.
func buildPorts(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*ports, error) {
	p := &ports{close: func() {}}

	var (
		db       *sqlx.DB
		memStore *memory.Store
		memUsers *memory.Directory
		memBooks *memory.Catalog
	)
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		memStore = memory.NewStore()
		p.store = memStore
		p.journal = memStore
		logg.Warn(ctx, "using in-memory loan store; state is lost on restart")

	case config.BackendPostgres:
		var err error
		db, err = postgres.Open(ctx, cfg.DB)
		if err != nil {
			return nil, err
		}
		p.close = func() {
			if err := db.Close(); err != nil {
				logg.Error(ctx, "failed to close database", err)
			}
		}

		if cfg.Storage.AutoMigrate {
			applied, err := postgres.Migrate(ctx, db.DB)
			if err != nil {
				p.close()
				return nil, err
			}
			logg.Info(logg.WithField(ctx, "applied", applied), "migrations applied")
		}

		p.store = postgres.NewLoanStore(db, postgres.NewTxManager(db))
		p.journal = journal.NewStore(db)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	switch cfg.Storage.Directory {
	case config.BackendMemory:
		memUsers, memBooks = memory.NewDirectory(), memory.NewCatalog()
		p.users, p.books = memUsers, memBooks
	case config.BackendPostgres:
		if db == nil {
			p.close()
			return nil, fmt.Errorf("directory backend %q needs the postgres storage backend", cfg.Storage.Directory)
		}
		p.users = postgres.NewDirectory(db)
		p.books = postgres.NewCatalog(db)
	case config.BackendHTTP:
		p.users = clients.NewMembershipClient(cfg.Services.MembershipURL, cfg.Services.Timeout)
		p.books = clients.NewCatalogClient(cfg.Services.CatalogURL, cfg.Services.Timeout)
	default:
		p.close()
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Storage.Directory)
	}

	if memStore != nil && cfg.Storage.SeedFile != "" {
		if err := seedMemory(ctx, cfg.Storage.SeedFile, memStore, memUsers, memBooks, logg); err != nil {
			p.close()
			return nil, err
		}
	}

	return p, nil
}

// seedMemory loads the seed file into the memory adapters. Users and books
// are skipped when the directory lives elsewhere.
func seedMemory(ctx context.Context, path string, store *memory.Store, users *memory.Directory, books *memory.Catalog, logg *logger.Logger) error {
	seed, err := memory.LoadSeedFile(path)
	if err != nil {
		return err
	}
	counts, err := seed.Apply(store, users, books)
	if err != nil {
		return fmt.Errorf("apply seed %s: %w", path, err)
	}
	logg.Info(logg.WithFields(ctx, map[string]any{
		"seed_file": path,
		"users":     counts.Users,
		"books":     counts.Books,
		"copies":    counts.Copies,
	}), "memory backend seeded")
	return nil
}
