package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"bibliodigit/internal/circulation"
)

// CatalogClient is a circulation.BookCatalog backed by the catalog service.
type CatalogClient struct {
	baseURL string
	http    *http.Client
}

func NewCatalogClient(baseURL string, timeout time.Duration) *CatalogClient {
	return &CatalogClient{baseURL: trimBase(baseURL), http: newHTTPClient(timeout)}
}

func (c *CatalogClient) FindByID(ctx context.Context, id uuid.UUID) (circulation.Book, error) {
	var book circulation.Book
	if err := getJSON(ctx, c.http, fmt.Sprintf("%s/books/%s", c.baseURL, id), &book); err != nil {
		return circulation.Book{}, fmt.Errorf("book %s: %w", id, err)
	}
	return book, nil
}
