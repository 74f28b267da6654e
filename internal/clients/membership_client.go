package clients

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"bibliodigit/internal/circulation"
)

// member is the membership service representation of a user.
type member struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Active   bool      `json:"active"`
	Category string    `json:"category"`
}

// MembershipClient is a circulation.UserDirectory backed by the membership service.
type MembershipClient struct {
	baseURL string
	http    *http.Client
}

func NewMembershipClient(baseURL string, timeout time.Duration) *MembershipClient {
	return &MembershipClient{baseURL: trimBase(baseURL), http: newHTTPClient(timeout)}
}

func (c *MembershipClient) FindByID(ctx context.Context, id uuid.UUID) (circulation.User, error) {
	var m member
	if err := getJSON(ctx, c.http, fmt.Sprintf("%s/members/%s", c.baseURL, id), &m); err != nil {
		return circulation.User{}, fmt.Errorf("member %s: %w", id, err)
	}

	// Unknown categories pass through; the policy table rejects them at
	// eligibility time.
	category := circulation.UserCategory(strings.ToUpper(strings.TrimSpace(m.Category)))
	return circulation.User{ID: m.ID, Name: m.Name, Active: m.Active, Category: category}, nil
}
