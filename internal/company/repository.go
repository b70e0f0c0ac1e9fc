// Package company provides the company directory lookups used for registry
// party blocks.
package company

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wastedesk/wastedesk/internal/declaration"
	"github.com/wastedesk/wastedesk/internal/platform/db"
)

// Repository reads companies from Postgres.
type Repository struct {
	db db.DBTX
}

// NewRepository constructs a repository over a pool or transaction.
func NewRepository(conn db.DBTX) *Repository {
	return &Repository{db: conn}
}

var _ declaration.PartyDirectory = (*Repository)(nil)

// ResolveParty loads a single company.
func (r *Repository) ResolveParty(ctx context.Context, id int64) (declaration.Party, error) {
	const query = `SELECT id, registration_number, country, name FROM companies WHERE id = $1`
	var party declaration.Party
	err := r.db.QueryRow(ctx, query, id).Scan(&party.ID, &party.RegistrationNumber, &party.Country, &party.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return declaration.Party{}, fmt.Errorf("%w: company %d", declaration.ErrPartyNotFound, id)
	}
	if err != nil {
		return declaration.Party{}, fmt.Errorf("company: resolve %d: %w", id, err)
	}
	return party, nil
}
