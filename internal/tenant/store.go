package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrTenantNotFound is returned for unknown or disabled tenants
	ErrTenantNotFound = errors.New("tenant not found or disabled")

	// ErrNoCredentials is returned when a tenant has no credentials for a provider
	ErrNoCredentials = errors.New("no credentials for provider")
)

// Store loads tenants and their credentials. Like the other stores it is
// executor-scoped so it can participate in the job transaction.
type Store struct {
	db     sqlx.ExtContext
	logger *slog.Logger
}

func NewStore(db sqlx.ExtContext, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Load returns an enabled tenant with its settings decoded. Disabled
// tenants are reported as not found: their jobs must not process.
func (s *Store) Load(ctx context.Context, tenantID string) (*Tenant, error) {
	query := `
		SELECT tenant_id, tenant_slug, is_enabled, calendar_adapter, messaging_adapter, settings
		FROM tenants
		WHERE tenant_id = $1 AND is_enabled = TRUE
	`

	var t Tenant
	err := sqlx.GetContext(ctx, s.db, &t, query, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}

	_ = t.decodeSettings()
	return &t, nil
}

// Resolver hands the pipeline decrypted provider credentials. Decryption
// itself happens upstream of this interface; implementations only decide
// where the resolved material comes from.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, provider string) (Credentials, error)
}

// StoreResolver reads credentials from the tenant_credentials table.
type StoreResolver struct {
	db     sqlx.ExtContext
	logger *slog.Logger
}

func NewStoreResolver(db sqlx.ExtContext, logger *slog.Logger) *StoreResolver {
	return &StoreResolver{db: db, logger: logger}
}

func (r *StoreResolver) Resolve(ctx context.Context, tenantID, provider string) (Credentials, error) {
	query := `
		SELECT credentials
		FROM tenant_credentials
		WHERE tenant_id = $1 AND provider = $2
	`

	var raw json.RawMessage
	err := sqlx.GetContext(ctx, r.db, &raw, query, tenantID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		r.logger.Warn("malformed credentials row",
			slog.String("tenant_id", tenantID),
			slog.String("provider", provider),
		)
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, provider)
	}

	return creds, nil
}

// StaticResolver serves fixed credentials; used in tests and for
// single-tenant deployments configured from the environment.
type StaticResolver map[string]Credentials

func (r StaticResolver) Resolve(_ context.Context, _, provider string) (Credentials, error) {
	creds, ok := r[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, provider)
	}
	return creds, nil
}
