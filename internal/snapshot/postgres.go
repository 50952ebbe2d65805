package snapshot

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DB is the subset of pgxpool.Pool used by the Postgres source.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSource reads routing configuration from Postgres. All three
// record sets are fetched on every call so a generation is built from one
// consistent read pass.
type PostgresSource struct {
	db DB
}

func NewPostgresSource(db DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Fetch(ctx context.Context) (Contents, error) {
	var c Contents
	var err error

	if c.Providers, err = s.fetchProviders(ctx); err != nil {
		return Contents{}, err
	}
	if c.Aliases, err = s.fetchAliases(ctx); err != nil {
		return Contents{}, err
	}
	if c.Tenants, err = s.fetchTenants(ctx); err != nil {
		return Contents{}, err
	}
	return c, nil
}

func (s *PostgresSource) fetchProviders(ctx context.Context) ([]ProviderEndpoint, error) {
	query := `
		SELECT id, name, wire_format, priority, active
		FROM provider_endpoints
		ORDER BY priority, name
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider endpoints: %w", err)
	}
	defer rows.Close()

	var providers []ProviderEndpoint
	for rows.Next() {
		var p ProviderEndpoint
		if err := rows.Scan(&p.ID, &p.Name, &p.WireFormat, &p.Priority, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan provider endpoint: %w", err)
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating provider endpoints: %w", err)
	}
	return providers, nil
}

func (s *PostgresSource) fetchAliases(ctx context.Context) ([]ModelAlias, error) {
	query := `
		SELECT a.alias, b.provider, b.model, b.context_window, b.cost_per_token, b.capabilities
		FROM model_aliases a
		JOIN alias_bindings b ON b.alias_id = a.id
		ORDER BY a.alias, b.position
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query model aliases: %w", err)
	}
	defer rows.Close()

	byAlias := make(map[string]int)
	var aliases []ModelAlias
	for rows.Next() {
		var alias string
		var b Binding
		var caps []string
		if err := rows.Scan(&alias, &b.Provider, &b.Model, &b.ContextWindow, &b.CostPerToken, &caps); err != nil {
			return nil, fmt.Errorf("failed to scan alias binding: %w", err)
		}
		for _, c := range caps {
			b.Capabilities = append(b.Capabilities, Capability(c))
		}

		idx, ok := byAlias[alias]
		if !ok {
			aliases = append(aliases, ModelAlias{Alias: alias})
			idx = len(aliases) - 1
			byAlias[alias] = idx
		}
		aliases[idx].Bindings = append(aliases[idx].Bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model aliases: %w", err)
	}
	return aliases, nil
}

func (s *PostgresSource) fetchTenants(ctx context.Context) ([]TenantConfig, error) {
	query := `
		SELECT id, key_hash, requests_per_interval, cost_budget_usd, cache_namespace, COALESCE(preferred_model, '')
		FROM tenants
		WHERE active = true
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []TenantConfig
	for rows.Next() {
		var t TenantConfig
		if err := rows.Scan(&t.ID, &t.KeyHash, &t.RequestsPerInterval, &t.CostBudgetUSD, &t.CacheNamespace, &t.PreferredModel); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}
	return tenants, nil
}
