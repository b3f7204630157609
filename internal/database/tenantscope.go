package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ============================================================================
// TENANT SCOPE EXECUTOR
// ============================================================================
//
// Every domain mutation runs through WithTenant, which pins a connection,
// opens a transaction, and sets search_path to the tenant's schema plus a
// session variable consulted by row-level policies. A query that forgets a
// tenant filter therefore still cannot touch another tenant's rows.

type scopeCtxKey struct{}

type activeScope struct {
	tenantSlug string
	tx         *sql.Tx
}

// ErrCrossTenantScope is returned when a block already scoped to one tenant
// attempts to re-enter the executor for a different tenant.
var ErrCrossTenantScope = errors.New("tenant scope already active for a different tenant")

// ScopeFromContext returns the transaction of the active tenant scope, if any.
func ScopeFromContext(ctx context.Context) (*sql.Tx, string, bool) {
	s, ok := ctx.Value(scopeCtxKey{}).(*activeScope)
	if !ok {
		return nil, "", false
	}
	return s.tx, s.tenantSlug, true
}

// WithTenant runs fn inside a transaction bound to the tenant's isolated
// schema. The scope is released on every exit path, including panics and
// fn errors. Re-entrant calls for the same tenant join the existing
// transaction; calls for a different tenant fail.
func (db *DB) WithTenant(ctx context.Context, tenantSlug string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if existing, ok := ctx.Value(scopeCtxKey{}).(*activeScope); ok {
		if existing.tenantSlug != tenantSlug {
			return fmt.Errorf("%w: active=%s requested=%s", ErrCrossTenantScope, existing.tenantSlug, tenantSlug)
		}
		// Re-entry with the same tenant joins the pinned transaction.
		return fn(ctx, existing.tx)
	}

	schema, err := TenantSchemaName(tenantSlug)
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tenant tx: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	// SET LOCAL scopes both settings to this transaction; they vanish on
	// commit or rollback, so the pooled connection comes back clean.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`SET LOCAL search_path TO %q`, schema)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.tenant_id', $1, true)`, tenantSlug); err != nil {
		return fmt.Errorf("set app.tenant_id: %w", err)
	}

	scoped := context.WithValue(ctx, scopeCtxKey{}, &activeScope{tenantSlug: tenantSlug, tx: tx})
	if err := fn(scoped, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tenant tx: %w", err)
	}
	committed = true
	return nil
}
