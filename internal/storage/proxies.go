package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const proxyCols = "id, location, server, port, secret, usage_count, is_active"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProxy(r rowScanner) (Proxy, error) {
	var p Proxy
	err := r.Scan(&p.ID, &p.Location, &p.Server, &p.Port, &p.Secret, &p.UsageCount, &p.Active)
	return p, err
}

// InsertProxy registers p with usage 0 and active=true unless its unique key
// already exists (active or not), in which case it returns ErrAlreadyExists
// and leaves the existing row untouched.
func (s *Store) InsertProxy(ctx context.Context, p Proxy) (Proxy, error) {
	p.Server = strings.TrimSpace(p.Server)
	err := s.retry(ctx, "insert_proxy", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, s.q(
			`INSERT INTO proxies (location, server, port, secret, unique_key) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (unique_key) DO NOTHING RETURNING id`),
			p.Location, p.Server, p.Port, p.Secret, p.Key(),
		).Scan(&p.ID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Proxy{}, ErrAlreadyExists
	}
	if err != nil {
		return Proxy{}, err
	}
	p.UsageCount = 0
	p.Active = true
	return p, nil
}

// EnsureClient inserts c on first sight. Repeat calls are no-ops and report created=false.
func (s *Store) EnsureClient(ctx context.Context, c Client) (created bool, err error) {
	err = s.retry(ctx, "ensure_client", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.q(upsertClientSQL), c.ID, nullStr(c.Username))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		created = n > 0
		return err
	})
	return created, err
}

const upsertClientSQL = `INSERT INTO clients (id, username) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`

// GrantLeastLoaded admits c to the active proxy with the lowest usage count
// (ties broken by id).
func (s *Store) GrantLeastLoaded(ctx context.Context, c Client) (GrantResult, error) {
	return s.grant(ctx, "grant_least_loaded", c, func(ctx context.Context, tx *sql.Tx) (Proxy, error) {
		p, err := scanProxy(tx.QueryRowContext(ctx, s.q(
			`SELECT `+proxyCols+` FROM proxies WHERE is_active ORDER BY usage_count, id LIMIT 1`)))
		if errors.Is(err, sql.ErrNoRows) {
			return Proxy{}, ErrUnavailable
		}
		return p, err
	})
}

// GrantSpecific admits c to proxy id. An inactive proxy is rejected before
// the grant table is touched.
func (s *Store) GrantSpecific(ctx context.Context, c Client, id int64) (GrantResult, error) {
	return s.grant(ctx, "grant_specific", c, func(ctx context.Context, tx *sql.Tx) (Proxy, error) {
		p, err := scanProxy(tx.QueryRowContext(ctx, s.q(`SELECT `+proxyCols+` FROM proxies WHERE id = ?`), id))
		if errors.Is(err, sql.ErrNoRows) {
			return Proxy{}, ErrNotFound
		}
		if err != nil {
			return Proxy{}, err
		}
		if !p.Active {
			return Proxy{}, ErrInactive
		}
		return p, nil
	})
}

// grant is the admission gate. In one transaction it records the client,
// picks a proxy, inserts the (client, proxy) relation and, only if that row
// was new, increments the proxy's usage counter. The relation's primary key
// is what rejects a concurrent duplicate; no in-process lock is involved.
func (s *Store) grant(ctx context.Context, op string, c Client, pick func(context.Context, *sql.Tx) (Proxy, error)) (GrantResult, error) {
	var out GrantResult
	err := s.txRetry(ctx, op, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(upsertClientSQL), c.ID, nullStr(c.Username)); err != nil {
			return err
		}
		p, err := pick(ctx, tx)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO grants (client_id, proxy_id) VALUES (?, ?) ON CONFLICT (client_id, proxy_id) DO NOTHING`),
			c.ID, p.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		out = GrantResult{Proxy: p}
		if n == 0 {
			return nil
		}
		err = tx.QueryRowContext(ctx, s.q(
			`UPDATE proxies SET usage_count = usage_count + 1 WHERE id = ? AND is_active RETURNING usage_count`),
			p.ID).Scan(&out.Proxy.UsageCount)
		if errors.Is(err, sql.ErrNoRows) {
			// Disabled or removed after pick; the relation insert rolls back with the tx.
			return errRaced
		}
		if err != nil {
			return err
		}
		out.Fresh = true
		return nil
	})
	if err != nil {
		return GrantResult{}, err
	}
	return out, nil
}

// ToggleActive flips the active flag in a single statement, so concurrent
// toggles strictly alternate. It returns the new state.
func (s *Store) ToggleActive(ctx context.Context, id int64) (bool, error) {
	var active bool
	err := s.retry(ctx, "toggle_active", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, s.q(
			`UPDATE proxies SET is_active = NOT is_active WHERE id = ? RETURNING is_active`), id).Scan(&active)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return active, err
}

// ResetUsage zeroes the counter and deletes the proxy's grant relations atomically.
func (s *Store) ResetUsage(ctx context.Context, id int64) error {
	return s.txRetry(ctx, "reset_usage", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE proxies SET usage_count = 0 WHERE id = ?`), id)
		if err := mustAffect(res, err); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM grants WHERE proxy_id = ?`), id)
		return err
	})
}

// DeleteProxy removes the proxy and every grant relation referencing it.
// The proxy row goes first so a concurrent grant fails its foreign key check
// instead of deadlocking.
func (s *Store) DeleteProxy(ctx context.Context, id int64) error {
	return s.txRetry(ctx, "delete_proxy", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM proxies WHERE id = ?`), id)
		if err := mustAffect(res, err); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM grants WHERE proxy_id = ?`), id)
		return err
	})
}

// UpdateProxy rewrites location and connection fields and the derived key.
// A key owned by another proxy yields ErrConflict. Counter and active flag
// are preserved.
func (s *Store) UpdateProxy(ctx context.Context, p Proxy) (Proxy, error) {
	p.Server = strings.TrimSpace(p.Server)
	var out Proxy
	err := s.retry(ctx, "update_proxy", func(ctx context.Context) error {
		var err error
		out, err = scanProxy(s.db.QueryRowContext(ctx, s.q(
			`UPDATE proxies SET location = ?, server = ?, port = ?, secret = ?, unique_key = ?
			 WHERE id = ? RETURNING `+proxyCols),
			p.Location, p.Server, p.Port, p.Secret, p.Key(), p.ID))
		return err
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Proxy{}, ErrNotFound
	case err != nil && s.dialect.isUniqueViolation(err):
		return Proxy{}, ErrConflict
	case err != nil:
		return Proxy{}, err
	}
	return out, nil
}

func (s *Store) GetProxy(ctx context.Context, id int64) (Proxy, error) {
	p, err := scanProxy(s.db.QueryRowContext(ctx, s.q(`SELECT `+proxyCols+` FROM proxies WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Proxy{}, ErrNotFound
	}
	return p, err
}

// ListProxies returns proxies ordered by location (then id).
func (s *Store) ListProxies(ctx context.Context, activeOnly bool) ([]Proxy, error) {
	query := `SELECT ` + proxyCols + ` FROM proxies`
	if activeOnly {
		query += ` WHERE is_active`
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+` ORDER BY location, id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClientIDs returns every known client id in first-seen order.
func (s *Store) ClientIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM clients ORDER BY joined_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GrantCount returns the number of grant relations referencing proxy id.
func (s *Store) GrantCount(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM grants WHERE proxy_id = ?`), id).Scan(&n)
	return n, err
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM clients),
		(SELECT COUNT(*) FROM proxies),
		(SELECT COUNT(*) FROM proxies WHERE is_active),
		(SELECT COUNT(*) FROM grants)`).Scan(&st.Clients, &st.Proxies, &st.ActiveProxies, &st.Grants)
	return st, err
}

// AppendAudit records an operator action. Failures are returned but callers
// treat the audit trail as best-effort.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO audit (at, actor_id, action, target, ok, err) VALUES (?, ?, ?, ?, ?, ?)`),
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, e.Action, e.Target, e.OK, nullStr(e.Error))
	return err
}

// RecentAudit returns the newest n audit entries, newest first.
func (s *Store) RecentAudit(ctx context.Context, n int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT at, actor_id, action, target, ok, COALESCE(err, '') FROM audit ORDER BY id DESC LIMIT ?`), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at string
		)
		if err := rows.Scan(&at, &e.ActorID, &e.Action, &e.Target, &e.OK, &e.Error); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
