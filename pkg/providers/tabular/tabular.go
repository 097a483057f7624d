// Package tabular implements the tenant-scoped table operations shared by the
// domain providers: capped reads, delete-all, batched insert, upsert and
// business-key diffs. Every statement is filtered by workspace_id.
package tabular

import (
	"context"
	"database/sql"
	"fmt"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"

	"github.com/wilhg/tenantsnap/pkg/snapshot"
)

// WorkspaceColumn is the tenant column present on every domain table.
const WorkspaceColumn = "workspace_id"

const insertBatch = 100

// Conn pairs a querier (driver or transaction) with its SQL dialect.
type Conn struct {
	Q       dialect.ExecQuerier
	Dialect string
}

func (c Conn) builder() *entsql.DialectBuilder { return entsql.Dialect(c.Dialect) }

// DB is the storage client injected into a provider.
type DB struct {
	drv dialect.Driver
}

// NewDB wraps a driver.
func NewDB(drv dialect.Driver) DB { return DB{drv: drv} }

// Conn returns a non-transactional connection.
func (db DB) Conn() Conn { return Conn{Q: db.drv, Dialect: db.drv.Dialect()} }

// InTx runs fn in one transaction. Any error rolls back every statement fn
// issued.
func (db DB) InTx(ctx context.Context, fn func(c Conn) error) error {
	tx, err := db.drv.Tx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(Conn{Q: tx, Dialect: db.drv.Dialect()}); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Column is a data column of a domain table.
type Column struct {
	Name string
	Type field.Type
}

// Table describes one tenant-scoped domain table whose rows map to T.
// The first column is the primary key unless Singleton is set.
type Table[T comparable] struct {
	Name    string
	Columns []Column
	// Singleton tables hold at most one row per tenant, keyed by workspace_id.
	Singleton bool
	// Unique lists columns, workspace_id included, that carry a unique index.
	Unique []string
	// OrderBy is the capture order column; ties break on the primary key.
	OrderBy string
	// Newest orders descending so a cap keeps the newest rows.
	Newest bool
	// Cap bounds captured rows; zero means unbounded.
	Cap int

	Key    func(T) string
	Scan   func(*T) []any
	Values func(T) []any
}

// WithCap returns a copy of the table with a different capture cap.
func (t Table[T]) WithCap(n int) *Table[T] {
	t.Cap = n
	return &t
}

func (t *Table[T]) columnNames() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// Schema returns the migration definition of the table.
func (t *Table[T]) Schema() *schema.Table {
	ws := &schema.Column{Name: WorkspaceColumn, Type: field.TypeString}
	byName := map[string]*schema.Column{WorkspaceColumn: ws}
	cols := make([]*schema.Column, 0, len(t.Columns)+1)
	if t.Singleton {
		cols = append(cols, ws)
	}
	for i, c := range t.Columns {
		sc := &schema.Column{Name: c.Name, Type: c.Type}
		byName[c.Name] = sc
		cols = append(cols, sc)
		if i == 0 && !t.Singleton {
			cols = append(cols, ws)
		}
	}
	st := &schema.Table{
		Name:       t.Name,
		Columns:    cols,
		PrimaryKey: []*schema.Column{cols[0]},
	}
	if !t.Singleton {
		st.Indexes = append(st.Indexes, &schema.Index{Name: t.Name + "_" + WorkspaceColumn, Columns: []*schema.Column{ws}})
	}
	for _, u := range t.Unique {
		if c, ok := byName[u]; ok {
			st.Indexes = append(st.Indexes, &schema.Index{Name: t.Name + "_" + u + "_key", Unique: true, Columns: []*schema.Column{c}})
		}
	}
	return st
}

// Read returns the tenant's rows in capture order, at most limit when limit > 0.
func (t *Table[T]) Read(ctx context.Context, c Conn, ws string, limit int) ([]T, error) {
	sel := c.builder().Select(t.columnNames()...).
		From(entsql.Table(t.Name)).
		Where(entsql.EQ(WorkspaceColumn, ws))
	pk := t.Columns[0].Name
	switch {
	case t.OrderBy != "" && t.Newest:
		sel = sel.OrderBy(entsql.Desc(t.OrderBy), entsql.Desc(pk))
	case t.OrderBy != "":
		sel = sel.OrderBy(entsql.Asc(t.OrderBy), entsql.Asc(pk))
	default:
		sel = sel.OrderBy(entsql.Asc(pk))
	}
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	q, args := sel.Query()
	var rows entsql.Rows
	if err := c.Q.Query(ctx, q, args, &rows); err != nil {
		return nil, fmt.Errorf("%s: read: %w", t.Name, err)
	}
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		var v T
		if err := rows.Scan(t.Scan(&v)...); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", t.Name, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: read: %w", t.Name, err)
	}
	return out, nil
}

// Capture reads at most Cap rows and reports how many the cap left out.
func (t *Table[T]) Capture(ctx context.Context, c Conn, ws string) ([]T, int, error) {
	rows, err := t.Read(ctx, c, ws, t.Cap)
	if err != nil {
		return nil, 0, err
	}
	if t.Cap <= 0 || len(rows) < t.Cap {
		return rows, 0, nil
	}
	total, err := t.Count(ctx, c, ws)
	if err != nil {
		return nil, 0, err
	}
	return rows, total - len(rows), nil
}

// Count returns the tenant's row count.
func (t *Table[T]) Count(ctx context.Context, c Conn, ws string) (int, error) {
	q, args := c.builder().Select(entsql.Count("*")).
		From(entsql.Table(t.Name)).
		Where(entsql.EQ(WorkspaceColumn, ws)).
		Query()
	var rows entsql.Rows
	if err := c.Q.Query(ctx, q, args, &rows); err != nil {
		return 0, fmt.Errorf("%s: count: %w", t.Name, err)
	}
	defer rows.Close()
	n := 0
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("%s: count: %w", t.Name, err)
		}
	}
	return n, rows.Err()
}

// Delete removes every tenant row of the table.
func (t *Table[T]) Delete(ctx context.Context, c Conn, ws string) (int64, error) {
	q, args := c.builder().Delete(t.Name).Where(entsql.EQ(WorkspaceColumn, ws)).Query()
	var res sql.Result
	if err := c.Q.Exec(ctx, q, args, &res); err != nil {
		return 0, fmt.Errorf("%s: delete: %w", t.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: delete: rows affected: %w", t.Name, err)
	}
	return n, nil
}

// Insert writes rows for the tenant in batches.
func (t *Table[T]) Insert(ctx context.Context, c Conn, ws string, rows []T) (int, error) {
	cols := append([]string{WorkspaceColumn}, t.columnNames()...)
	written := 0
	for start := 0; start < len(rows); start += insertBatch {
		end := min(start+insertBatch, len(rows))
		ib := c.builder().Insert(t.Name).Columns(cols...)
		for _, r := range rows[start:end] {
			ib = ib.Values(append([]any{ws}, t.Values(r)...)...)
		}
		q, args := ib.Query()
		if err := c.Q.Exec(ctx, q, args, nil); err != nil {
			return written, fmt.Errorf("%s: insert: %w", t.Name, err)
		}
		written += end - start
	}
	return written, nil
}

// Upsert inserts row or overwrites the row that conflicts on conflictColumns.
func (t *Table[T]) Upsert(ctx context.Context, c Conn, ws string, row T, conflictColumns ...string) error {
	cols := append([]string{WorkspaceColumn}, t.columnNames()...)
	q, args := c.builder().Insert(t.Name).
		Columns(cols...).
		Values(append([]any{ws}, t.Values(row)...)...).
		OnConflict(entsql.ConflictColumns(conflictColumns...), entsql.ResolveWithNewValues()).
		Query()
	if err := c.Q.Exec(ctx, q, args, nil); err != nil {
		return fmt.Errorf("%s: upsert: %w", t.Name, err)
	}
	return nil
}

// Replace deletes the tenant's rows and inserts rows in their place.
func (t *Table[T]) Replace(ctx context.Context, c Conn, ws string, rows []T) (int, error) {
	if _, err := t.Delete(ctx, c, ws); err != nil {
		return 0, err
	}
	return t.Insert(ctx, c, ws, rows)
}

// Compare diffs target against current by business key.
func (t *Table[T]) Compare(entity string, current, target []T) snapshot.EntityDiff {
	return Compare(entity, t.Key, current, target)
}

// Compare diffs target against current by business key.
func Compare[T comparable](entity string, key func(T) string, current, target []T) snapshot.EntityDiff {
	d := snapshot.EntityDiff{Entity: entity}
	cur := make(map[string]T, len(current))
	for _, r := range current {
		cur[key(r)] = r
	}
	seen := make(map[string]bool, len(target))
	for _, r := range target {
		k := key(r)
		seen[k] = true
		existing, ok := cur[k]
		switch {
		case !ok:
			d.Creates++
		case existing == r:
			d.Unchanged++
		default:
			d.Updates++
		}
	}
	for k := range cur {
		if !seen[k] {
			d.Deletes++
		}
	}
	return d
}
