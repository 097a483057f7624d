package tabular

import (
	"context"

	"github.com/wilhg/tenantsnap/pkg/snapshot"
)

// Bound pairs a table with the rows a restore writes into it.
type Bound struct {
	table string
	del   func(ctx context.Context, c Conn, ws string) error
	ins   func(ctx context.Context, c Conn, ws string) (int, error)
}

// Rows binds the replacement rows of a multi-row table.
func Rows[T comparable](t *Table[T], rows []T) Bound {
	return Bound{
		table: t.Name,
		del: func(ctx context.Context, c Conn, ws string) error {
			_, err := t.Delete(ctx, c, ws)
			return err
		},
		ins: func(ctx context.Context, c Conn, ws string) (int, error) {
			return t.Insert(ctx, c, ws, rows)
		},
	}
}

// Single binds the one row of a single-row-per-tenant table. The row is
// upserted on conflictColumns; a nil row deletes the tenant's row.
func Single[T comparable](t *Table[T], row *T, conflictColumns ...string) Bound {
	return Bound{
		table: t.Name,
		del: func(ctx context.Context, c Conn, ws string) error {
			if row != nil {
				return nil
			}
			_, err := t.Delete(ctx, c, ws)
			return err
		},
		ins: func(ctx context.Context, c Conn, ws string) (int, error) {
			if row == nil {
				return 0, nil
			}
			if err := t.Upsert(ctx, c, ws, *row, conflictColumns...); err != nil {
				return 0, err
			}
			return 1, nil
		},
	}
}

// Restore replaces the tenant's rows of every bound table in one
// transaction. Tables are given parent first: deletes run in reverse order,
// inserts in the given order. It returns the number of rows written.
func (db DB) Restore(ctx context.Context, ws string, parentsFirst ...Bound) (int, error) {
	written := 0
	err := db.InTx(ctx, func(c Conn) error {
		snapshot.ReportStage(ctx, snapshot.StageDeleting)
		for i := len(parentsFirst) - 1; i >= 0; i-- {
			if err := parentsFirst[i].del(ctx, c, ws); err != nil {
				return err
			}
		}
		snapshot.ReportStage(ctx, snapshot.StageInserting)
		for _, b := range parentsFirst {
			n, err := b.ins(ctx, c, ws)
			if err != nil {
				return err
			}
			written += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}
