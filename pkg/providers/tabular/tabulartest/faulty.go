// Package tabulartest injects statement failures into a dialect.Driver.
package tabulartest

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"entgo.io/ent/dialect"
)

// ErrInjected is returned by statements matched by a FaultyDriver.
var ErrInjected = errors.New("injected failure")

// FaultyDriver fails every Exec whose query contains all of Match, both on the
// driver and inside its transactions. Queries pass through untouched.
type FaultyDriver struct {
	dialect.Driver
	Match []string

	armed atomic.Bool
	hits  atomic.Int64
}

// Wrap returns an armed FaultyDriver around drv.
func Wrap(drv dialect.Driver, match ...string) *FaultyDriver {
	d := &FaultyDriver{Driver: drv, Match: match}
	d.armed.Store(true)
	return d
}

// Disarm lets every statement through.
func (d *FaultyDriver) Disarm() { d.armed.Store(false) }

// Hits returns how many statements were failed.
func (d *FaultyDriver) Hits() int { return int(d.hits.Load()) }

func (d *FaultyDriver) fail(query string) bool {
	if !d.armed.Load() || len(d.Match) == 0 {
		return false
	}
	for _, m := range d.Match {
		if !strings.Contains(query, m) {
			return false
		}
	}
	d.hits.Add(1)
	return true
}

func (d *FaultyDriver) Exec(ctx context.Context, query string, args, v any) error {
	if d.fail(query) {
		return ErrInjected
	}
	return d.Driver.Exec(ctx, query, args, v)
}

func (d *FaultyDriver) Tx(ctx context.Context) (dialect.Tx, error) {
	tx, err := d.Driver.Tx(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, d: d}, nil
}

type faultyTx struct {
	dialect.Tx
	d *FaultyDriver
}

func (t *faultyTx) Exec(ctx context.Context, query string, args, v any) error {
	if t.d.fail(query) {
		return ErrInjected
	}
	return t.Tx.Exec(ctx, query, args, v)
}
