// Package providers wires the domain providers a snapshot can touch. It is the
// only place provider packages are listed.
package providers

import (
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"

	"github.com/wilhg/tenantsnap/pkg/providers/billing"
	"github.com/wilhg/tenantsnap/pkg/providers/booking"
	"github.com/wilhg/tenantsnap/pkg/providers/teamchat"
	"github.com/wilhg/tenantsnap/pkg/providers/workboard"
	"github.com/wilhg/tenantsnap/pkg/snapshot"
)

// Config holds the row caps handed to the providers. Zero values keep each
// provider's default.
type Config struct {
	RowCap     int
	MessageCap int
}

// Default returns the registry of every provider, in capture order.
func Default(drv dialect.Driver, cfg Config) (*snapshot.Registry, error) {
	var (
		wb   []workboard.Option
		bil  []billing.Option
		chat []teamchat.Option
		bk   []booking.Option
	)
	if cfg.RowCap > 0 {
		wb = append(wb, workboard.WithRowCap(cfg.RowCap))
		bil = append(bil, billing.WithRowCap(cfg.RowCap))
		bk = append(bk, booking.WithRowCap(cfg.RowCap))
	}
	if cfg.MessageCap > 0 {
		chat = append(chat, teamchat.WithMessageCap(cfg.MessageCap))
	}
	return snapshot.NewRegistry(
		workboard.New(drv, wb...),
		billing.New(drv, bil...),
		teamchat.New(drv, chat...),
		booking.New(drv, bk...),
	)
}

// Tables returns the migration definitions of every provider's tables.
func Tables() []*schema.Table {
	var out []*schema.Table
	out = append(out, workboard.Tables()...)
	out = append(out, billing.Tables()...)
	out = append(out, teamchat.Tables()...)
	out = append(out, booking.Tables()...)
	return out
}
