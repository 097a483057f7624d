// Package booking captures and restores a tenant's vendors, services and
// bookings. Bookings may point at workboard tasks, so the provider declares a
// dependency on the workboard provider.
package booking

import (
	"context"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/tenantsnap/pkg/providers/tabular"
	"github.com/wilhg/tenantsnap/pkg/providers/workboard"
	"github.com/wilhg/tenantsnap/pkg/snapshot"
)

const (
	ID      = "booking"
	Version = 1
)

// Settings is the tenant's single booking configuration row.
type Settings struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"`
}

type Vendor struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	CreatedAt int64  `json:"created_at"`
}

type Service struct {
	ID              string `json:"id"`
	VendorID        string `json:"vendor_id"`
	Name            string `json:"name"`
	DurationMinutes int64  `json:"duration_minutes"`
	PriceCents      int64  `json:"price_cents"`
}

type Booking struct {
	ID           string `json:"id"`
	ServiceID    string `json:"service_id"`
	TaskID       string `json:"task_id" jsonschema:"workboard task the booking is attached to, empty when none"`
	CustomerName string `json:"customer_name"`
	Status       string `json:"status"`
	StartsAt     int64  `json:"starts_at"`
	EndsAt       int64  `json:"ends_at"`
}

type Data struct {
	Settings *Settings `json:"settings"`
	Vendors  []Vendor  `json:"vendors"`
	Services []Service `json:"services"`
	Bookings []Booking `json:"bookings"`
}

var dataSchema = snapshot.MustSchemaFor[Data]()

var (
	settings = tabular.Table[Settings]{
		Name: "booking_settings",
		Columns: []tabular.Column{
			{Name: "enabled", Type: field.TypeBool},
			{Name: "timezone", Type: field.TypeString},
		},
		Singleton: true,
		Key:       func(Settings) string { return "settings" },
		Scan:      func(s *Settings) []any { return []any{&s.Enabled, &s.Timezone} },
		Values:    func(s Settings) []any { return []any{s.Enabled, s.Timezone} },
	}
	vendors = tabular.Table[Vendor]{
		Name: "booking_vendors",
		Columns: []tabular.Column{
			{Name: "id", Type: field.TypeString},
			{Name: "name", Type: field.TypeString},
			{Name: "email", Type: field.TypeString},
			{Name: "phone", Type: field.TypeString},
			{Name: "created_at", Type: field.TypeInt64},
		},
		OrderBy: "created_at",
		Key:     func(v Vendor) string { return v.ID },
		Scan:    func(v *Vendor) []any { return []any{&v.ID, &v.Name, &v.Email, &v.Phone, &v.CreatedAt} },
		Values:  func(v Vendor) []any { return []any{v.ID, v.Name, v.Email, v.Phone, v.CreatedAt} },
	}
	services = tabular.Table[Service]{
		Name: "booking_services",
		Columns: []tabular.Column{
			{Name: "id", Type: field.TypeString},
			{Name: "vendor_id", Type: field.TypeString},
			{Name: "name", Type: field.TypeString},
			{Name: "duration_minutes", Type: field.TypeInt64},
			{Name: "price_cents", Type: field.TypeInt64},
		},
		Key:    func(s Service) string { return s.ID },
		Scan:   func(s *Service) []any { return []any{&s.ID, &s.VendorID, &s.Name, &s.DurationMinutes, &s.PriceCents} },
		Values: func(s Service) []any { return []any{s.ID, s.VendorID, s.Name, s.DurationMinutes, s.PriceCents} },
	}
	bookings = tabular.Table[Booking]{
		Name: "booking_bookings",
		Columns: []tabular.Column{
			{Name: "id", Type: field.TypeString},
			{Name: "service_id", Type: field.TypeString},
			{Name: "task_id", Type: field.TypeString},
			{Name: "customer_name", Type: field.TypeString},
			{Name: "status", Type: field.TypeString},
			{Name: "starts_at", Type: field.TypeInt64},
			{Name: "ends_at", Type: field.TypeInt64},
		},
		OrderBy: "starts_at",
		Newest:  true,
		Key:     func(b Booking) string { return b.ID },
		Scan: func(b *Booking) []any {
			return []any{&b.ID, &b.ServiceID, &b.TaskID, &b.CustomerName, &b.Status, &b.StartsAt, &b.EndsAt}
		},
		Values: func(b Booking) []any {
			return []any{b.ID, b.ServiceID, b.TaskID, b.CustomerName, b.Status, b.StartsAt, b.EndsAt}
		},
	}
)

// Tables returns the migration definitions of the booking tables.
func Tables() []*schema.Table {
	return []*schema.Table{settings.Schema(), vendors.Schema(), services.Schema(), bookings.Schema()}
}

type Option func(*Provider)

// WithRowCap bounds captured bookings.
func WithRowCap(n int) Option {
	return func(p *Provider) { p.bookings = bookings.WithCap(n) }
}

type Provider struct {
	db       tabular.DB
	bookings *tabular.Table[Booking]
}

var (
	_ snapshot.Provider = (*Provider)(nil)
	_ snapshot.Enabler  = (*Provider)(nil)
)

func New(drv dialect.Driver, opts ...Option) *Provider {
	p := &Provider{db: tabular.NewDB(drv), bookings: &bookings}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) ID() string   { return ID }
func (p *Provider) Version() int { return Version }

func (p *Provider) Describe() snapshot.Descriptor {
	return snapshot.Descriptor{
		Name:        "Booking",
		Description: "Vendors, services and bookings",
		DependsOn:   []string{workboard.ID},
		DataSchema:  dataSchema.Raw(),
	}
}

// Enabled reports false only for tenants that switched booking off. Tenants
// without a settings row have never configured it and are captured as is.
func (p *Provider) Enabled(ctx context.Context, ws string) (bool, error) {
	rows, err := settings.Read(ctx, p.db.Conn(), ws, 1)
	if err != nil {
		return false, err
	}
	return len(rows) == 0 || rows[0].Enabled, nil
}

// read loads the tenant's rows, with the booking cap only when capped.
func (p *Provider) read(ctx context.Context, ws string, capped bool) (Data, int, error) {
	var d Data
	bk := p.bookings
	if !capped {
		bk = bk.WithCap(0)
	}
	var dropped int
	c := p.db.Conn()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := settings.Read(gctx, c, ws, 1)
		if err == nil && len(rows) == 1 {
			d.Settings = &rows[0]
		}
		return err
	})
	g.Go(func() (err error) { d.Vendors, err = vendors.Read(gctx, c, ws, 0); return })
	g.Go(func() (err error) { d.Services, err = services.Read(gctx, c, ws, 0); return })
	g.Go(func() (err error) { d.Bookings, dropped, err = bk.Capture(gctx, c, ws); return })
	if err := g.Wait(); err != nil {
		return Data{}, 0, err
	}
	return d, dropped, nil
}

func (p *Provider) Capture(ctx context.Context, ws string) (snapshot.Fragment, error) {
	d, dropped, err := p.read(ctx, ws, true)
	if err != nil {
		return snapshot.Fragment{}, err
	}
	n := len(d.Vendors) + len(d.Services) + len(d.Bookings)
	if d.Settings != nil {
		n++
	}
	f, err := snapshot.NewFragment(ID, Version, d, n)
	if err != nil {
		return snapshot.Fragment{}, err
	}
	if dropped > 0 {
		f.Metadata.Truncated = map[string]int{"bookings": dropped}
	}
	return f, nil
}

func decode(f snapshot.Fragment) (Data, error) {
	if err := snapshot.CheckVersion(f, Version); err != nil {
		return Data{}, err
	}
	return snapshot.Decode[Data](dataSchema, f)
}

func one(s *Settings) []Settings {
	if s == nil {
		return nil
	}
	return []Settings{*s}
}

func (p *Provider) Diff(ctx context.Context, ws string, f snapshot.Fragment) (snapshot.Diff, error) {
	target, err := decode(f)
	if err != nil {
		return snapshot.Diff{}, err
	}
	current, _, err := p.read(ctx, ws, false)
	if err != nil {
		return snapshot.Diff{}, err
	}
	return snapshot.Diff{
		ProviderID: ID,
		Entities: []snapshot.EntityDiff{
			settings.Compare("settings", one(current.Settings), one(target.Settings)),
			vendors.Compare("vendors", current.Vendors, target.Vendors),
			services.Compare("services", current.Services, target.Services),
			bookings.Compare("bookings", current.Bookings, target.Bookings),
		},
	}, nil
}

func (p *Provider) Restore(ctx context.Context, ws string, f snapshot.Fragment) (int, error) {
	d, err := decode(f)
	if err != nil {
		return 0, err
	}
	return p.db.Restore(ctx, ws,
		tabular.Single(&settings, d.Settings, tabular.WorkspaceColumn),
		tabular.Rows(&vendors, d.Vendors),
		tabular.Rows(&services, d.Services),
		tabular.Rows(&bookings, d.Bookings),
	)
}
