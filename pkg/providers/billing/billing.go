// Package billing captures and restores a tenant's subscription and invoice
// history. Invoice documents are kept as references; their bytes stay in
// object storage.
package billing

import (
	"context"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/tenantsnap/pkg/providers/tabular"
	"github.com/wilhg/tenantsnap/pkg/snapshot"
)

const (
	ID      = "billing"
	Version = 1
)

type Subscription struct {
	ID                string `json:"id"`
	PlanCode          string `json:"plan_code"`
	Status            string `json:"status"`
	Seats             int64  `json:"seats"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	UpdatedAt         int64  `json:"updated_at"`
}

type Invoice struct {
	ID          string `json:"id"`
	Number      string `json:"number"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	AmountCents int64  `json:"amount_cents"`
	PDFURL      string `json:"pdf_url" jsonschema:"reference to the rendered invoice document"`
	IssuedAt    int64  `json:"issued_at"`
}

// Data is the v1 fragment data. Subscription is null for tenants on no plan.
type Data struct {
	Subscription *Subscription `json:"subscription"`
	Invoices     []Invoice     `json:"invoices"`
}

var dataSchema = snapshot.MustSchemaFor[Data]()

var (
	subscriptions = tabular.Table[Subscription]{
		Name: "billing_subscriptions",
		Columns: []tabular.Column{
			{Name: "id", Type: field.TypeString},
			{Name: "plan_code", Type: field.TypeString},
			{Name: "status", Type: field.TypeString},
			{Name: "seats", Type: field.TypeInt64},
			{Name: "current_period_end", Type: field.TypeInt64},
			{Name: "cancel_at_period_end", Type: field.TypeBool},
			{Name: "updated_at", Type: field.TypeInt64},
		},
		Unique: []string{tabular.WorkspaceColumn},
		Key:    func(Subscription) string { return "subscription" },
		Scan: func(s *Subscription) []any {
			return []any{&s.ID, &s.PlanCode, &s.Status, &s.Seats, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &s.UpdatedAt}
		},
		Values: func(s Subscription) []any {
			return []any{s.ID, s.PlanCode, s.Status, s.Seats, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.UpdatedAt}
		},
	}
	invoices = tabular.Table[Invoice]{
		Name: "billing_invoices",
		Columns: []tabular.Column{
			{Name: "id", Type: field.TypeString},
			{Name: "number", Type: field.TypeString},
			{Name: "status", Type: field.TypeString},
			{Name: "currency", Type: field.TypeString},
			{Name: "amount_cents", Type: field.TypeInt64},
			{Name: "pdf_url", Type: field.TypeString},
			{Name: "issued_at", Type: field.TypeInt64},
		},
		OrderBy: "issued_at",
		Newest:  true,
		Key:     func(i Invoice) string { return i.ID },
		Scan: func(i *Invoice) []any {
			return []any{&i.ID, &i.Number, &i.Status, &i.Currency, &i.AmountCents, &i.PDFURL, &i.IssuedAt}
		},
		Values: func(i Invoice) []any {
			return []any{i.ID, i.Number, i.Status, i.Currency, i.AmountCents, i.PDFURL, i.IssuedAt}
		},
	}
)

// Tables returns the migration definitions of the billing tables.
func Tables() []*schema.Table {
	return []*schema.Table{subscriptions.Schema(), invoices.Schema()}
}

// Option configures a Provider.
type Option func(*Provider)

// WithRowCap bounds captured invoices.
func WithRowCap(n int) Option {
	return func(p *Provider) { p.invoices = invoices.WithCap(n) }
}

// Provider is the billing snapshot provider. It is critical: a snapshot
// without billing state is not written.
type Provider struct {
	db       tabular.DB
	invoices *tabular.Table[Invoice]
}

var _ snapshot.Provider = (*Provider)(nil)

func New(drv dialect.Driver, opts ...Option) *Provider {
	p := &Provider{db: tabular.NewDB(drv), invoices: &invoices}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) ID() string   { return ID }
func (p *Provider) Version() int { return Version }

func (p *Provider) Describe() snapshot.Descriptor {
	return snapshot.Descriptor{
		Name:        "Billing",
		Description: "Subscription and invoice history",
		Critical:    true,
		DataSchema:  dataSchema.Raw(),
	}
}

// read loads the tenant's rows, with the invoice cap only when capped.
func (p *Provider) read(ctx context.Context, ws string, capped bool) (Data, int, error) {
	var d Data
	inv := p.invoices
	if !capped {
		inv = inv.WithCap(0)
	}
	var dropped int
	c := p.db.Conn()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		subs, err := subscriptions.Read(gctx, c, ws, 1)
		if err != nil {
			return err
		}
		if len(subs) == 1 {
			d.Subscription = &subs[0]
		}
		return nil
	})
	g.Go(func() (err error) { d.Invoices, dropped, err = inv.Capture(gctx, c, ws); return })
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
	n := len(d.Invoices)
	if d.Subscription != nil {
		n++
	}
	f, err := snapshot.NewFragment(ID, Version, d, n)
	if err != nil {
		return snapshot.Fragment{}, err
	}
	if dropped > 0 {
		f.Metadata.Truncated = map[string]int{"invoices": dropped}
	}
	return f, nil
}

func decode(f snapshot.Fragment) (Data, error) {
	if err := snapshot.CheckVersion(f, Version); err != nil {
		return Data{}, err
	}
	return snapshot.Decode[Data](dataSchema, f)
}

func single(s *Subscription) []Subscription {
	if s == nil {
		return nil
	}
	return []Subscription{*s}
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
			subscriptions.Compare("subscription", single(current.Subscription), single(target.Subscription)),
			invoices.Compare("invoices", current.Invoices, target.Invoices),
		},
	}, nil
}

func (p *Provider) Restore(ctx context.Context, ws string, f snapshot.Fragment) (int, error) {
	d, err := decode(f)
	if err != nil {
		return 0, err
	}
	return p.db.Restore(ctx, ws,
		tabular.Single(&subscriptions, d.Subscription, tabular.WorkspaceColumn),
		tabular.Rows(&invoices, d.Invoices),
	)
}
