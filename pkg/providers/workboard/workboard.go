// Package workboard captures and restores a tenant's goals, plans, tasks and
// ideas.
//
// Fragment versions:
//   - v1: goals, plans, tasks
//   - v2: adds ideas
//
// A v1 fragment restores the first three tables and leaves ideas untouched.
package workboard

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/tenantsnap/pkg/providers/tabular"
	"github.com/wilhg/tenantsnap/pkg/snapshot"
)

const (
	ID      = "workboard"
	Version = 2
)

type Goal struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	TargetDate string `json:"target_date" jsonschema:"ISO date, empty when unset"`
	CreatedAt  int64  `json:"created_at"`
}

type Plan struct {
	ID        string `json:"id"`
	GoalID    string `json:"goal_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type Task struct {
	ID        string `json:"id"`
	PlanID    string `json:"plan_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
	Assignee  string `json:"assignee"`
	DueDate   string `json:"due_date"`
	Position  int64  `json:"position"`
	CreatedAt int64  `json:"created_at"`
}

type Idea struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Votes     int64  `json:"votes"`
	CreatedAt int64  `json:"created_at"`
}

// Data is the v2 fragment data.
type Data struct {
	Goals []Goal `json:"goals"`
	Plans []Plan `json:"plans"`
	Tasks []Task `json:"tasks"`
	Ideas []Idea `json:"ideas"`
}

// DataV1 is the v1 fragment data.
type DataV1 struct {
	Goals []Goal `json:"goals"`
	Plans []Plan `json:"plans"`
	Tasks []Task `json:"tasks"`
}

var schemas = map[int]*snapshot.DataSchema{
	1: snapshot.MustSchemaFor[DataV1](),
	2: snapshot.MustSchemaFor[Data](),
}

var (
	goals = tabular.Table[Goal]{
		Name: "workboard_goals",
		Columns: []tabular.Column{
			{Name: "id", Type: field.TypeString},
			{Name: "title", Type: field.TypeString},
			{Name: "status", Type: field.TypeString},
			{Name: "target_date", Type: field.TypeString},
			{Name: "created_at", Type: field.TypeInt64},
		},
		OrderBy: "created_at",
		Key:     func(g Goal) string { return g.ID },
		Scan:    func(g *Goal) []any { return []any{&g.ID, &g.Title, &g.Status, &g.TargetDate, &g.CreatedAt} },
		Values:  func(g Goal) []any { return []any{g.ID, g.Title, g.Status, g.TargetDate, g.CreatedAt} },
	}
	plans = tabular.Table[Plan]{
		Name: "workboard_plans",
		Columns: []tabular.Column{
			{Name: "id", Type: field.TypeString},
			{Name: "goal_id", Type: field.TypeString},
			{Name: "title", Type: field.TypeString},
			{Name: "status", Type: field.TypeString},
			{Name: "created_at", Type: field.TypeInt64},
		},
		OrderBy: "created_at",
		Key:     func(p Plan) string { return p.ID },
		Scan:    func(p *Plan) []any { return []any{&p.ID, &p.GoalID, &p.Title, &p.Status, &p.CreatedAt} },
		Values:  func(p Plan) []any { return []any{p.ID, p.GoalID, p.Title, p.Status, p.CreatedAt} },
	}
	tasks = tabular.Table[Task]{
		Name: "workboard_tasks",
		Columns: []tabular.Column{
			{Name: "id", Type: field.TypeString},
			{Name: "plan_id", Type: field.TypeString},
			{Name: "title", Type: field.TypeString},
			{Name: "status", Type: field.TypeString},
			{Name: "priority", Type: field.TypeString},
			{Name: "assignee", Type: field.TypeString},
			{Name: "due_date", Type: field.TypeString},
			{Name: "position", Type: field.TypeInt64},
			{Name: "created_at", Type: field.TypeInt64},
		},
		OrderBy: "created_at",
		Newest:  true,
		Key:     func(t Task) string { return t.ID },
		Scan: func(t *Task) []any {
			return []any{&t.ID, &t.PlanID, &t.Title, &t.Status, &t.Priority, &t.Assignee, &t.DueDate, &t.Position, &t.CreatedAt}
		},
		Values: func(t Task) []any {
			return []any{t.ID, t.PlanID, t.Title, t.Status, t.Priority, t.Assignee, t.DueDate, t.Position, t.CreatedAt}
		},
	}
	ideas = tabular.Table[Idea]{
		Name: "workboard_ideas",
		Columns: []tabular.Column{
			{Name: "id", Type: field.TypeString},
			{Name: "title", Type: field.TypeString},
			{Name: "body", Type: field.TypeString},
			{Name: "votes", Type: field.TypeInt64},
			{Name: "created_at", Type: field.TypeInt64},
		},
		OrderBy: "created_at",
		Newest:  true,
		Key:     func(i Idea) string { return i.ID },
		Scan:    func(i *Idea) []any { return []any{&i.ID, &i.Title, &i.Body, &i.Votes, &i.CreatedAt} },
		Values:  func(i Idea) []any { return []any{i.ID, i.Title, i.Body, i.Votes, i.CreatedAt} },
	}
)

// Tables returns the migration definitions of the workboard tables.
func Tables() []*schema.Table {
	return []*schema.Table{goals.Schema(), plans.Schema(), tasks.Schema(), ideas.Schema()}
}

// Option configures a Provider.
type Option func(*Provider)

// WithRowCap bounds captured tasks and ideas.
func WithRowCap(n int) Option {
	return func(p *Provider) {
		p.tasks = tasks.WithCap(n)
		p.ideas = ideas.WithCap(n)
	}
}

// Provider is the workboard snapshot provider.
type Provider struct {
	db    tabular.DB
	tasks *tabular.Table[Task]
	ideas *tabular.Table[Idea]
}

var _ snapshot.Provider = (*Provider)(nil)

// New returns a provider reading and writing through drv.
func New(drv dialect.Driver, opts ...Option) *Provider {
	p := &Provider{db: tabular.NewDB(drv), tasks: &tasks, ideas: &ideas}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) ID() string   { return ID }
func (p *Provider) Version() int { return Version }

func (p *Provider) Describe() snapshot.Descriptor {
	return snapshot.Descriptor{
		Name:        "Workboard",
		Description: "Goals, plans, tasks and ideas",
		DataSchema:  schemas[Version].Raw(),
	}
}

// read loads the tenant's rows. Capture applies the row caps; Diff compares
// against every current row.
func (p *Provider) read(ctx context.Context, ws string, capped bool) (Data, map[string]int, error) {
	var d Data
	taskT, ideaT := p.tasks, p.ideas
	if !capped {
		taskT, ideaT = taskT.WithCap(0), ideaT.WithCap(0)
	}
	var droppedT, droppedI int
	c := p.db.Conn()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { d.Goals, err = goals.Read(gctx, c, ws, 0); return })
	g.Go(func() (err error) { d.Plans, err = plans.Read(gctx, c, ws, 0); return })
	g.Go(func() (err error) { d.Tasks, droppedT, err = taskT.Capture(gctx, c, ws); return })
	g.Go(func() (err error) { d.Ideas, droppedI, err = ideaT.Capture(gctx, c, ws); return })
	if err := g.Wait(); err != nil {
		return Data{}, nil, err
	}
	var truncated map[string]int
	if droppedT > 0 || droppedI > 0 {
		truncated = map[string]int{}
		if droppedT > 0 {
			truncated["tasks"] = droppedT
		}
		if droppedI > 0 {
			truncated["ideas"] = droppedI
		}
	}
	return d, truncated, nil
}

func (p *Provider) Capture(ctx context.Context, ws string) (snapshot.Fragment, error) {
	d, truncated, err := p.read(ctx, ws, true)
	if err != nil {
		return snapshot.Fragment{}, err
	}
	f, err := snapshot.NewFragment(ID, Version, d, len(d.Goals)+len(d.Plans)+len(d.Tasks)+len(d.Ideas))
	if err != nil {
		return snapshot.Fragment{}, err
	}
	f.Metadata.Truncated = truncated
	return f, nil
}

// decode reads any supported fragment version. hasIdeas is false for v1.
func decode(f snapshot.Fragment) (d Data, hasIdeas bool, err error) {
	if err := snapshot.CheckVersion(f, Version); err != nil {
		return Data{}, false, err
	}
	if f.Version == 1 {
		v1, err := snapshot.Decode[DataV1](schemas[1], f)
		if err != nil {
			return Data{}, false, err
		}
		return Data{Goals: v1.Goals, Plans: v1.Plans, Tasks: v1.Tasks}, false, nil
	}
	d, err = snapshot.Decode[Data](schemas[f.Version], f)
	return d, true, err
}

func (p *Provider) Diff(ctx context.Context, ws string, f snapshot.Fragment) (snapshot.Diff, error) {
	target, hasIdeas, err := decode(f)
	if err != nil {
		return snapshot.Diff{}, err
	}
	current, _, err := p.read(ctx, ws, false)
	if err != nil {
		return snapshot.Diff{}, err
	}
	out := snapshot.Diff{
		ProviderID: ID,
		Entities: []snapshot.EntityDiff{
			goals.Compare("goals", current.Goals, target.Goals),
			plans.Compare("plans", current.Plans, target.Plans),
			tasks.Compare("tasks", current.Tasks, target.Tasks),
		},
	}
	if hasIdeas {
		out.Entities = append(out.Entities, ideas.Compare("ideas", current.Ideas, target.Ideas))
	} else {
		out.Warnings = append(out.Warnings, fmt.Sprintf("workboard fragment v%d has no ideas; current ideas are left unchanged", f.Version))
	}
	return out, nil
}

func (p *Provider) Restore(ctx context.Context, ws string, f snapshot.Fragment) (int, error) {
	d, hasIdeas, err := decode(f)
	if err != nil {
		return 0, err
	}
	bound := []tabular.Bound{
		tabular.Rows(&goals, d.Goals),
		tabular.Rows(&plans, d.Plans),
		tabular.Rows(&tasks, d.Tasks),
	}
	if hasIdeas {
		bound = append(bound, tabular.Rows(&ideas, d.Ideas))
	}
	return p.db.Restore(ctx, ws, bound...)
}
