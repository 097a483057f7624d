// Package teamchat captures and restores a tenant's chat threads, members,
// messages and attachment references.
//
// Messages are capped newest-first. Attachments are captured only for the
// messages that made it into the fragment, and only as storage references.
package teamchat

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
	ID      = "team_chat"
	Version = 1

	// DefaultMessageCap is the number of newest messages captured per tenant.
	DefaultMessageCap = 5000
)

type Thread struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedBy string `json:"created_by"`
	Archived  bool   `json:"archived"`
	CreatedAt int64  `json:"created_at"`
}

type Member struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	JoinedAt int64  `json:"joined_at"`
}

type Message struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
	EditedAt  int64  `json:"edited_at"`
}

// Attachment references a file in object storage.
type Attachment struct {
	ID         string `json:"id"`
	MessageID  string `json:"message_id"`
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type"`
	StorageURL string `json:"storage_url" jsonschema:"object storage location of the file"`
	SizeBytes  int64  `json:"size_bytes"`
}

type Data struct {
	Threads     []Thread     `json:"threads"`
	Members     []Member     `json:"members"`
	Messages    []Message    `json:"messages"`
	Attachments []Attachment `json:"attachments"`
}

var dataSchema = snapshot.MustSchemaFor[Data]()

var (
	threads = tabular.Table[Thread]{
		Name: "chat_threads",
		Columns: []tabular.Column{
			{Name: "id", Type: field.TypeString},
			{Name: "title", Type: field.TypeString},
			{Name: "created_by", Type: field.TypeString},
			{Name: "archived", Type: field.TypeBool},
			{Name: "created_at", Type: field.TypeInt64},
		},
		OrderBy: "created_at",
		Key:     func(t Thread) string { return t.ID },
		Scan:    func(t *Thread) []any { return []any{&t.ID, &t.Title, &t.CreatedBy, &t.Archived, &t.CreatedAt} },
		Values:  func(t Thread) []any { return []any{t.ID, t.Title, t.CreatedBy, t.Archived, t.CreatedAt} },
	}
	members = tabular.Table[Member]{
		Name: "chat_members",
		Columns: []tabular.Column{
			{Name: "id", Type: field.TypeString},
			{Name: "thread_id", Type: field.TypeString},
			{Name: "user_id", Type: field.TypeString},
			{Name: "role", Type: field.TypeString},
			{Name: "joined_at", Type: field.TypeInt64},
		},
		OrderBy: "joined_at",
		Key:     func(m Member) string { return m.ThreadID + "/" + m.UserID },
		Scan:    func(m *Member) []any { return []any{&m.ID, &m.ThreadID, &m.UserID, &m.Role, &m.JoinedAt} },
		Values:  func(m Member) []any { return []any{m.ID, m.ThreadID, m.UserID, m.Role, m.JoinedAt} },
	}
	messages = tabular.Table[Message]{
		Name: "chat_messages",
		Columns: []tabular.Column{
			{Name: "id", Type: field.TypeString},
			{Name: "thread_id", Type: field.TypeString},
			{Name: "author_id", Type: field.TypeString},
			{Name: "body", Type: field.TypeString},
			{Name: "created_at", Type: field.TypeInt64},
			{Name: "edited_at", Type: field.TypeInt64},
		},
		OrderBy: "created_at",
		Newest:  true,
		Cap:     DefaultMessageCap,
		Key:     func(m Message) string { return m.ID },
		Scan: func(m *Message) []any {
			return []any{&m.ID, &m.ThreadID, &m.AuthorID, &m.Body, &m.CreatedAt, &m.EditedAt}
		},
		Values: func(m Message) []any {
			return []any{m.ID, m.ThreadID, m.AuthorID, m.Body, m.CreatedAt, m.EditedAt}
		},
	}
	attachments = tabular.Table[Attachment]{
		Name: "chat_attachments",
		Columns: []tabular.Column{
			{Name: "id", Type: field.TypeString},
			{Name: "message_id", Type: field.TypeString},
			{Name: "file_name", Type: field.TypeString},
			{Name: "mime_type", Type: field.TypeString},
			{Name: "storage_url", Type: field.TypeString},
			{Name: "size_bytes", Type: field.TypeInt64},
		},
		Key: func(a Attachment) string { return a.ID },
		Scan: func(a *Attachment) []any {
			return []any{&a.ID, &a.MessageID, &a.FileName, &a.MimeType, &a.StorageURL, &a.SizeBytes}
		},
		Values: func(a Attachment) []any {
			return []any{a.ID, a.MessageID, a.FileName, a.MimeType, a.StorageURL, a.SizeBytes}
		},
	}
)

// Tables returns the migration definitions of the chat tables.
func Tables() []*schema.Table {
	return []*schema.Table{threads.Schema(), members.Schema(), messages.Schema(), attachments.Schema()}
}

// Option configures a Provider.
type Option func(*Provider)

// WithMessageCap overrides DefaultMessageCap. Zero or less captures every
// message.
func WithMessageCap(n int) Option {
	return func(p *Provider) { p.messages = messages.WithCap(max(n, 0)) }
}

type Provider struct {
	db       tabular.DB
	messages *tabular.Table[Message]
}

var _ snapshot.Provider = (*Provider)(nil)

func New(drv dialect.Driver, opts ...Option) *Provider {
	p := &Provider{db: tabular.NewDB(drv), messages: &messages}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) ID() string   { return ID }
func (p *Provider) Version() int { return Version }

func (p *Provider) Describe() snapshot.Descriptor {
	desc := "Threads, members, messages and attachment references"
	if p.messages.Cap > 0 {
		desc = fmt.Sprintf("Threads, members, the newest %d messages and attachment references", p.messages.Cap)
	}
	return snapshot.Descriptor{
		Name:        "Team chat",
		Description: desc,
		DataSchema:  dataSchema.Raw(),
	}
}

// read loads the tenant's chat through msgs, whose cap decides how many
// messages and attachments are kept.
func read(ctx context.Context, c tabular.Conn, ws string, msgs *tabular.Table[Message]) (Data, map[string]int, error) {
	var d Data
	var droppedMsgs int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { d.Threads, err = threads.Read(gctx, c, ws, 0); return })
	g.Go(func() (err error) { d.Members, err = members.Read(gctx, c, ws, 0); return })
	g.Go(func() (err error) { d.Messages, droppedMsgs, err = msgs.Capture(gctx, c, ws); return })
	g.Go(func() (err error) { d.Attachments, err = attachments.Read(gctx, c, ws, 0); return })
	if err := g.Wait(); err != nil {
		return Data{}, nil, err
	}
	if droppedMsgs == 0 {
		return d, nil, nil
	}

	kept := make(map[string]bool, len(d.Messages))
	for _, m := range d.Messages {
		kept[m.ID] = true
	}
	all := d.Attachments
	d.Attachments = make([]Attachment, 0, len(all))
	for _, a := range all {
		if kept[a.MessageID] {
			d.Attachments = append(d.Attachments, a)
		}
	}
	truncated := map[string]int{"messages": droppedMsgs}
	if n := len(all) - len(d.Attachments); n > 0 {
		truncated["attachments"] = n
	}
	return d, truncated, nil
}

func (p *Provider) Capture(ctx context.Context, ws string) (snapshot.Fragment, error) {
	d, truncated, err := read(ctx, p.db.Conn(), ws, p.messages)
	if err != nil {
		return snapshot.Fragment{}, err
	}
	f, err := snapshot.NewFragment(ID, Version, d, len(d.Threads)+len(d.Members)+len(d.Messages)+len(d.Attachments))
	if err != nil {
		return snapshot.Fragment{}, err
	}
	f.Metadata.Truncated = truncated
	return f, nil
}

func decode(f snapshot.Fragment) (Data, error) {
	if err := snapshot.CheckVersion(f, Version); err != nil {
		return Data{}, err
	}
	return snapshot.Decode[Data](dataSchema, f)
}

func (p *Provider) Diff(ctx context.Context, ws string, f snapshot.Fragment) (snapshot.Diff, error) {
	target, err := decode(f)
	if err != nil {
		return snapshot.Diff{}, err
	}
	current, _, err := read(ctx, p.db.Conn(), ws, messages.WithCap(0))
	if err != nil {
		return snapshot.Diff{}, err
	}
	out := snapshot.Diff{
		ProviderID: ID,
		Entities: []snapshot.EntityDiff{
			threads.Compare("threads", current.Threads, target.Threads),
			members.Compare("members", current.Members, target.Members),
			messages.Compare("messages", current.Messages, target.Messages),
			attachments.Compare("attachments", current.Attachments, target.Attachments),
		},
	}
	live := make(map[string]bool, len(current.Attachments))
	for _, a := range current.Attachments {
		live[a.ID] = true
	}
	stale := 0
	for _, a := range target.Attachments {
		if !live[a.ID] {
			stale++
		}
	}
	if stale > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d chat attachments reference files that may have been deleted", stale))
	}
	return out, nil
}

func (p *Provider) Restore(ctx context.Context, ws string, f snapshot.Fragment) (int, error) {
	d, err := decode(f)
	if err != nil {
		return 0, err
	}
	return p.db.Restore(ctx, ws,
		tabular.Rows(&threads, d.Threads),
		tabular.Rows(&members, d.Members),
		tabular.Rows(&messages, d.Messages),
		tabular.Rows(&attachments, d.Attachments),
	)
}
