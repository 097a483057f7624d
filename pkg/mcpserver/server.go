// Package mcpserver exposes the snapshot engine as MCP tools so agents and
// operator tooling can capture, preview and restore over stdio.
package mcpserver

import (
	"context"
	"time"

	mcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/wilhg/tenantsnap/pkg/engine"
	"github.com/wilhg/tenantsnap/pkg/snapshot"
)

// DefaultActor is recorded as the actor when a tool call names none.
const DefaultActor = "mcp"

type Server struct {
	srv   *mcp.Server
	o     *engine.Orchestrator
	log   zerolog.Logger
	actor string
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.log = l } }

// WithDefaultActor sets the actor used when a call leaves it empty.
func WithDefaultActor(actor string) Option { return func(s *Server) { s.actor = actor } }

// New registers the snapshot tools on a fresh MCP server.
func New(o *engine.Orchestrator, version string, opts ...Option) *Server {
	s := &Server{o: o, log: zerolog.Nop(), actor: DefaultActor}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = mcp.NewServer(&mcp.Implementation{Name: "snapshotd", Version: version}, nil)

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "snapshot_capture",
		Description: "Capture a point-in-time snapshot of every enabled data domain of a workspace.",
	}, s.capture)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "snapshot_preview",
		Description: "Compare a snapshot with the workspace's current data and issue a single-use confirmation token.",
	}, s.preview)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "snapshot_restore",
		Description: "Restore a workspace from a snapshot. Requires the confirmation token from snapshot_preview.",
	}, s.restore)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "snapshot_providers",
		Description: "List the data domains a snapshot covers and whether each is enabled for the workspace.",
	}, s.providers)
	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "snapshot_list",
		Description: "List a workspace's snapshots, newest first.",
	}, s.list)
	return s
}

// Serve runs the server over stdin/stdout until ctx is done or the client
// disconnects.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info().Msg("mcp server listening on stdio")
	return s.srv.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves a single session over t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.srv.Connect(ctx, t, nil)
}

func (s *Server) actorOr(a string) string {
	if a != "" {
		return a
	}
	return s.actor
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func strs(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

type CaptureInput struct {
	WorkspaceID string `json:"workspace_id" jsonschema:"workspace to capture"`
	Actor       string `json:"actor,omitempty" jsonschema:"who asked for the snapshot"`
	Reason      string `json:"reason,omitempty"`
}

type CaptureOutput struct {
	SnapshotID string                   `json:"snapshot_id"`
	CreatedAt  string                   `json:"created_at"`
	Warnings   []string                 `json:"warnings"`
	Failures   []engine.ProviderFailure `json:"failures"`
}

func (s *Server) capture(ctx context.Context, _ *mcp.CallToolRequest, in CaptureInput) (*mcp.CallToolResult, CaptureOutput, error) {
	res, err := s.o.Capture(ctx, engine.CaptureRequest{WorkspaceID: in.WorkspaceID, Actor: s.actorOr(in.Actor), Reason: in.Reason})
	if err != nil {
		return nil, CaptureOutput{}, err
	}
	failures := res.Failures
	if failures == nil {
		failures = []engine.ProviderFailure{}
	}
	return nil, CaptureOutput{
		SnapshotID: res.SnapshotID,
		CreatedAt:  stamp(res.CreatedAt),
		Warnings:   strs(res.Warnings),
		Failures:   failures,
	}, nil
}

type SnapshotInput struct {
	WorkspaceID string `json:"workspace_id"`
	SnapshotID  string `json:"snapshot_id"`
	Actor       string `json:"actor,omitempty"`
}

type DiffOutput struct {
	ProviderID string                `json:"provider_id"`
	Entities   []snapshot.EntityDiff `json:"entities"`
	Warnings   []string              `json:"warnings"`
}

type PreviewOutput struct {
	SnapshotID        string        `json:"snapshot_id"`
	CanExecute        bool          `json:"can_execute"`
	Totals            engine.Totals `json:"totals"`
	Diffs             []DiffOutput  `json:"diffs"`
	Warnings          []string      `json:"warnings"`
	Errors            []string      `json:"errors"`
	ConfirmationToken string        `json:"confirmation_token,omitempty"`
	ExpiresAt         string        `json:"expires_at,omitempty"`
}

func (s *Server) preview(ctx context.Context, _ *mcp.CallToolRequest, in SnapshotInput) (*mcp.CallToolResult, PreviewOutput, error) {
	res, err := s.o.Preview(ctx, engine.PreviewRequest{SnapshotID: in.SnapshotID, WorkspaceID: in.WorkspaceID, Actor: s.actorOr(in.Actor)})
	if err != nil {
		return nil, PreviewOutput{}, err
	}
	p := res.Preview
	out := PreviewOutput{
		SnapshotID:        p.SnapshotID,
		CanExecute:        p.CanExecute,
		Totals:            p.Totals,
		Diffs:             make([]DiffOutput, 0, len(p.Diffs)),
		Warnings:          strs(p.Warnings),
		Errors:            strs(p.Errors),
		ConfirmationToken: res.ConfirmationToken,
		ExpiresAt:         stamp(res.ExpiresAt),
	}
	for _, d := range p.Diffs {
		entities := d.Entities
		if entities == nil {
			entities = []snapshot.EntityDiff{}
		}
		out.Diffs = append(out.Diffs, DiffOutput{ProviderID: d.ProviderID, Entities: entities, Warnings: strs(d.Warnings)})
	}
	return nil, out, nil
}

type RestoreInput struct {
	WorkspaceID       string `json:"workspace_id"`
	SnapshotID        string `json:"snapshot_id"`
	ConfirmationToken string `json:"confirmation_token" jsonschema:"token returned by snapshot_preview"`
	Actor             string `json:"actor,omitempty"`
}

type RestoreOutput struct {
	SnapshotID       string                   `json:"snapshot_id"`
	State            string                   `json:"state"`
	RestoredCounts   map[string]int           `json:"restored_counts"`
	Failures         []engine.ProviderFailure `json:"failures"`
	NotAttempted     []string                 `json:"not_attempted"`
	Skipped          []string                 `json:"skipped"`
	SafetySnapshotID string                   `json:"safety_snapshot_id,omitempty"`
	Error            string                   `json:"error,omitempty"`
}

// restore reports non-DONE outcomes as tool errors that still carry the
// per-domain accounting.
func (s *Server) restore(ctx context.Context, _ *mcp.CallToolRequest, in RestoreInput) (*mcp.CallToolResult, RestoreOutput, error) {
	res, err := s.o.Restore(ctx, engine.RestoreRequest{
		SnapshotID:        in.SnapshotID,
		WorkspaceID:       in.WorkspaceID,
		Actor:             s.actorOr(in.Actor),
		ConfirmationToken: in.ConfirmationToken,
	})
	if err != nil && res.State == "" {
		return nil, RestoreOutput{}, err
	}
	out := RestoreOutput{
		SnapshotID:       res.SnapshotID,
		State:            string(res.State),
		RestoredCounts:   res.RestoredCounts,
		Failures:         res.Failures,
		NotAttempted:     strs(res.NotAttempted),
		Skipped:          strs(res.Skipped),
		SafetySnapshotID: res.SafetySnapshotID,
	}
	if out.RestoredCounts == nil {
		out.RestoredCounts = map[string]int{}
	}
	if out.Failures == nil {
		out.Failures = []engine.ProviderFailure{}
	}
	if err == nil {
		return nil, out, nil
	}
	out.Error = err.Error()
	s.log.Warn().Err(err).Str("workspace_id", in.WorkspaceID).Str("state", out.State).Msg("mcp restore did not complete")
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}, out, nil
}

type WorkspaceInput struct {
	WorkspaceID string `json:"workspace_id"`
	Limit       int    `json:"limit,omitempty" jsonschema:"maximum number of snapshots; 0 lists all"`
}

type ProvidersOutput struct {
	Providers []engine.EffectiveProvider `json:"providers"`
}

func (s *Server) providers(ctx context.Context, _ *mcp.CallToolRequest, in WorkspaceInput) (*mcp.CallToolResult, ProvidersOutput, error) {
	ps, err := s.o.Providers(ctx, in.WorkspaceID)
	if err != nil {
		return nil, ProvidersOutput{}, err
	}
	return nil, ProvidersOutput{Providers: ps}, nil
}

type SnapshotOutput struct {
	ID        string   `json:"id"`
	Type      string   `json:"snapshot_type"`
	CreatedBy string   `json:"created_by"`
	Reason    string   `json:"reason,omitempty"`
	CreatedAt string   `json:"created_at"`
	Warnings  []string `json:"warnings"`
}

type ListOutput struct {
	Snapshots []SnapshotOutput `json:"snapshots"`
}

func (s *Server) list(ctx context.Context, _ *mcp.CallToolRequest, in WorkspaceInput) (*mcp.CallToolResult, ListOutput, error) {
	infos, err := s.o.ListSnapshots(ctx, in.WorkspaceID, in.Limit)
	if err != nil {
		return nil, ListOutput{}, err
	}
	out := ListOutput{Snapshots: make([]SnapshotOutput, 0, len(infos))}
	for _, i := range infos {
		out.Snapshots = append(out.Snapshots, SnapshotOutput{
			ID:        i.ID,
			Type:      i.Type,
			CreatedBy: i.CreatedBy,
			Reason:    i.Reason,
			CreatedAt: stamp(i.CreatedAt),
			Warnings:  strs(i.Warnings),
		})
	}
	return nil, out, nil
}
