package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/tenantsnap/pkg/errmodel"
	snapotel "github.com/wilhg/tenantsnap/pkg/otel"
	"github.com/wilhg/tenantsnap/pkg/snapshot"
	"github.com/wilhg/tenantsnap/pkg/store"
)

// PreviewRequest asks what restoring a snapshot would change.
type PreviewRequest struct {
	SnapshotID  string `json:"snapshot_id"`
	WorkspaceID string `json:"workspace_id"`
	Actor       string `json:"actor"`
}

// Totals sums the entity diffs of a preview.
type Totals struct {
	Creates int `json:"creates"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`
}

// Preview is the dry-run report of a restore. It is never persisted.
type Preview struct {
	SnapshotID string          `json:"snapshot_id"`
	Diffs      []snapshot.Diff `json:"diffs"`
	Totals     Totals          `json:"totals"`
	Warnings   []string        `json:"warnings"`
	Errors     []string        `json:"errors"`
	CanExecute bool            `json:"can_execute"`
}

// PreviewResult carries the preview and, when it can execute, the
// confirmation token a restore must present. The token is returned only
// here; the engine keeps its hash.
type PreviewResult struct {
	Preview           Preview   `json:"preview"`
	ConfirmationToken string    `json:"confirmation_token,omitempty"`
	ConfirmationHash  string    `json:"confirmation_hash,omitempty"`
	ExpiresAt         time.Time `json:"expires_at,omitzero"`
}

type previewed struct {
	diff     *snapshot.Diff
	warnings []string
	errs     []string
}

// Preview computes the per-provider diff of a snapshot against the tenant's
// current state and mints a confirmation token when nothing blocks the
// restore.
func (o *Orchestrator) Preview(ctx context.Context, req PreviewRequest) (PreviewResult, error) {
	ctx, span := otel.Tracer("engine/orchestrator").Start(ctx, "Orchestrator.Preview", trace.WithAttributes(
		attribute.String("workspace.id", req.WorkspaceID),
		attribute.String("snapshot.id", req.SnapshotID),
	))
	defer span.End()

	res, err := o.preview(ctx, req)
	o.met.operations.WithLabelValues("preview", outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		return PreviewResult{}, err
	}
	return res, nil
}

func (o *Orchestrator) preview(ctx context.Context, req PreviewRequest) (PreviewResult, error) {
	log := snapotel.LoggerWithTrace(ctx, o.log)
	if req.SnapshotID == "" {
		return PreviewResult{}, errmodel.Validation("invalid_request", "snapshot_id is required", nil)
	}
	rec, payload, err := o.load(ctx, req.SnapshotID, req.WorkspaceID)
	if err != nil {
		return PreviewResult{}, err
	}

	pv := Preview{SnapshotID: rec.ID, Diffs: []snapshot.Diff{}, Warnings: []string{}, Errors: []string{}}
	if payload.EngineVersion > snapshot.EngineVersion {
		pv.Errors = append(pv.Errors, fmt.Sprintf("snapshot engine_version %d is newer than this server supports (%d)", payload.EngineVersion, snapshot.EngineVersion))
		return PreviewResult{Preview: pv}, nil
	}

	results := make([]previewed, len(payload.Fragments))
	var g errgroup.Group
	g.SetLimit(o.captureConcurrency)
	for i, f := range payload.Fragments {
		g.Go(func() error {
			results[i] = o.previewOne(ctx, req.WorkspaceID, f)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		pv.Warnings = append(pv.Warnings, r.warnings...)
		pv.Errors = append(pv.Errors, r.errs...)
		if r.diff == nil {
			continue
		}
		c, u, d := r.diff.Totals()
		pv.Totals.Creates += c
		pv.Totals.Updates += u
		pv.Totals.Deletes += d
		pv.Diffs = append(pv.Diffs, *r.diff)
	}
	for _, p := range o.reg.All() {
		if _, ok := payload.Fragment(p.ID()); !ok {
			pv.Warnings = append(pv.Warnings, fmt.Sprintf("%s: not in snapshot, left unchanged", p.ID()))
		}
	}
	pv.CanExecute = len(pv.Errors) == 0

	out := PreviewResult{Preview: pv}
	if !pv.CanExecute {
		log.Info().Str("snapshot_id", rec.ID).Strs("errors", pv.Errors).Msg("restore preview blocked")
		return out, nil
	}
	secret, hash, err := newToken()
	if err != nil {
		return PreviewResult{}, errmodel.System("token_error", "mint confirmation token", nil, err)
	}
	now := o.now()
	tok := store.TokenRecord{
		Hash:        hash,
		SnapshotID:  rec.ID,
		WorkspaceID: rec.WorkspaceID,
		Actor:       req.Actor,
		CreatedAt:   now,
		ExpiresAt:   now.Add(o.tokenTTL),
	}
	if err := o.st.SaveToken(ctx, tok); err != nil {
		return PreviewResult{}, errmodel.System("store_error", "persist confirmation token", nil, err)
	}
	o.met.tokensIssued.Inc()
	out.ConfirmationToken = secret
	out.ConfirmationHash = hash
	out.ExpiresAt = tok.ExpiresAt
	log.Info().Str("snapshot_id", rec.ID).Time("expires_at", tok.ExpiresAt).Msg("restore preview ready")
	return out, nil
}

func (o *Orchestrator) previewOne(ctx context.Context, ws string, f snapshot.Fragment) previewed {
	p, ok := o.reg.Resolve(f.ProviderID)
	if !ok {
		return previewed{errs: []string{fmt.Sprintf("%s: no provider is registered for this fragment", f.ProviderID)}}
	}
	if err := snapshot.CheckVersion(f, p.Version()); err != nil {
		return previewed{errs: []string{versionError(err).Message}}
	}
	enabled, err := o.enabled(ctx, p, ws)
	if err != nil {
		return previewed{errs: []string{fmt.Sprintf("%s: check enabled: %v", p.ID(), err)}}
	}
	if !enabled {
		return previewed{warnings: []string{fmt.Sprintf("%s: disabled for this workspace, skipped", p.ID())}}
	}

	ctx, span := otel.Tracer("engine/orchestrator").Start(ctx, "Provider.Diff", trace.WithAttributes(
		attribute.String("provider.id", p.ID()),
	))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, o.providerTimeout)
	defer cancel()
	start := time.Now()
	d, err := p.Diff(ctx, ws, f)
	o.met.providerDuration.WithLabelValues(p.ID(), "diff").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		o.met.providerFailures.WithLabelValues(p.ID(), "diff").Inc()
		return previewed{errs: []string{fmt.Sprintf("%s: preview failed: %v", p.ID(), o.timeoutCause(ctx, err))}}
	}
	d.ProviderID = p.ID()

	out := previewed{diff: &d, warnings: append([]string(nil), d.Warnings...)}
	truncated := f.Truncations()
	tables := make([]string, 0, len(truncated))
	for t := range truncated {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		out.warnings = append(out.warnings, fmt.Sprintf("%s: %d %s rows were not captured and will be removed by the restore", p.ID(), truncated[t], t))
	}
	return out
}

// load returns a tenant's snapshot and its decoded payload. A snapshot owned
// by another tenant is reported as missing.
func (o *Orchestrator) load(ctx context.Context, id, ws string) (store.SnapshotRecord, snapshot.Payload, error) {
	if ws == "" {
		return store.SnapshotRecord{}, snapshot.Payload{}, errWorkspaceRequired()
	}
	rec, err := o.st.GetSnapshot(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && rec.WorkspaceID != ws) {
		return store.SnapshotRecord{}, snapshot.Payload{}, errmodel.NotFound("snapshot not found", map[string]any{"snapshot_id": id})
	}
	if err != nil {
		return store.SnapshotRecord{}, snapshot.Payload{}, errmodel.System("store_error", "load snapshot", nil, err)
	}
	var payload snapshot.Payload
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return store.SnapshotRecord{}, snapshot.Payload{}, errmodel.System("corrupt_payload", "decode snapshot payload", map[string]any{"snapshot_id": id}, err)
	}
	return rec, payload, nil
}

func versionError(err error) *errmodel.Error {
	var uv *snapshot.UnsupportedVersionError
	if errors.As(err, &uv) {
		return errmodel.UnsupportedVersion(uv.ProviderID, uv.Found, uv.MaxSupported)
	}
	return errmodel.Validation("invalid_fragment", err.Error(), nil)
}
