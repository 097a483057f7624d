package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/tenantsnap/pkg/errmodel"
	snapotel "github.com/wilhg/tenantsnap/pkg/otel"
	"github.com/wilhg/tenantsnap/pkg/snapshot"
	"github.com/wilhg/tenantsnap/pkg/store"
)

// CaptureRequest asks for a snapshot of one tenant.
type CaptureRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Actor       string `json:"actor"`
	Reason      string `json:"reason,omitempty"`
	// Type is manual, scheduled or pre_restore; empty means manual.
	Type string `json:"type,omitempty"`
}

// ProviderFailure is one provider's failed call.
type ProviderFailure struct {
	ProviderID string `json:"provider_id"`
	Stage      string `json:"stage,omitempty"`
	Error      string `json:"error"`
}

// CaptureResult describes a persisted snapshot.
type CaptureResult struct {
	SnapshotID string            `json:"snapshot_id"`
	CreatedAt  time.Time         `json:"created_at"`
	Warnings   []string          `json:"warnings,omitempty"`
	Failures   []ProviderFailure `json:"failures,omitempty"`
}

type captured struct {
	fragment *snapshot.Fragment
	err      error
	warnings []string
}

// Capture fans out to every enabled provider and persists the fragments that
// succeeded. A failing critical provider, or every provider failing, aborts
// the capture and nothing is written.
func (o *Orchestrator) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	ctx, span := otel.Tracer("engine/orchestrator").Start(ctx, "Orchestrator.Capture", trace.WithAttributes(
		attribute.String("workspace.id", req.WorkspaceID),
		attribute.String("snapshot.type", req.Type),
	))
	defer span.End()

	res, err := o.capture(ctx, req, false)
	o.met.operations.WithLabelValues("capture", outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		return CaptureResult{}, err
	}
	return res, nil
}

func (o *Orchestrator) capture(ctx context.Context, req CaptureRequest, holdingLock bool) (CaptureResult, error) {
	log := snapotel.LoggerWithTrace(ctx, o.log)
	if req.WorkspaceID == "" {
		return CaptureResult{}, errWorkspaceRequired()
	}
	if req.Type == "" {
		req.Type = store.TypeManual
	}
	switch req.Type {
	case store.TypeManual, store.TypeScheduled, store.TypePreRestore:
	default:
		return CaptureResult{}, errmodel.Validation("invalid_snapshot_type", fmt.Sprintf("unknown snapshot type %q", req.Type), nil)
	}

	// 1) A live restore owns the tenant; a capture now would see a mixed
	// state. The capture marker keeps a restore from starting until the
	// fragments are read and persisted.
	if !holdingLock {
		holder := uuid.NewString()
		now := o.now()
		ok, err := o.st.BeginCapture(ctx, store.CaptureMarker{
			WorkspaceID: req.WorkspaceID,
			Holder:      holder,
			StartedAt:   now,
			ExpiresAt:   now.Add(o.lockTTL),
		})
		if err != nil {
			return CaptureResult{}, errmodel.System("store_error", "register capture marker", nil, err)
		}
		if !ok {
			return CaptureResult{}, errmodel.RestoreInProgress(req.WorkspaceID)
		}
		defer func() {
			if err := o.st.EndCapture(context.WithoutCancel(ctx), holder); err != nil {
				log.Error().Err(err).Str("workspace_id", req.WorkspaceID).Msg("release capture marker")
			}
		}()
	}

	// 2) Fan out.
	providers := o.reg.All()
	results := make([]captured, len(providers))
	var g errgroup.Group
	g.SetLimit(o.captureConcurrency)
	for i, p := range providers {
		g.Go(func() error {
			results[i] = o.captureOne(ctx, p, req.WorkspaceID)
			return nil
		})
	}
	_ = g.Wait()

	// 3) Sort outcomes into fragments, warnings and failures.
	var (
		out       CaptureResult
		fragments []snapshot.Fragment
		attempted int
		causes    []error
	)
	for i, p := range providers {
		r := results[i]
		out.Warnings = append(out.Warnings, r.warnings...)
		if r.err == nil && r.fragment == nil {
			continue
		}
		attempted++
		if r.err != nil {
			o.met.providerFailures.WithLabelValues(p.ID(), "capture").Inc()
			log.Warn().Err(r.err).Str("provider", p.ID()).Str("workspace_id", req.WorkspaceID).Msg("provider capture failed")
			if p.Describe().Critical {
				return CaptureResult{}, errmodel.CaptureFailure(p.ID(), r.err)
			}
			out.Failures = append(out.Failures, ProviderFailure{ProviderID: p.ID(), Error: r.err.Error()})
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: capture failed, domain left out of snapshot: %v", p.ID(), r.err))
			causes = append(causes, errmodel.CaptureFailure(p.ID(), r.err))
			continue
		}
		fragments = append(fragments, *r.fragment)
	}
	if len(fragments) == 0 {
		if attempted == 0 {
			return CaptureResult{}, errmodel.New(errmodel.CategoryValidation, errmodel.CodeCaptureFailure,
				"no provider is enabled for this workspace", map[string]any{"workspace_id": req.WorkspaceID})
		}
		return CaptureResult{}, errmodel.New(errmodel.CategoryProvider, errmodel.CodeCaptureFailure,
			"every provider failed to capture", map[string]any{"workspace_id": req.WorkspaceID}, causes...)
	}

	// 4) Persist record and payload together.
	now := o.now()
	raw, err := json.Marshal(snapshot.Payload{EngineVersion: snapshot.EngineVersion, CreatedAt: now, Fragments: fragments})
	if err != nil {
		return CaptureResult{}, errmodel.System("encode_payload", "encode snapshot payload", nil, err)
	}
	rec, err := o.st.SaveSnapshot(ctx, store.SnapshotRecord{
		ID:            uuid.NewString(),
		WorkspaceID:   req.WorkspaceID,
		Type:          req.Type,
		CreatedBy:     req.Actor,
		Reason:        req.Reason,
		EngineVersion: snapshot.EngineVersion,
		Warnings:      out.Warnings,
		CreatedAt:     now,
		Payload:       raw,
	})
	if err != nil {
		return CaptureResult{}, errmodel.System("store_error", "persist snapshot", nil, err)
	}
	o.met.payloadBytes.Observe(float64(len(raw)))
	log.Info().
		Str("snapshot_id", rec.ID).
		Str("workspace_id", rec.WorkspaceID).
		Str("type", rec.Type).
		Int("fragments", len(fragments)).
		Int("bytes", len(raw)).
		Int("warnings", len(out.Warnings)).
		Msg("snapshot captured")

	out.SnapshotID = rec.ID
	out.CreatedAt = rec.CreatedAt
	return out, nil
}

// captureOne returns a nil fragment and nil error for providers disabled for
// the tenant.
func (o *Orchestrator) captureOne(ctx context.Context, p snapshot.Provider, ws string) captured {
	ctx, span := otel.Tracer("engine/orchestrator").Start(ctx, "Provider.Capture", trace.WithAttributes(
		attribute.String("provider.id", p.ID()),
	))
	defer span.End()

	enabled, err := o.enabled(ctx, p, ws)
	if err != nil {
		return captured{err: fmt.Errorf("check enabled: %w", err)}
	}
	if !enabled {
		return captured{warnings: []string{fmt.Sprintf("%s: disabled for this workspace, not captured", p.ID())}}
	}

	ctx, cancel := context.WithTimeout(ctx, o.providerTimeout)
	defer cancel()
	start := time.Now()
	f, err := p.Capture(ctx, ws)
	o.met.providerDuration.WithLabelValues(p.ID(), "capture").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return captured{err: o.timeoutCause(ctx, err)}
	}
	if f.ProviderID != p.ID() || f.Version != p.Version() {
		return captured{err: fmt.Errorf("fragment labeled %s v%d, want %s v%d", f.ProviderID, f.Version, p.ID(), p.Version())}
	}

	truncated := f.Truncations()
	if len(truncated) == 0 {
		return captured{fragment: &f}
	}
	tables := make([]string, 0, len(truncated))
	for t := range truncated {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	var notes []string
	for _, t := range tables {
		notes = append(notes, fmt.Sprintf("%s: %d %s rows left out by the row cap", p.ID(), truncated[t], t))
	}
	if o.truncation == TruncationFail {
		return captured{err: fmt.Errorf("row cap exceeded: %v", notes)}
	}
	return captured{fragment: &f, warnings: notes}
}

func (o *Orchestrator) timeoutCause(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w", o.providerTimeout, err)
	}
	return err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return errmodel.From(err).Code
}

func errWorkspaceRequired() *errmodel.Error {
	return errmodel.Validation("invalid_request", "workspace_id is required", nil)
}
