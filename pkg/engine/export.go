package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/tenantsnap/pkg/errmodel"
	"github.com/wilhg/tenantsnap/pkg/snapshot"
	"github.com/wilhg/tenantsnap/pkg/store"
)

// SnapshotInfo is a snapshot record without its payload.
type SnapshotInfo struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	Type          string    `json:"snapshot_type"`
	CreatedBy     string    `json:"created_by"`
	Reason        string    `json:"reason,omitempty"`
	EngineVersion int       `json:"engine_version"`
	Warnings      []string  `json:"warnings,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	SizeBytes     int       `json:"size_bytes,omitempty"`
}

func infoOf(r store.SnapshotRecord) SnapshotInfo {
	return SnapshotInfo{
		ID:            r.ID,
		WorkspaceID:   r.WorkspaceID,
		Type:          r.Type,
		CreatedBy:     r.CreatedBy,
		Reason:        r.Reason,
		EngineVersion: r.EngineVersion,
		Warnings:      r.Warnings,
		CreatedAt:     r.CreatedAt,
		SizeBytes:     r.PayloadSize,
	}
}

// Export is a full snapshot document.
type Export struct {
	Snapshot SnapshotInfo     `json:"snapshot"`
	Payload  snapshot.Payload `json:"payload"`
}

// Export returns a tenant's snapshot with its payload.
func (o *Orchestrator) Export(ctx context.Context, snapshotID, ws string) (Export, error) {
	ctx, span := otel.Tracer("engine/orchestrator").Start(ctx, "Orchestrator.Export", trace.WithAttributes(
		attribute.String("snapshot.id", snapshotID),
	))
	defer span.End()
	if snapshotID == "" {
		return Export{}, errmodel.Validation("invalid_request", "snapshot_id is required", nil)
	}
	rec, payload, err := o.load(ctx, snapshotID, ws)
	o.met.operations.WithLabelValues("export", outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		return Export{}, err
	}
	return Export{Snapshot: infoOf(rec), Payload: payload}, nil
}

// ListSnapshots returns a tenant's snapshots newest first. A non-positive
// limit returns all of them.
func (o *Orchestrator) ListSnapshots(ctx context.Context, ws string, limit int) ([]SnapshotInfo, error) {
	if ws == "" {
		return nil, errWorkspaceRequired()
	}
	recs, err := o.st.ListSnapshots(ctx, ws, limit)
	if err != nil {
		return nil, errmodel.System("store_error", "list snapshots", nil, err)
	}
	out := make([]SnapshotInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, infoOf(r))
	}
	return out, nil
}
