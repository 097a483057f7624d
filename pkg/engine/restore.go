package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
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

// RestoreRequest executes a previewed restore.
type RestoreRequest struct {
	SnapshotID        string `json:"snapshot_id"`
	WorkspaceID       string `json:"workspace_id"`
	Actor             string `json:"actor"`
	ConfirmationToken string `json:"confirmation_token"`
}

// RestoreState is the terminal state of a restore attempt.
type RestoreState string

const (
	// StateDone means every provider restored its fragment.
	StateDone RestoreState = "DONE"
	// StatePartial means some providers restored and at least one failed.
	// The tenant is in a mixed state.
	StatePartial RestoreState = "PARTIAL"
	// StateFailed means no provider restored anything.
	StateFailed RestoreState = "FAILED"
	// StateDenied means the request was rejected before any provider ran.
	StateDenied RestoreState = "DENIED"
)

// RestoreResult accounts for every provider of a restore attempt.
type RestoreResult struct {
	SnapshotID       string            `json:"snapshot_id"`
	State            RestoreState      `json:"state"`
	RestoredCounts   map[string]int    `json:"restored_counts"`
	Failures         []ProviderFailure `json:"failures,omitempty"`
	NotAttempted     []string          `json:"not_attempted,omitempty"`
	Skipped          []string          `json:"skipped,omitempty"`
	SafetySnapshotID string            `json:"safety_snapshot_id,omitempty"`
}

type restored struct {
	id        string
	n         int
	stage     snapshot.Stage
	err       error
	attempted bool
}

// Restore validates the confirmation token, takes the tenant's restore marker
// and restores every fragment in dependency order. The first provider
// failure stops the restore; the result then reports the domains restored,
// the one that failed and the ones never attempted, and the returned error
// is a RestoreFailure describing the same.
func (o *Orchestrator) Restore(ctx context.Context, req RestoreRequest) (RestoreResult, error) {
	ctx, span := otel.Tracer("engine/orchestrator").Start(ctx, "Orchestrator.Restore", trace.WithAttributes(
		attribute.String("workspace.id", req.WorkspaceID),
		attribute.String("snapshot.id", req.SnapshotID),
	))
	defer span.End()

	res, err := o.restore(ctx, req)
	span.SetAttributes(attribute.String("restore.state", string(res.State)))
	o.met.operations.WithLabelValues("restore", strings.ToLower(string(res.State))).Inc()
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (o *Orchestrator) restore(ctx context.Context, req RestoreRequest) (RestoreResult, error) {
	log := snapotel.LoggerWithTrace(ctx, o.log).With().
		Str("snapshot_id", req.SnapshotID).
		Str("workspace_id", req.WorkspaceID).
		Logger()
	res := RestoreResult{SnapshotID: req.SnapshotID, State: StateDenied, RestoredCounts: map[string]int{}}
	if req.SnapshotID == "" || req.WorkspaceID == "" {
		return res, errmodel.Validation("invalid_request", "snapshot_id and workspace_id are required", nil)
	}

	// 1) Token must match snapshot, tenant and actor and still be live.
	hash := hashToken(req.ConfirmationToken)
	if err := o.checkToken(ctx, hash, req); err != nil {
		log.Warn().Err(err).Msg("restore denied")
		return res, err
	}

	// 2) One restore per tenant.
	holder := uuid.NewString()
	now := o.now()
	acquired, err := o.st.AcquireRestoreLock(ctx, store.RestoreLock{
		WorkspaceID: req.WorkspaceID,
		SnapshotID:  req.SnapshotID,
		Holder:      holder,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(o.lockTTL),
	})
	if err != nil {
		return res, errmodel.System("store_error", "acquire restore marker", nil, err)
	}
	if !acquired {
		log.Warn().Msg("restore denied: restore already in progress")
		return res, errmodel.RestoreInProgress(req.WorkspaceID)
	}
	defer func() {
		if err := o.st.ReleaseRestoreLock(context.WithoutCancel(ctx), req.WorkspaceID, holder); err != nil {
			log.Error().Err(err).Msg("release restore marker")
		}
	}()

	// 3) Single use: the first caller to consume the token wins.
	consumed, err := o.st.ConsumeToken(ctx, hash, o.now())
	if err != nil {
		return res, errmodel.System("store_error", "consume confirmation token", nil, err)
	}
	if !consumed {
		return res, errmodel.ExecutionDenied("confirmation token already used", map[string]any{"snapshot_id": req.SnapshotID})
	}

	// 4) Plan against the stored payload.
	res.State = StateFailed
	_, payload, err := o.load(ctx, req.SnapshotID, req.WorkspaceID)
	if err != nil {
		return res, err
	}
	if payload.EngineVersion > snapshot.EngineVersion {
		return res, errmodel.UnsupportedVersion("engine", payload.EngineVersion, snapshot.EngineVersion)
	}
	frags := make(map[string]snapshot.Fragment, len(payload.Fragments))
	var ids []string
	for _, f := range payload.Fragments {
		p, ok := o.reg.Resolve(f.ProviderID)
		if !ok {
			return res, errmodel.Validation("unknown_provider", fmt.Sprintf("%s: no provider is registered for this fragment", f.ProviderID), nil)
		}
		if err := snapshot.CheckVersion(f, p.Version()); err != nil {
			return res, versionError(err)
		}
		enabled, err := o.enabled(ctx, p, req.WorkspaceID)
		if err != nil {
			return res, errmodel.System("provider_error", p.ID()+": check enabled", nil, err)
		}
		if !enabled {
			res.Skipped = append(res.Skipped, p.ID())
			continue
		}
		frags[p.ID()] = f
		ids = append(ids, p.ID())
	}
	levels, err := o.reg.Levels(ids)
	if err != nil {
		return res, errmodel.System("dependency_error", "order providers", nil, err)
	}

	// 5) Recovery point for a mixed outcome.
	if o.safetySnapshot {
		safety, err := o.capture(ctx, CaptureRequest{
			WorkspaceID: req.WorkspaceID,
			Actor:       req.Actor,
			Reason:      "automatic snapshot before restoring " + req.SnapshotID,
			Type:        store.TypePreRestore,
		}, true)
		if err != nil {
			res.NotAttempted = ids
			return res, errmodel.RestoreFailure("safety snapshot failed; nothing was restored", map[string]any{"snapshot_id": req.SnapshotID}, err)
		}
		res.SafetySnapshotID = safety.SnapshotID
	}

	// 6) Restore level by level; stop after the first level with a failure.
	var causes []error
	stopped := false
	for _, level := range levels {
		if stopped {
			for _, p := range level {
				res.NotAttempted = append(res.NotAttempted, p.ID())
			}
			continue
		}
		for _, r := range o.restoreLevel(ctx, req.WorkspaceID, level, frags) {
			switch {
			case !r.attempted:
				res.NotAttempted = append(res.NotAttempted, r.id)
			case r.err != nil:
				stopped = true
				res.Failures = append(res.Failures, ProviderFailure{ProviderID: r.id, Stage: string(r.stage), Error: r.err.Error()})
				causes = append(causes, errmodel.New(errmodel.CategoryProvider, errmodel.CodeRestoreFailure,
					fmt.Sprintf("%s: restore failed at %s: %v", r.id, r.stage, r.err),
					map[string]any{"provider_id": r.id, "stage": string(r.stage)}))
			default:
				res.RestoredCounts[r.id] = r.n
			}
		}
	}

	switch {
	case len(res.Failures) == 0:
		res.State = StateDone
	case len(res.RestoredCounts) > 0:
		res.State = StatePartial
	default:
		res.State = StateFailed
	}
	if res.State == StateDone {
		log.Info().Interface("restored_counts", res.RestoredCounts).Msg("restore done")
		return res, nil
	}
	log.Error().
		Str("state", string(res.State)).
		Interface("restored_counts", res.RestoredCounts).
		Strs("not_attempted", res.NotAttempted).
		Msg("restore did not complete")
	return res, errmodel.RestoreFailure(summarize(res), map[string]any{
		"snapshot_id":        req.SnapshotID,
		"state":              string(res.State),
		"safety_snapshot_id": res.SafetySnapshotID,
	}, causes...)
}

func (o *Orchestrator) checkToken(ctx context.Context, hash string, req RestoreRequest) error {
	denied := func(reason string) error {
		return errmodel.ExecutionDenied(reason, map[string]any{"snapshot_id": req.SnapshotID})
	}
	if req.ConfirmationToken == "" {
		return denied("confirmation token is required")
	}
	tok, err := o.st.GetToken(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return denied("confirmation token is not valid")
		}
		return errmodel.System("store_error", "load confirmation token", nil, err)
	}
	switch {
	case tok.SnapshotID != req.SnapshotID:
		return denied("confirmation token was issued for another snapshot")
	case tok.WorkspaceID != req.WorkspaceID:
		return denied("confirmation token was issued for another workspace")
	case tok.Actor != req.Actor:
		return denied("confirmation token was issued to another actor")
	case tok.Consumed():
		return denied("confirmation token already used")
	case !o.now().Before(tok.ExpiresAt):
		return denied(fmt.Sprintf("confirmation token expired at %s", tok.ExpiresAt.Format(time.RFC3339)))
	}
	return nil
}

// restoreLevel restores the independent providers of one dependency level.
// Sequentially, providers after a failure are not attempted.
func (o *Orchestrator) restoreLevel(ctx context.Context, ws string, level []snapshot.Provider, frags map[string]snapshot.Fragment) []restored {
	out := make([]restored, len(level))
	if o.parallelRestore && len(level) > 1 {
		var g errgroup.Group
		for i, p := range level {
			g.Go(func() error {
				out[i] = o.restoreOne(ctx, p, ws, frags[p.ID()])
				return nil
			})
		}
		_ = g.Wait()
		return out
	}
	failed := false
	for i, p := range level {
		if failed {
			out[i] = restored{id: p.ID()}
			continue
		}
		out[i] = o.restoreOne(ctx, p, ws, frags[p.ID()])
		failed = out[i].err != nil
	}
	return out
}

func (o *Orchestrator) restoreOne(ctx context.Context, p snapshot.Provider, ws string, f snapshot.Fragment) restored {
	ctx, span := otel.Tracer("engine/orchestrator").Start(ctx, "Provider.Restore", trace.WithAttributes(
		attribute.String("provider.id", p.ID()),
	))
	defer span.End()
	log := snapotel.LoggerWithTrace(ctx, o.log).With().Str("provider", p.ID()).Str("workspace_id", ws).Logger()

	var stage atomic.Value
	stage.Store(snapshot.StagePending)
	ctx = snapshot.WithStageReporter(ctx, func(s snapshot.Stage) {
		stage.Store(s)
		log.Debug().Str("stage", string(s)).Msg("provider restore stage")
	})
	ctx, cancel := context.WithTimeout(ctx, o.providerTimeout)
	defer cancel()

	start := time.Now()
	n, err := p.Restore(ctx, ws, f)
	o.met.providerDuration.WithLabelValues(p.ID(), "restore").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		o.met.providerFailures.WithLabelValues(p.ID(), "restore").Inc()
		last := stage.Load().(snapshot.Stage)
		log.Error().Err(err).Str("stage", string(last)).Msg("provider restore failed")
		return restored{id: p.ID(), stage: last, err: o.timeoutCause(ctx, err), attempted: true}
	}
	return restored{id: p.ID(), n: n, stage: snapshot.StageDone, attempted: true}
}

func summarize(res RestoreResult) string {
	var parts []string
	if len(res.RestoredCounts) > 0 {
		var done []string
		for id, n := range res.RestoredCounts {
			done = append(done, fmt.Sprintf("%s (%d rows)", id, n))
		}
		sort.Strings(done)
		parts = append(parts, "restored "+strings.Join(done, ", "))
	} else {
		parts = append(parts, "nothing restored")
	}
	for _, f := range res.Failures {
		parts = append(parts, fmt.Sprintf("failed %s at %s: %s", f.ProviderID, f.Stage, f.Error))
	}
	if len(res.NotAttempted) > 0 {
		parts = append(parts, "not attempted "+strings.Join(res.NotAttempted, ", "))
	}
	return fmt.Sprintf("restore %s: %s", res.State, strings.Join(parts, "; "))
}
