package snapshot

import "context"

// Stage is a step of one provider's restore.
type Stage string

const (
	StagePending   Stage = "PENDING"
	StageDeleting  Stage = "DELETING_OLD"
	StageInserting Stage = "INSERTING_NEW"
	StageDone      Stage = "DONE"
	StageFailed    Stage = "FAILED"
)

type stageKey struct{}

// WithStageReporter returns a context whose ReportStage calls fn.
func WithStageReporter(ctx context.Context, fn func(Stage)) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, stageKey{}, fn)
}

// ReportStage notifies the reporter installed in ctx, if any.
func ReportStage(ctx context.Context, s Stage) {
	if fn, ok := ctx.Value(stageKey{}).(func(Stage)); ok {
		fn(s)
	}
}
