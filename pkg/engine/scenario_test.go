package engine_test

import (
	"context"
	"testing"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/tenantsnap/pkg/engine"
	"github.com/wilhg/tenantsnap/pkg/errmodel"
	"github.com/wilhg/tenantsnap/pkg/providers"
	"github.com/wilhg/tenantsnap/pkg/store/entstore"
	"github.com/wilhg/tenantsnap/pkg/store/entstore/entstoretest"
)

type world struct {
	o     *engine.Orchestrator
	st    *entstore.Store
	clock *testclock.Clock
}

func newWorld(t *testing.T, opts ...engine.Option) world {
	t.Helper()
	return newWorldWith(t, providers.Config{}, opts...)
}

func newWorldWith(t *testing.T, cfg providers.Config, opts ...engine.Option) world {
	t.Helper()
	st := entstoretest.Open(t, providers.Tables()...)
	reg, err := providers.Default(st.Driver(), cfg)
	require.NoError(t, err)
	clk := testclock.NewClock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	o, err := engine.New(reg, st, append([]engine.Option{engine.WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	return world{o: o, st: st, clock: clk}
}

func exec(t *testing.T, drv dialect.Driver, query string, args ...any) {
	t.Helper()
	require.NoError(t, drv.Exec(context.Background(), query, args, nil))
}

func count(t *testing.T, drv dialect.Driver, table, ws string) int {
	t.Helper()
	var rows entsql.Rows
	require.NoError(t, drv.Query(context.Background(), "SELECT COUNT(*) FROM "+table+" WHERE workspace_id = ?", []any{ws}, &rows))
	defer rows.Close()
	require.True(t, rows.Next())
	var n int
	require.NoError(t, rows.Scan(&n))
	return n
}

func taskTitles(t *testing.T, drv dialect.Driver, ws string) []string {
	t.Helper()
	var rows entsql.Rows
	require.NoError(t, drv.Query(context.Background(), "SELECT title FROM workboard_tasks WHERE workspace_id = ? ORDER BY id", []any{ws}, &rows))
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		out = append(out, s)
	}
	return out
}

// seedW1 writes 3 tasks, 1 goal and no plans for ws.
func seedW1(t *testing.T, drv dialect.Driver, ws string) {
	exec(t, drv, `INSERT INTO workboard_goals (id, workspace_id, title, status, target_date, created_at) VALUES (?, ?, 'Ship v2', 'active', '', 1)`, ws+"-g1", ws)
	for i, title := range []string{"design", "build", "launch"} {
		exec(t, drv, `INSERT INTO workboard_tasks (id, workspace_id, plan_id, title, status, priority, assignee, due_date, position, created_at) VALUES (?, ?, '', ?, 'todo', 'p2', '', '', ?, ?)`,
			ws+"-t"+title, ws, title, i, 10+i)
	}
}

func TestW1Scenario(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	drv := w.st.Driver()
	seedW1(t, drv, "W1")
	original := taskTitles(t, drv, "W1")

	snap, err := w.o.Capture(ctx, engine.CaptureRequest{WorkspaceID: "W1", Actor: "owner", Reason: "before cleanup"})
	require.NoError(t, err)
	assert.Empty(t, snap.Warnings)

	exp, err := w.o.Export(ctx, snap.SnapshotID, "W1")
	require.NoError(t, err)
	wb, ok := exp.Payload.Fragment("workboard")
	require.True(t, ok)
	assert.JSONEq(t, `{"goals":[{"id":"W1-g1","title":"Ship v2","status":"active","target_date":"","created_at":1}],"plans":[],"tasks":[`+
		`{"id":"W1-tlaunch","plan_id":"","title":"launch","status":"todo","priority":"p2","assignee":"","due_date":"","position":2,"created_at":12},`+
		`{"id":"W1-tbuild","plan_id":"","title":"build","status":"todo","priority":"p2","assignee":"","due_date":"","position":1,"created_at":11},`+
		`{"id":"W1-tdesign","plan_id":"","title":"design","status":"todo","priority":"p2","assignee":"","due_date":"","position":0,"created_at":10}],"ideas":[]}`,
		string(wb.Data))

	exec(t, drv, `DELETE FROM workboard_tasks WHERE workspace_id = ?`, "W1")

	pr, err := w.o.Preview(ctx, engine.PreviewRequest{SnapshotID: snap.SnapshotID, WorkspaceID: "W1", Actor: "owner"})
	require.NoError(t, err)
	require.True(t, pr.Preview.CanExecute, pr.Preview.Errors)
	assert.Equal(t, engine.Totals{Creates: 3}, pr.Preview.Totals)
	var wbDiff []string
	for _, d := range pr.Preview.Diffs {
		if d.ProviderID == "workboard" {
			for _, e := range d.Entities {
				if e.Creates > 0 {
					wbDiff = append(wbDiff, e.Entity)
				}
			}
		}
	}
	assert.Equal(t, []string{"tasks"}, wbDiff)

	res, err := w.o.Restore(ctx, engine.RestoreRequest{SnapshotID: snap.SnapshotID, WorkspaceID: "W1", Actor: "owner", ConfirmationToken: pr.ConfirmationToken})
	require.NoError(t, err)
	assert.Equal(t, engine.StateDone, res.State)
	assert.Equal(t, 4, res.RestoredCounts["workboard"])
	assert.Equal(t, original, taskTitles(t, drv, "W1"))
}

func TestExpiredTokenTouchesNothing(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	drv := w.st.Driver()
	seedW1(t, drv, "w1")

	snap, err := w.o.Capture(ctx, engine.CaptureRequest{WorkspaceID: "w1", Actor: "owner"})
	require.NoError(t, err)
	exec(t, drv, `DELETE FROM workboard_tasks WHERE workspace_id = ?`, "w1")

	pr, err := w.o.Preview(ctx, engine.PreviewRequest{SnapshotID: snap.SnapshotID, WorkspaceID: "w1", Actor: "owner"})
	require.NoError(t, err)
	assert.True(t, pr.ExpiresAt.Equal(w.clock.Now().Add(5*time.Minute)))

	w.clock.Advance(6 * time.Minute)
	res, err := w.o.Restore(ctx, engine.RestoreRequest{SnapshotID: snap.SnapshotID, WorkspaceID: "w1", Actor: "owner", ConfirmationToken: pr.ConfirmationToken})
	require.Error(t, err)
	assert.True(t, errmodel.IsExecutionDenied(err))
	assert.Contains(t, err.Error(), "expired")
	assert.Equal(t, engine.StateDenied, res.State)
	assert.Empty(t, res.RestoredCounts)
	assert.Zero(t, count(t, drv, "workboard_tasks", "w1"))

	list, err := w.o.ListSnapshots(ctx, "w1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1, "no safety snapshot for a denied restore")
}

func TestRestoreIsIdempotentAndIsolated(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, engine.WithParallelRestore(true))
	drv := w.st.Driver()
	seedW1(t, drv, "w1")
	seedW1(t, drv, "w2")
	exec(t, drv, `INSERT INTO chat_threads (id, workspace_id, title, created_by, archived, created_at) VALUES ('th1', 'w1', 'general', 'u1', false, 1)`)
	exec(t, drv, `INSERT INTO billing_subscriptions (id, workspace_id, plan_code, status, seats, current_period_end, cancel_at_period_end, updated_at) VALUES ('sub1', 'w1', 'team', 'active', 3, 0, false, 0)`)
	exec(t, drv, `INSERT INTO booking_bookings (id, workspace_id, service_id, task_id, customer_name, status, starts_at, ends_at) VALUES ('b1', 'w1', 's1', 'w1-tbuild', 'Kim', 'confirmed', 5, 6)`)

	snap, err := w.o.Capture(ctx, engine.CaptureRequest{WorkspaceID: "w1", Actor: "owner"})
	require.NoError(t, err)
	exec(t, drv, `DELETE FROM workboard_tasks WHERE workspace_id = 'w1' AND title = 'build'`)
	exec(t, drv, `DELETE FROM chat_threads WHERE workspace_id = 'w1'`)

	var counts []map[string]int
	for range 2 {
		pr, err := w.o.Preview(ctx, engine.PreviewRequest{SnapshotID: snap.SnapshotID, WorkspaceID: "w1", Actor: "owner"})
		require.NoError(t, err)
		res, err := w.o.Restore(ctx, engine.RestoreRequest{SnapshotID: snap.SnapshotID, WorkspaceID: "w1", Actor: "owner", ConfirmationToken: pr.ConfirmationToken})
		require.NoError(t, err)
		counts = append(counts, res.RestoredCounts)
	}
	assert.Equal(t, counts[0], counts[1])
	assert.Equal(t, map[string]int{"workboard": 4, "billing": 1, "team_chat": 1, "booking": 1}, counts[0])
	assert.Equal(t, 3, count(t, drv, "workboard_tasks", "w1"))
	assert.Equal(t, 1, count(t, drv, "chat_threads", "w1"))

	assert.Equal(t, 3, count(t, drv, "workboard_tasks", "w2"))
	assert.Zero(t, count(t, drv, "billing_subscriptions", "w2"))
}

func TestProvidersListing(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t, engine.WithDisabledProviders("team_chat"))
	exec(t, w.st.Driver(), `INSERT INTO booking_settings (workspace_id, enabled, timezone) VALUES ('w1', false, 'UTC')`)

	eps, err := w.o.Providers(ctx, "w1")
	require.NoError(t, err)
	got := map[string]engine.EffectiveProvider{}
	for _, ep := range eps {
		got[ep.ID] = ep
	}
	assert.True(t, got["workboard"].Enabled)
	assert.True(t, got["billing"].Critical)
	assert.False(t, got["team_chat"].Enabled)
	assert.False(t, got["booking"].Enabled)
	assert.Equal(t, []string{"workboard"}, got["booking"].DependsOn)
	assert.Equal(t, 2, got["workboard"].Version)
}

func TestPreviewUnderRowCapMatchesRestore(t *testing.T) {
	ctx := context.Background()
	w := newWorldWith(t, providers.Config{RowCap: 2})
	drv := w.st.Driver()
	insertTask := func(id string, at int) {
		exec(t, drv, `INSERT INTO workboard_tasks (id, workspace_id, plan_id, title, status, priority, assignee, due_date, position, created_at) VALUES (?, 'W1', '', ?, 'todo', 'p2', '', '', 0, ?)`, id, id, at)
	}
	insertTask("keep-1", 1)
	insertTask("keep-2", 2)

	snap, err := w.o.Capture(ctx, engine.CaptureRequest{WorkspaceID: "W1", Actor: "owner"})
	require.NoError(t, err)
	assert.Empty(t, snap.Warnings)

	// The tenant grows past the cap after the snapshot.
	for i, id := range []string{"new-1", "new-2", "new-3"} {
		insertTask(id, 10+i)
	}

	pr, err := w.o.Preview(ctx, engine.PreviewRequest{SnapshotID: snap.SnapshotID, WorkspaceID: "W1", Actor: "owner"})
	require.NoError(t, err)
	require.True(t, pr.Preview.CanExecute, pr.Preview.Errors)
	assert.Equal(t, engine.Totals{Deletes: 3}, pr.Preview.Totals)

	res, err := w.o.Restore(ctx, engine.RestoreRequest{SnapshotID: snap.SnapshotID, WorkspaceID: "W1", Actor: "owner", ConfirmationToken: pr.ConfirmationToken})
	require.NoError(t, err)
	assert.Equal(t, engine.StateDone, res.State)
	assert.Equal(t, 2, res.RestoredCounts["workboard"])
	assert.Equal(t, 5-pr.Preview.Totals.Deletes, count(t, drv, "workboard_tasks", "W1"))
	assert.Equal(t, []string{"keep-1", "keep-2"}, taskTitles(t, drv, "W1"))
}
