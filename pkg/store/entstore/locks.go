package entstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/wilhg/tenantsnap/pkg/store"
)

// AcquireRestoreLock inserts the tenant marker unless a live one exists.
// Expired markers are removed first. The marker is inserted before capture
// markers are checked, and BeginCapture does the reverse, so of a racing
// restore and capture at least one sees the other.
func (s *Store) AcquireRestoreLock(ctx context.Context, l store.RestoreLock) (bool, error) {
	q, args := s.builder().Delete(RestoreLocksTable.Name).
		Where(entsql.And(
			entsql.EQ("workspace_id", l.WorkspaceID),
			entsql.LT("expires_at", l.AcquiredAt.UnixMilli()),
		)).
		Query()
	if err := s.drv.Exec(ctx, q, args, nil); err != nil {
		return false, err
	}
	q, args = s.builder().Insert(RestoreLocksTable.Name).
		Columns("workspace_id", "snapshot_id", "holder", "acquired_at", "expires_at").
		Values(l.WorkspaceID, l.SnapshotID, l.Holder, l.AcquiredAt.UnixMilli(), l.ExpiresAt.UnixMilli()).
		OnConflict(entsql.ConflictColumns("workspace_id"), entsql.DoNothing()).
		Query()
	var res sql.Result
	if err := s.drv.Exec(ctx, q, args, &res); err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	if err != nil || n != 1 {
		return false, err
	}
	capturing, err := s.liveCapture(ctx, l.WorkspaceID, l.AcquiredAt)
	if err != nil || capturing {
		if rerr := s.ReleaseRestoreLock(ctx, l.WorkspaceID, l.Holder); rerr != nil {
			return false, errors.Join(err, rerr)
		}
		return false, err
	}
	return true, nil
}

// ReleaseRestoreLock removes the marker if holder still owns it.
func (s *Store) ReleaseRestoreLock(ctx context.Context, workspaceID, holder string) error {
	q, args := s.builder().Delete(RestoreLocksTable.Name).
		Where(entsql.And(entsql.EQ("workspace_id", workspaceID), entsql.EQ("holder", holder))).
		Query()
	return s.drv.Exec(ctx, q, args, nil)
}

// GetRestoreLock returns the tenant marker if it has not expired at now.
func (s *Store) GetRestoreLock(ctx context.Context, workspaceID string, now time.Time) (store.RestoreLock, bool, error) {
	q, args := s.builder().Select("workspace_id", "snapshot_id", "holder", "acquired_at", "expires_at").
		From(entsql.Table(RestoreLocksTable.Name)).
		Where(entsql.And(
			entsql.EQ("workspace_id", workspaceID),
			entsql.GTE("expires_at", now.UnixMilli()),
		)).
		Query()
	var rows entsql.Rows
	if err := s.drv.Query(ctx, q, args, &rows); err != nil {
		return store.RestoreLock{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return store.RestoreLock{}, false, rows.Err()
	}
	var (
		l                 store.RestoreLock
		acquired, expires int64
	)
	if err := rows.Scan(&l.WorkspaceID, &l.SnapshotID, &l.Holder, &acquired, &expires); err != nil {
		return store.RestoreLock{}, false, err
	}
	l.AcquiredAt = time.UnixMilli(acquired).UTC()
	l.ExpiresAt = time.UnixMilli(expires).UTC()
	return l, true, rows.Err()
}

// BeginCapture inserts m, then backs it out if a restore marker is live.
// Expired capture markers for the tenant are removed first.
func (s *Store) BeginCapture(ctx context.Context, m store.CaptureMarker) (bool, error) {
	q, args := s.builder().Delete(CaptureMarkersTable.Name).
		Where(entsql.And(
			entsql.EQ("workspace_id", m.WorkspaceID),
			entsql.LT("expires_at", m.StartedAt.UnixMilli()),
		)).
		Query()
	if err := s.drv.Exec(ctx, q, args, nil); err != nil {
		return false, err
	}
	q, args = s.builder().Insert(CaptureMarkersTable.Name).
		Columns("holder", "workspace_id", "started_at", "expires_at").
		Values(m.Holder, m.WorkspaceID, m.StartedAt.UnixMilli(), m.ExpiresAt.UnixMilli()).
		Query()
	if err := s.drv.Exec(ctx, q, args, nil); err != nil {
		return false, err
	}
	_, restoring, err := s.GetRestoreLock(ctx, m.WorkspaceID, m.StartedAt)
	if err != nil || restoring {
		if rerr := s.EndCapture(ctx, m.Holder); rerr != nil {
			return false, errors.Join(err, rerr)
		}
		return false, err
	}
	return true, nil
}

// EndCapture removes the holder's capture marker.
func (s *Store) EndCapture(ctx context.Context, holder string) error {
	q, args := s.builder().Delete(CaptureMarkersTable.Name).
		Where(entsql.EQ("holder", holder)).
		Query()
	return s.drv.Exec(ctx, q, args, nil)
}

func (s *Store) liveCapture(ctx context.Context, workspaceID string, now time.Time) (bool, error) {
	q, args := s.builder().Select("holder").
		From(entsql.Table(CaptureMarkersTable.Name)).
		Where(entsql.And(
			entsql.EQ("workspace_id", workspaceID),
			entsql.GTE("expires_at", now.UnixMilli()),
		)).
		Limit(1).
		Query()
	var rows entsql.Rows
	if err := s.drv.Query(ctx, q, args, &rows); err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}
