package entstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/wilhg/tenantsnap/pkg/store"
)

var snapshotColumns = []string{"id", "workspace_id", "snapshot_type", "created_by", "reason", "engine_version", "warnings", "created_at"}

// SaveSnapshot writes the snapshot record and its payload in one transaction,
// so a record without a payload is never visible.
func (s *Store) SaveSnapshot(ctx context.Context, sn store.SnapshotRecord) (store.SnapshotRecord, error) {
	if sn.ID == "" || sn.WorkspaceID == "" {
		return store.SnapshotRecord{}, fmt.Errorf("snapshot id and workspace id are required")
	}
	if len(sn.Payload) == 0 {
		return store.SnapshotRecord{}, fmt.Errorf("snapshot %s has no payload", sn.ID)
	}
	if !json.Valid(sn.Payload) {
		return store.SnapshotRecord{}, fmt.Errorf("snapshot %s: invalid payload json", sn.ID)
	}
	if sn.CreatedAt.IsZero() {
		sn.CreatedAt = time.Now().UTC()
	}
	var warnings []byte
	if len(sn.Warnings) > 0 {
		b, err := json.Marshal(sn.Warnings)
		if err != nil {
			return store.SnapshotRecord{}, err
		}
		warnings = b
	}
	err := s.withTx(ctx, func(tx dialect.Tx) error {
		q, args := s.builder().Insert(SnapshotsTable.Name).
			Columns(snapshotColumns...).
			Values(sn.ID, sn.WorkspaceID, sn.Type, sn.CreatedBy, sn.Reason, sn.EngineVersion, warnings, sn.CreatedAt.UnixMilli()).
			Query()
		if err := tx.Exec(ctx, q, args, nil); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		q, args = s.builder().Insert(SnapshotPayloadsTable.Name).
			Columns("snapshot_id", "payload", "size_bytes").
			Values(sn.ID, []byte(sn.Payload), len(sn.Payload)).
			Query()
		if err := tx.Exec(ctx, q, args, nil); err != nil {
			return fmt.Errorf("insert snapshot payload: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.SnapshotRecord{}, err
	}
	sn.PayloadSize = len(sn.Payload)
	sn.CreatedAt = time.UnixMilli(sn.CreatedAt.UnixMilli()).UTC()
	return sn, nil
}

// GetSnapshot loads a snapshot record with its payload.
func (s *Store) GetSnapshot(ctx context.Context, id string) (store.SnapshotRecord, error) {
	q, args := s.builder().Select(snapshotColumns...).
		From(entsql.Table(SnapshotsTable.Name)).
		Where(entsql.EQ("id", id)).
		Query()
	recs, err := s.querySnapshots(ctx, q, args)
	if err != nil {
		return store.SnapshotRecord{}, err
	}
	if len(recs) == 0 {
		return store.SnapshotRecord{}, store.ErrNotFound
	}
	rec := recs[0]

	q, args = s.builder().Select("payload", "size_bytes").
		From(entsql.Table(SnapshotPayloadsTable.Name)).
		Where(entsql.EQ("snapshot_id", id)).
		Query()
	var rows entsql.Rows
	if err := s.drv.Query(ctx, q, args, &rows); err != nil {
		return store.SnapshotRecord{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return store.SnapshotRecord{}, err
		}
		return store.SnapshotRecord{}, fmt.Errorf("snapshot %s: payload missing", id)
	}
	var payload []byte
	if err := rows.Scan(&payload, &rec.PayloadSize); err != nil {
		return store.SnapshotRecord{}, err
	}
	rec.Payload = json.RawMessage(payload)
	return rec, rows.Err()
}

// ListSnapshots lists a tenant's snapshots newest first without payloads.
func (s *Store) ListSnapshots(ctx context.Context, workspaceID string, limit int) ([]store.SnapshotRecord, error) {
	sel := s.builder().Select(snapshotColumns...).
		From(entsql.Table(SnapshotsTable.Name)).
		Where(entsql.EQ("workspace_id", workspaceID)).
		OrderBy(entsql.Desc("created_at"), entsql.Desc("id"))
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	q, args := sel.Query()
	return s.querySnapshots(ctx, q, args)
}

func (s *Store) querySnapshots(ctx context.Context, q string, args []any) ([]store.SnapshotRecord, error) {
	var rows entsql.Rows
	if err := s.drv.Query(ctx, q, args, &rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.SnapshotRecord
	for rows.Next() {
		var (
			rec      store.SnapshotRecord
			warnings []byte
			reason   sql.NullString
			created  int64
		)
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.Type, &rec.CreatedBy, &reason, &rec.EngineVersion, &warnings, &created); err != nil {
			return nil, err
		}
		rec.Reason = reason.String
		rec.CreatedAt = time.UnixMilli(created).UTC()
		if len(warnings) > 0 {
			if err := json.Unmarshal(warnings, &rec.Warnings); err != nil {
				return nil, fmt.Errorf("snapshot %s: decode warnings: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
