package entstore

import (
	"context"
	"database/sql"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/wilhg/tenantsnap/pkg/store"
)

// SaveToken stores a minted confirmation token.
func (s *Store) SaveToken(ctx context.Context, t store.TokenRecord) error {
	q, args := s.builder().Insert(ConfirmationTokensTable.Name).
		Columns("token_hash", "snapshot_id", "workspace_id", "actor", "created_at", "expires_at", "consumed_at").
		Values(t.Hash, t.SnapshotID, t.WorkspaceID, t.Actor, t.CreatedAt.UnixMilli(), t.ExpiresAt.UnixMilli(), int64(0)).
		Query()
	return s.drv.Exec(ctx, q, args, nil)
}

// GetToken loads a token by hash.
func (s *Store) GetToken(ctx context.Context, hash string) (store.TokenRecord, error) {
	q, args := s.builder().Select("token_hash", "snapshot_id", "workspace_id", "actor", "created_at", "expires_at", "consumed_at").
		From(entsql.Table(ConfirmationTokensTable.Name)).
		Where(entsql.EQ("token_hash", hash)).
		Query()
	var rows entsql.Rows
	if err := s.drv.Query(ctx, q, args, &rows); err != nil {
		return store.TokenRecord{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return store.TokenRecord{}, err
		}
		return store.TokenRecord{}, store.ErrNotFound
	}
	var (
		t                          store.TokenRecord
		created, expires, consumed int64
	)
	if err := rows.Scan(&t.Hash, &t.SnapshotID, &t.WorkspaceID, &t.Actor, &created, &expires, &consumed); err != nil {
		return store.TokenRecord{}, err
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.ExpiresAt = time.UnixMilli(expires).UTC()
	if consumed > 0 {
		t.ConsumedAt = time.UnixMilli(consumed).UTC()
	}
	return t, rows.Err()
}

// ConsumeToken marks the token consumed if nobody did so before.
func (s *Store) ConsumeToken(ctx context.Context, hash string, at time.Time) (bool, error) {
	stamp := at.UnixMilli()
	if stamp <= 0 {
		stamp = 1
	}
	q, args := s.builder().Update(ConfirmationTokensTable.Name).
		Set("consumed_at", stamp).
		Where(entsql.And(entsql.EQ("token_hash", hash), entsql.EQ("consumed_at", 0))).
		Query()
	var res sql.Result
	if err := s.drv.Exec(ctx, q, args, &res); err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
