package store

import (
	"context"
	"time"
)

// SnapshotStore persists snapshot records and payloads.
type SnapshotStore interface {
	// SaveSnapshot writes the record and its payload atomically.
	SaveSnapshot(ctx context.Context, s SnapshotRecord) (SnapshotRecord, error)
	// GetSnapshot loads a record with its payload.
	GetSnapshot(ctx context.Context, id string) (SnapshotRecord, error)
	// ListSnapshots returns a tenant's records newest first, without payloads.
	ListSnapshots(ctx context.Context, workspaceID string, limit int) ([]SnapshotRecord, error)
}

// TokenStore persists confirmation tokens.
type TokenStore interface {
	SaveToken(ctx context.Context, t TokenRecord) error
	GetToken(ctx context.Context, hash string) (TokenRecord, error)
	// ConsumeToken marks an unconsumed token as used. It returns false when
	// the token was already consumed or does not exist.
	ConsumeToken(ctx context.Context, hash string, at time.Time) (bool, error)
}

// LockStore persists per-tenant restore and capture markers.
type LockStore interface {
	// AcquireRestoreLock takes the tenant's marker, replacing one whose
	// ExpiresAt is before l.AcquiredAt. It returns false when a live restore
	// marker is held or a capture marker is live at l.AcquiredAt.
	AcquireRestoreLock(ctx context.Context, l RestoreLock) (bool, error)
	ReleaseRestoreLock(ctx context.Context, workspaceID, holder string) error
	// GetRestoreLock returns the live marker for a tenant, if any.
	GetRestoreLock(ctx context.Context, workspaceID string, now time.Time) (RestoreLock, bool, error)
	// BeginCapture registers m. It returns false, leaving nothing behind,
	// when a live restore marker is held at m.StartedAt.
	BeginCapture(ctx context.Context, m CaptureMarker) (bool, error)
	EndCapture(ctx context.Context, holder string) error
}

// Store aggregates the engine's stores.
type Store interface {
	SnapshotStore
	TokenStore
	LockStore
}
