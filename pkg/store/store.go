// Package store defines persistence interfaces for snapshots, confirmation
// tokens and restore locks. Implementations must provide identical semantics
// across backends so a snapshot written by one can be restored by another.
package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Snapshot types.
const (
	TypeManual     = "manual"
	TypeScheduled  = "scheduled"
	TypePreRestore = "pre_restore"
)

// SnapshotRecord is the immutable index entry of a snapshot plus its payload.
// Payload is empty when records are listed.
type SnapshotRecord struct {
	ID            string
	WorkspaceID   string
	Type          string
	CreatedBy     string
	Reason        string
	EngineVersion int
	Warnings      []string
	CreatedAt     time.Time
	Payload       json.RawMessage
	PayloadSize   int
}

// TokenRecord is a minted confirmation token. Only the hash of the secret is
// stored; ConsumedAt is zero until the token is used.
type TokenRecord struct {
	Hash        string
	SnapshotID  string
	WorkspaceID string
	Actor       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  time.Time
}

// Consumed reports whether the token was already used.
func (t TokenRecord) Consumed() bool { return !t.ConsumedAt.IsZero() }

// RestoreLock marks a restore in progress for a tenant.
type RestoreLock struct {
	WorkspaceID string
	SnapshotID  string
	Holder      string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// CaptureMarker marks one capture in progress for a tenant. Any number of
// captures may hold markers at once; a restore may not start while one is
// live.
type CaptureMarker struct {
	WorkspaceID string
	Holder      string
	StartedAt   time.Time
	ExpiresAt   time.Time
}
