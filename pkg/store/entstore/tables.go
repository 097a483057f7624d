package entstore

import (
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

// Engine tables. Timestamps are stored as unix milliseconds so expiry
// comparisons behave the same on every backend.
var (
	// SnapshotsColumns holds the columns for the "snapshots" table.
	SnapshotsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "workspace_id", Type: field.TypeString},
		{Name: "snapshot_type", Type: field.TypeString},
		{Name: "created_by", Type: field.TypeString},
		{Name: "reason", Type: field.TypeString},
		{Name: "engine_version", Type: field.TypeInt},
		{Name: "warnings", Type: field.TypeBytes, Nullable: true},
		{Name: "created_at", Type: field.TypeInt64},
	}
	// SnapshotsTable holds the schema information for the "snapshots" table.
	SnapshotsTable = &schema.Table{
		Name:       "snapshots",
		Columns:    SnapshotsColumns,
		PrimaryKey: []*schema.Column{SnapshotsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "snapshot_workspace_id_created_at",
				Unique:  false,
				Columns: []*schema.Column{SnapshotsColumns[1], SnapshotsColumns[7]},
			},
		},
	}
	// SnapshotPayloadsColumns holds the columns for the "snapshot_payloads" table.
	SnapshotPayloadsColumns = []*schema.Column{
		{Name: "snapshot_id", Type: field.TypeString},
		{Name: "payload", Type: field.TypeBytes},
		{Name: "size_bytes", Type: field.TypeInt},
	}
	// SnapshotPayloadsTable holds the schema information for the "snapshot_payloads" table.
	SnapshotPayloadsTable = &schema.Table{
		Name:       "snapshot_payloads",
		Columns:    SnapshotPayloadsColumns,
		PrimaryKey: []*schema.Column{SnapshotPayloadsColumns[0]},
	}
	// ConfirmationTokensColumns holds the columns for the "confirmation_tokens" table.
	ConfirmationTokensColumns = []*schema.Column{
		{Name: "token_hash", Type: field.TypeString},
		{Name: "snapshot_id", Type: field.TypeString},
		{Name: "workspace_id", Type: field.TypeString},
		{Name: "actor", Type: field.TypeString},
		{Name: "created_at", Type: field.TypeInt64},
		{Name: "expires_at", Type: field.TypeInt64},
		{Name: "consumed_at", Type: field.TypeInt64, Default: 0},
	}
	// ConfirmationTokensTable holds the schema information for the "confirmation_tokens" table.
	ConfirmationTokensTable = &schema.Table{
		Name:       "confirmation_tokens",
		Columns:    ConfirmationTokensColumns,
		PrimaryKey: []*schema.Column{ConfirmationTokensColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "confirmationtoken_snapshot_id",
				Unique:  false,
				Columns: []*schema.Column{ConfirmationTokensColumns[1]},
			},
		},
	}
	// RestoreLocksColumns holds the columns for the "restore_locks" table.
	RestoreLocksColumns = []*schema.Column{
		{Name: "workspace_id", Type: field.TypeString},
		{Name: "snapshot_id", Type: field.TypeString},
		{Name: "holder", Type: field.TypeString},
		{Name: "acquired_at", Type: field.TypeInt64},
		{Name: "expires_at", Type: field.TypeInt64},
	}
	// RestoreLocksTable holds the schema information for the "restore_locks" table.
	RestoreLocksTable = &schema.Table{
		Name:       "restore_locks",
		Columns:    RestoreLocksColumns,
		PrimaryKey: []*schema.Column{RestoreLocksColumns[0]},
	}
	// CaptureMarkersColumns holds the columns for the "capture_markers" table.
	CaptureMarkersColumns = []*schema.Column{
		{Name: "holder", Type: field.TypeString},
		{Name: "workspace_id", Type: field.TypeString},
		{Name: "started_at", Type: field.TypeInt64},
		{Name: "expires_at", Type: field.TypeInt64},
	}
	// CaptureMarkersTable holds the schema information for the "capture_markers" table.
	CaptureMarkersTable = &schema.Table{
		Name:       "capture_markers",
		Columns:    CaptureMarkersColumns,
		PrimaryKey: []*schema.Column{CaptureMarkersColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "capturemarker_workspace_id_expires_at",
				Unique:  false,
				Columns: []*schema.Column{CaptureMarkersColumns[1], CaptureMarkersColumns[3]},
			},
		},
	}
	// Tables holds all the engine tables.
	Tables = []*schema.Table{
		SnapshotsTable,
		SnapshotPayloadsTable,
		ConfirmationTokensTable,
		RestoreLocksTable,
		CaptureMarkersTable,
	}
)
