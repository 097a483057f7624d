// Package snapshot defines the contract spoken between the snapshot engine and
// the domain providers that capture and restore tenant data.
//
// A provider owns exactly one data domain. It turns the tenant's rows into a
// versioned Fragment on capture and replaces the tenant's rows with a
// Fragment's contents on restore. The engine routes fragments by provider id
// and never decodes Fragment.Data itself.
//
// Example provider skeleton:
//
//	type notes struct{ drv dialect.Driver }
//	func (notes) ID() string   { return "notes" }
//	func (notes) Version() int { return 1 }
//	func (n notes) Capture(ctx context.Context, ws string) (snapshot.Fragment, error) {
//		rows, err := readNotes(ctx, n.drv, ws)
//		if err != nil {
//			return snapshot.Fragment{}, err
//		}
//		return snapshot.NewFragment("notes", 1, rows, len(rows))
//	}
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EngineVersion is the payload format version written by this build.
// Payloads with a higher engine_version are rejected on preview and restore.
const EngineVersion = 1

// FragmentMetadata is the part of a fragment the engine may inspect.
type FragmentMetadata struct {
	// EntityCount is the number of rows captured across all sub-tables.
	EntityCount int `json:"entity_count,omitempty"`

	// SizeEstimate is the encoded size of Data in bytes.
	SizeEstimate int `json:"size_estimate,omitempty"`

	// Truncated maps a sub-table to the number of rows a row cap left out.
	Truncated map[string]int `json:"truncated,omitempty"`
}

// Fragment is one provider's captured state for one tenant.
//
// The shape of Data is fully determined by (ProviderID, Version); only the
// owning provider decodes it.
type Fragment struct {
	ProviderID string            `json:"provider_id"`
	Version    int               `json:"version"`
	Data       json.RawMessage   `json:"data"`
	Metadata   *FragmentMetadata `json:"metadata,omitempty"`
}

// NewFragment encodes data into a fragment for the given provider.
func NewFragment(providerID string, version int, data any, entityCount int) (Fragment, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Fragment{}, fmt.Errorf("%s: encode fragment: %w", providerID, err)
	}
	return Fragment{
		ProviderID: providerID,
		Version:    version,
		Data:       raw,
		Metadata:   &FragmentMetadata{EntityCount: entityCount, SizeEstimate: len(raw)},
	}, nil
}

// Truncations returns the truncated row counts, or nil.
func (f Fragment) Truncations() map[string]int {
	if f.Metadata == nil {
		return nil
	}
	return f.Metadata.Truncated
}

// Payload is the durable unit persisted for a snapshot.
type Payload struct {
	EngineVersion int        `json:"engine_version"`
	CreatedAt     time.Time  `json:"created_at"`
	Fragments     []Fragment `json:"fragments"`
}

// Fragment returns the fragment captured by providerID.
func (p Payload) Fragment(providerID string) (Fragment, bool) {
	for _, f := range p.Fragments {
		if f.ProviderID == providerID {
			return f, true
		}
	}
	return Fragment{}, false
}

// Descriptor is static provider metadata for display and audit.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Critical providers abort a capture when they fail instead of being
	// left out of the payload with a warning.
	Critical bool `json:"critical"`

	// DependsOn lists provider ids whose fragments must be restored first
	// because this domain references their rows.
	DependsOn []string `json:"depends_on,omitempty"`

	// DataSchema is the JSON schema of the current fragment version.
	DataSchema json.RawMessage `json:"data_schema,omitempty"`
}

// EntityDiff counts what a restore would do to one entity type.
type EntityDiff struct {
	Entity    string `json:"entity"`
	Creates   int    `json:"creates"`
	Updates   int    `json:"updates"`
	Deletes   int    `json:"deletes"`
	Unchanged int    `json:"unchanged"`
}

// Diff is a provider's read-only comparison of a fragment against the
// tenant's current state.
type Diff struct {
	ProviderID string       `json:"provider_id"`
	Entities   []EntityDiff `json:"entities"`
	Warnings   []string     `json:"warnings,omitempty"`
}

// Totals sums the entity diffs.
func (d Diff) Totals() (creates, updates, deletes int) {
	for _, e := range d.Entities {
		creates += e.Creates
		updates += e.Updates
		deletes += e.Deletes
	}
	return creates, updates, deletes
}

// Provider captures and restores exactly one tenant data domain.
//
// Implementations must:
//   - scope every read and write by workspace id
//   - keep Capture and Diff free of writes
//   - make Restore idempotent and atomic within the domain
//   - read every fragment version up to Version, rejecting newer ones
type Provider interface {
	// ID is the stable join key between fragments and providers. It must
	// never change once snapshots carrying it exist.
	ID() string

	// Version is the fragment schema version Capture emits.
	Version() int

	Describe() Descriptor

	// Capture reads the tenant's rows for this domain, bounded by the
	// provider's row caps. Binary attachments are captured as references.
	Capture(ctx context.Context, workspaceID string) (Fragment, error)

	// Diff compares a fragment with the tenant's current rows.
	Diff(ctx context.Context, workspaceID string, f Fragment) (Diff, error)

	// Restore replaces the tenant's rows for this domain with the
	// fragment's rows and returns the number of rows written.
	Restore(ctx context.Context, workspaceID string, f Fragment) (int, error)
}

// Enabler is implemented by providers that only apply to some tenants.
type Enabler interface {
	Enabled(ctx context.Context, workspaceID string) (bool, error)
}

// CheckVersion returns an error when f cannot be read by a provider whose
// current version is maxSupported.
func CheckVersion(f Fragment, maxSupported int) error {
	if f.Version <= 0 {
		return fmt.Errorf("%s: invalid fragment version %d", f.ProviderID, f.Version)
	}
	if f.Version > maxSupported {
		return &UnsupportedVersionError{ProviderID: f.ProviderID, Found: f.Version, MaxSupported: maxSupported}
	}
	return nil
}

// UnsupportedVersionError reports a fragment newer than its provider.
type UnsupportedVersionError struct {
	ProviderID   string
	Found        int
	MaxSupported int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("%s: fragment version %d is newer than supported version %d", e.ProviderID, e.Found, e.MaxSupported)
}
