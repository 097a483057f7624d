// Package engine coordinates snapshot capture, restore preview and
// confirmation-gated restore across the registered domain providers.
//
// The orchestrator treats fragment data as opaque: it routes fragments by
// provider id and reads only their metadata. Restores are atomic within one
// provider and never across providers, so every non-DONE result says which
// domains were restored, which failed and which were left untouched.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/wilhg/tenantsnap/pkg/snapshot"
	"github.com/wilhg/tenantsnap/pkg/store"
)

// TruncationPolicy decides what a capture does with fragments whose row caps
// left rows out.
type TruncationPolicy string

const (
	// TruncationWarn keeps the fragment and records a snapshot warning.
	TruncationWarn TruncationPolicy = "warn"
	// TruncationFail treats the fragment as a capture failure of its provider.
	TruncationFail TruncationPolicy = "fail"
)

// ParseTruncationPolicy accepts "warn" and "fail".
func ParseTruncationPolicy(s string) (TruncationPolicy, error) {
	switch TruncationPolicy(s) {
	case TruncationWarn, TruncationFail:
		return TruncationPolicy(s), nil
	}
	return "", fmt.Errorf("unknown truncation policy %q", s)
}

const (
	DefaultTokenTTL           = 5 * time.Minute
	DefaultProviderTimeout    = 30 * time.Second
	DefaultLockTTL            = 15 * time.Minute
	DefaultCaptureConcurrency = 4
)

// Orchestrator is the snapshot engine core.
type Orchestrator struct {
	reg   *snapshot.Registry
	st    store.Store
	log   zerolog.Logger
	clock clock.Clock
	met   *Collector

	tokenTTL           time.Duration
	providerTimeout    time.Duration
	lockTTL            time.Duration
	captureConcurrency int
	truncation         TruncationPolicy
	safetySnapshot     bool
	parallelRestore    bool
	disabled           map[string]bool
}

// Option configures the Orchestrator at construction time.
type Option func(*Orchestrator)

func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithClock replaces the wall clock used for token and lock expiry.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithMetrics records operation metrics into c.
func WithMetrics(c *Collector) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.met = c
		}
	}
}

// WithTokenTTL sets how long a confirmation token stays valid.
func WithTokenTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.tokenTTL = d
		}
	}
}

// WithProviderTimeout bounds every single provider call.
func WithProviderTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.providerTimeout = d
		}
	}
}

// WithLockTTL sets after how long an abandoned restore or capture marker
// stops excluding other operations.
func WithLockTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.lockTTL = d
		}
	}
}

// WithCaptureConcurrency bounds concurrent provider calls during capture and
// preview.
func WithCaptureConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.captureConcurrency = n
		}
	}
}

func WithTruncationPolicy(p TruncationPolicy) Option {
	return func(o *Orchestrator) {
		if p != "" {
			o.truncation = p
		}
	}
}

// WithSafetySnapshot toggles the pre_restore snapshot taken before a restore
// touches any provider.
func WithSafetySnapshot(on bool) Option { return func(o *Orchestrator) { o.safetySnapshot = on } }

// WithParallelRestore restores independent providers of one dependency level
// concurrently.
func WithParallelRestore(on bool) Option { return func(o *Orchestrator) { o.parallelRestore = on } }

// WithDisabledProviders switches providers off for every tenant.
func WithDisabledProviders(ids ...string) Option {
	return func(o *Orchestrator) {
		for _, id := range ids {
			o.disabled[id] = true
		}
	}
}

// New constructs an Orchestrator over the registry and store.
func New(reg *snapshot.Registry, st store.Store, opts ...Option) (*Orchestrator, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store is nil")
	}
	o := &Orchestrator{
		reg:                reg,
		st:                 st,
		log:                zerolog.Nop(),
		clock:              clock.WallClock,
		tokenTTL:           DefaultTokenTTL,
		providerTimeout:    DefaultProviderTimeout,
		lockTTL:            DefaultLockTTL,
		captureConcurrency: DefaultCaptureConcurrency,
		truncation:         TruncationWarn,
		safetySnapshot:     true,
		disabled:           map[string]bool{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.met == nil {
		o.met = NewCollector()
	}
	for id := range o.disabled {
		if _, ok := reg.Resolve(id); !ok {
			return nil, fmt.Errorf("disabled provider %q is not registered", id)
		}
	}
	return o, nil
}

// EffectiveProvider is a provider as it applies to one tenant.
type EffectiveProvider struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     int      `json:"version"`
	Critical    bool     `json:"critical"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Enabled     bool     `json:"enabled"`
}

// Providers lists the registered providers and whether each is enabled for
// the tenant.
func (o *Orchestrator) Providers(ctx context.Context, ws string) ([]EffectiveProvider, error) {
	if ws == "" {
		return nil, errWorkspaceRequired()
	}
	all := o.reg.All()
	out := make([]EffectiveProvider, 0, len(all))
	for _, p := range all {
		enabled, err := o.enabled(ctx, p, ws)
		if err != nil {
			return nil, fmt.Errorf("%s: enabled: %w", p.ID(), err)
		}
		d := p.Describe()
		out = append(out, EffectiveProvider{
			ID:          p.ID(),
			Name:        d.Name,
			Description: d.Description,
			Version:     p.Version(),
			Critical:    d.Critical,
			DependsOn:   d.DependsOn,
			Enabled:     enabled,
		})
	}
	return out, nil
}

func (o *Orchestrator) enabled(ctx context.Context, p snapshot.Provider, ws string) (bool, error) {
	if o.disabled[p.ID()] {
		return false, nil
	}
	if en, ok := p.(snapshot.Enabler); ok {
		ctx, cancel := context.WithTimeout(ctx, o.providerTimeout)
		defer cancel()
		return en.Enabled(ctx, ws)
	}
	return true, nil
}

func (o *Orchestrator) now() time.Time { return o.clock.Now().UTC() }
