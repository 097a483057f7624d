package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/wilhg/tenantsnap/pkg/snapshot"
)

// recorder logs provider restore order across fakes.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) add(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// fakeProvider keeps a list of items per workspace in memory.
type fakeProvider struct {
	id       string
	version  int
	critical bool
	deps     []string

	captureErr error
	restoreErr error
	truncated  map[string]int
	block      bool
	// When release is set, Capture signals capturing and waits on release.
	capturing chan struct{}
	release   chan struct{}
	off        map[string]bool
	order      *recorder

	mu    sync.Mutex
	state map[string][]string
}

func newFake(id string) *fakeProvider {
	return &fakeProvider{id: id, version: 1, state: map[string][]string{}}
}

func (f *fakeProvider) ID() string   { return f.id }
func (f *fakeProvider) Version() int { return f.version }
func (f *fakeProvider) Describe() snapshot.Descriptor {
	return snapshot.Descriptor{Name: "Fake " + f.id, Critical: f.critical, DependsOn: f.deps}
}

func (f *fakeProvider) Enabled(ctx context.Context, ws string) (bool, error) {
	return !f.off[ws], nil
}

func (f *fakeProvider) set(ws string, items ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[ws] = append([]string{}, items...)
}

func (f *fakeProvider) get(ws string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.state[ws]...)
}

func (f *fakeProvider) Capture(ctx context.Context, ws string) (snapshot.Fragment, error) {
	if f.release != nil {
		select {
		case f.capturing <- struct{}{}:
		default:
		}
		select {
		case <-f.release:
		case <-ctx.Done():
			return snapshot.Fragment{}, ctx.Err()
		}
	}
	if f.captureErr != nil {
		return snapshot.Fragment{}, f.captureErr
	}
	items := f.get(ws)
	fr, err := snapshot.NewFragment(f.id, f.version, items, len(items))
	if err != nil {
		return snapshot.Fragment{}, err
	}
	fr.Metadata.Truncated = f.truncated
	return fr, nil
}

func (f *fakeProvider) Diff(ctx context.Context, ws string, fr snapshot.Fragment) (snapshot.Diff, error) {
	var target []string
	if err := json.Unmarshal(fr.Data, &target); err != nil {
		return snapshot.Diff{}, err
	}
	current := f.get(ws)
	d := snapshot.EntityDiff{Entity: "items"}
	for _, it := range target {
		if slices.Contains(current, it) {
			d.Unchanged++
		} else {
			d.Creates++
		}
	}
	for _, it := range current {
		if !slices.Contains(target, it) {
			d.Deletes++
		}
	}
	return snapshot.Diff{ProviderID: f.id, Entities: []snapshot.EntityDiff{d}}, nil
}

func (f *fakeProvider) Restore(ctx context.Context, ws string, fr snapshot.Fragment) (int, error) {
	f.order.add(f.id)
	snapshot.ReportStage(ctx, snapshot.StageDeleting)
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if f.restoreErr != nil {
		return 0, f.restoreErr
	}
	var target []string
	if err := json.Unmarshal(fr.Data, &target); err != nil {
		return 0, err
	}
	snapshot.ReportStage(ctx, snapshot.StageInserting)
	f.set(ws, target...)
	return len(target), nil
}
