package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// ErrSnapshotNotFound is returned when no snapshot matches the requested refs.
var ErrSnapshotNotFound = errors.New("policy: snapshot not found")

// Registry holds the current policy snapshot and every version loaded so far.
// Reloading installs a new snapshot atomically; snapshots already pinned by
// running work are never modified.
type Registry struct {
	current  atomic.Pointer[Snapshot]
	mu       sync.RWMutex
	versions map[string]*Snapshot
	loader   *Loader
	onReload []func(*Snapshot)
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. loader may be nil when snapshots are
// installed directly.
func NewRegistry(loader *Loader) *Registry {
	return &Registry{
		versions: make(map[string]*Snapshot),
		loader:   loader,
		logger:   slog.Default().With("component", "policy"),
	}
}

// OnReload registers a callback invoked after a snapshot becomes current.
func (r *Registry) OnReload(fn func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = append(r.onReload, fn)
}

// Install makes snap the current snapshot and keeps it resolvable by its refs.
func (r *Registry) Install(snap *Snapshot) {
	r.mu.Lock()
	r.versions[refsKey(snap.Refs())] = snap
	r.current.Store(snap)
	callbacks := append([]func(*Snapshot){}, r.onReload...)
	r.mu.Unlock()

	r.logger.Info("policy snapshot installed",
		"lane_policy", snap.LaneVersion,
		"role_policy", snap.RoleVersion,
		"tool_registry", snap.ToolVersion,
		"hash", snap.Hash,
	)
	for _, fn := range callbacks {
		fn(snap)
	}
}

// Reload loads the policy directory again and installs the result.
func (r *Registry) Reload(ctx context.Context) (*Snapshot, error) {
	if r.loader == nil {
		return nil, fmt.Errorf("policy: registry has no loader")
	}
	snap, err := r.loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cur := r.Current(); cur != nil && cur.Hash != snap.Hash && refsKey(cur.Refs()) == refsKey(snap.Refs()) {
		return nil, fmt.Errorf("policy: content changed without a version change (%s)", refsKey(snap.Refs()))
	}
	r.Install(snap)
	return snap, nil
}

// Current returns the snapshot new runs pin, or nil before the first install.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Resolve returns the snapshot with exactly the given version refs.
func (r *Registry) Resolve(refs contracts.PolicyVersionRefs) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if snap, ok := r.versions[refsKey(refs)]; ok {
		return snap, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, refsKey(refs))
}

func refsKey(refs contracts.PolicyVersionRefs) string {
	return "lanes=" + refs.LanePolicy + ";roles=" + refs.RolePolicy + ";tools=" + refs.ToolRegistry
}
