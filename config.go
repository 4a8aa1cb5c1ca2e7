package flowmesh

import "context"

// ConfigSnapshot is the immutable patch document and its version, as
// produced by the config provider (spec.md §3). Once observed by a
// request it never changes underneath it — a new version is a new
// snapshot, never a mutation.
type ConfigSnapshot struct {
	ConfigVersion uint64
	PatchJSON     []byte
}

// ConfigProvider is the external collaborator named in spec.md §6:
// getSnapshot(context) → ConfigSnapshot. flowmesh only consumes this
// interface; LKG (last-known-good) fallback on an invalid snapshot is the
// host's responsibility, not this core's (spec.md §1 Out of scope).
type ConfigProvider interface {
	GetSnapshot(ctx context.Context) (ConfigSnapshot, error)
}

// StaticConfigProvider is the simplest possible ConfigProvider: a single
// snapshot fixed at construction time. Useful for tests, the `validate`/
// `eval` CLI subcommands, and any embedder that reloads config out-of-band
// and just swaps the provider rather than implementing hot reload itself.
type StaticConfigProvider struct {
	snapshot ConfigSnapshot
}

// NewStaticConfigProvider wraps a fixed snapshot.
func NewStaticConfigProvider(snapshot ConfigSnapshot) *StaticConfigProvider {
	return &StaticConfigProvider{snapshot: snapshot}
}

// GetSnapshot implements ConfigProvider.
func (p *StaticConfigProvider) GetSnapshot(_ context.Context) (ConfigSnapshot, error) {
	return p.snapshot, nil
}
