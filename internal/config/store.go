package config

import (
	"log/slog"
	"sync"
)

// Store holds the current Snapshot and fans out change notifications.
//
// Readers call Current and never block on writers: the pointer swap is the
// only operation under the lock. Publishing the byte-identical configuration
// is a no-op — subscribers are not notified and the version does not move,
// so pool cursors and counters are untouched.
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
	version int64
	subs    []func(*Snapshot)
	log     *slog.Logger
}

// NewStore creates a Store seeded with the given snapshot.
func NewStore(initial *Snapshot, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{current: initial, version: initial.Version, log: log}
}

// Current returns the active snapshot. The result must be treated as
// read-only; it may be shared by any number of in-flight requests.
func (st *Store) Current() *Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// Subscribe registers fn to run after every effective publication. Callbacks
// run synchronously on the publishing goroutine, in registration order.
func (st *Store) Subscribe(fn func(*Snapshot)) {
	st.mu.Lock()
	st.subs = append(st.subs, fn)
	st.mu.Unlock()
}

// Publish validates vals, builds a new snapshot, and swaps it in. Requests
// that started before the swap keep using the snapshot they resolved; any
// request that starts after sees the new one.
func (st *Store) Publish(vals map[string]string) (*Snapshot, error) {
	st.mu.Lock()
	if st.current != nil && equalRaw(st.current.raw, vals) {
		cur := st.current
		st.mu.Unlock()
		st.log.Debug("config unchanged, publication skipped", slog.Int64("version", cur.Version))
		return cur, nil
	}
	version := st.version + 1
	st.mu.Unlock()

	// Build off-line: the current snapshot stays live while we parse.
	snap, err := Build(vals, version)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.current = snap
	st.version = version
	subs := make([]func(*Snapshot), len(st.subs))
	copy(subs, st.subs)
	st.mu.Unlock()

	st.log.Info("config published",
		slog.Int64("version", snap.Version),
		slog.Int("providers", len(snap.Providers)),
		slog.String("default_provider", snap.DefaultProvider),
	)

	for _, fn := range subs {
		fn(snap)
	}
	return snap, nil
}

func equalRaw(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
