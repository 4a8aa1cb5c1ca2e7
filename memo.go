package flowmesh

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// memoMaxEntries bounds a request-scoped memo table (spec.md §3: "per-
// request memo table (bounded)"). A single request fanning out into
// thousands of distinct memo keys would otherwise grow the table without
// limit; past the bound, lookups simply stop memoizing and every call
// computes directly — correctness is unaffected, only the dedup benefit is
// lost for the overflow keys.
const memoMaxEntries = 4096

// MemoTable is the per-request memo store backing fanout.go's step 5
// ("Memo lookup"): at most one compute per (moduleType, memoKey, outputType)
// tuple per request, with concurrent lookups for the same tuple joining the
// single in-flight computation rather than racing. Built on
// golang.org/x/sync/singleflight, the same in-flight-call-collapsing
// primitive the teacher's dependency set makes available transitively and
// which the rest of the pack (jhkimqd-chaos-utils) pulls in for its own
// request coalescing.
type MemoTable struct {
	group singleflight.Group

	mu      sync.Mutex
	results map[string]Outcome[any]
	full    bool
}

// NewMemoTable builds an empty, request-scoped memo table.
func NewMemoTable() *MemoTable {
	return &MemoTable{results: make(map[string]Outcome[any])}
}

// Resolve returns the memoized Outcome for signature, computing it via
// compute if this is the first (or an overflow, non-memoized) caller for
// that signature this request. Concurrent callers for the same signature,
// while the table is not yet full, block on the single in-flight compute
// and all observe its result — fanout.go's "a miss installs a pending task
// so later concurrent lookups join it" (spec.md §4.5 step 5).
func (t *MemoTable) Resolve(signature string, compute func() Outcome[any]) (out Outcome[any], memoized bool) {
	t.mu.Lock()
	if cached, ok := t.results[signature]; ok {
		t.mu.Unlock()
		return cached, true
	}
	overflow := t.full && len(t.results) >= memoMaxEntries
	t.mu.Unlock()

	if overflow {
		return compute(), false
	}

	v, _, _ := t.group.Do(signature, func() (any, error) {
		result := compute()

		t.mu.Lock()
		if len(t.results) < memoMaxEntries {
			t.results[signature] = result
		} else {
			t.full = true
		}
		t.mu.Unlock()

		return result, nil
	})
	return v.(Outcome[any]), true
}

// Len reports the number of distinct signatures currently memoized, mostly
// useful for tests asserting at-most-one-compute behavior.
func (t *MemoTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.results)
}
