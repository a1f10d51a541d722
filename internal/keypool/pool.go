// Package keypool implements the per-provider rotating credential pool.
//
// Credentials are handed out in strict insertion-order round robin, skipping
// disabled entries. Outcomes reported back through Release drive per-record
// failure counters; a record crossing the provider's failure threshold is
// quarantined until the health prober re-validates it.
//
// All methods are safe for concurrent use. The pool mutex is held only for
// cursor and counter mutations — never across an upstream call.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Outcome classifies the result of one upstream attempt with a credential.
type Outcome int

const (
	// Success resets the failure counter.
	Success Outcome = iota
	// TransientFailure covers connect errors, 5xx, 408 and 429.
	TransientFailure
	// AuthFailure covers upstream 401/403 — the key may be expired or revoked.
	AuthFailure
	// FatalFailure marks the credential structurally invalid; it is
	// quarantined immediately regardless of its current count.
	FatalFailure
)

// Record is one credential and its health state.
type Record struct {
	Value       string
	Provider    string
	Failures    int
	DisabledAt  time.Time // zero while enabled
	BoundEgress string    // egress URI this credential has affinity to, "" when unbound
	inUse       int
}

// Disabled reports whether the record is quarantined.
func (r *Record) Disabled() bool { return !r.DisabledAt.IsZero() }

// Digest returns a short non-reversible identifier for logs and status views.
func (r *Record) Digest() string {
	sum := sha256.Sum256([]byte(r.Value))
	return hex.EncodeToString(sum[:4])
}

// Pool is a rotating credential pool for one provider.
type Pool struct {
	mu sync.Mutex

	provider        string
	modelRequestKey string
	maxFailures     int

	records []*Record
	cursor  int
}

// New creates a Pool for provider with the given keys in rotation order.
func New(provider string, keys []string, modelRequestKey string, maxFailures int) *Pool {
	if maxFailures < 1 {
		maxFailures = 1
	}
	p := &Pool{
		provider:        provider,
		modelRequestKey: modelRequestKey,
		maxFailures:     maxFailures,
	}
	for _, k := range keys {
		p.records = append(p.records, &Record{Value: k, Provider: provider})
	}
	return p
}

// Provider returns the provider name this pool belongs to.
func (p *Pool) Provider() string { return p.provider }

// MaxFailures returns the disable threshold.
func (p *Pool) MaxFailures() int { return p.maxFailures }

// Acquire returns the next enabled credential after the cursor and advances
// past it. Returns nil when every credential is disabled or the pool is
// empty. Two successive calls on a pool with ≥ 2 enabled credentials always
// return distinct records.
func (p *Pool) Acquire() *Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked()
}

func (p *Pool) acquireLocked() *Record {
	n := len(p.records)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		r := p.records[idx]
		if r.Disabled() {
			continue
		}
		p.cursor = (idx + 1) % n
		r.inUse++
		return r
	}
	return nil
}

// ModelRequestCredential returns the designated model-listing key when it is
// configured and still enabled in the pool; otherwise it behaves like Acquire.
func (p *Pool) ModelRequestCredential() *Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.modelRequestKey != "" {
		for _, r := range p.records {
			if r.Value == p.modelRequestKey && !r.Disabled() {
				r.inUse++
				return r
			}
		}
	}
	return p.acquireLocked()
}

// Release reports the outcome of an attempt and returns the credential to
// the pool. Crossing the failure threshold quarantines the record: it leaves
// the rotation but stays in the pool for the prober.
func (p *Pool) Release(r *Record, outcome Outcome) {
	if r == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.inUse > 0 {
		r.inUse--
	}

	switch outcome {
	case Success:
		r.Failures = 0
	case TransientFailure, AuthFailure:
		if r.Failures < p.maxFailures {
			r.Failures++
		}
	case FatalFailure:
		r.Failures = p.maxFailures
	}

	if r.Failures >= p.maxFailures && !r.Disabled() {
		r.DisabledAt = time.Now()
	}
}

// Reenable zeroes the record's counters and returns it to the rotation.
// This is the prober's entry point after a successful validation.
func (p *Pool) Reenable(r *Record) {
	if r == nil {
		return
	}
	p.mu.Lock()
	r.Failures = 0
	r.DisabledAt = time.Time{}
	p.mu.Unlock()
}

// RefreshDisabled re-stamps a still-failing record's quarantine time so the
// prober's debounce window starts over.
func (p *Pool) RefreshDisabled(r *Record) {
	if r == nil {
		return
	}
	p.mu.Lock()
	if r.Disabled() {
		r.DisabledAt = time.Now()
	}
	p.mu.Unlock()
}

// DisabledBefore returns the records that have been quarantined since before
// the given cutoff. The prober uses this to honor its debounce interval.
func (p *Pool) DisabledBefore(cutoff time.Time) []*Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Record
	for _, r := range p.records {
		if r.Disabled() && r.DisabledAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// ClearBoundEgress removes the egress affinity from every credential bound
// to uri. Called by the egress pool when it disables a proxy.
func (p *Pool) ClearBoundEgress(uri string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cleared := 0
	for _, r := range p.records {
		if r.BoundEgress == uri {
			r.BoundEgress = ""
			cleared++
		}
	}
	return cleared
}

// ResetAll zeroes every counter and re-enables every credential.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.records {
		r.Failures = 0
		r.DisabledAt = time.Time{}
	}
}

// Reload replaces the key set with keys, preserving failure state for
// credentials whose value is unchanged — reconfiguration never resurrects a
// known-bad key. The cursor is kept pointing at the same credential when it
// survives the reload, so rotation order is stable across publications.
func (p *Pool) Reload(keys []string, modelRequestKey string, maxFailures int) {
	if maxFailures < 1 {
		maxFailures = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	old := make(map[string]*Record, len(p.records))
	for _, r := range p.records {
		old[r.Value] = r
	}

	var cursorValue string
	if len(p.records) > 0 {
		cursorValue = p.records[p.cursor%len(p.records)].Value
	}

	records := make([]*Record, 0, len(keys))
	for _, k := range keys {
		if prev, ok := old[k]; ok {
			records = append(records, prev)
		} else {
			records = append(records, &Record{Value: k, Provider: p.provider})
		}
	}

	p.records = records
	p.modelRequestKey = modelRequestKey
	p.maxFailures = maxFailures

	p.cursor = 0
	if cursorValue != "" {
		for i, r := range records {
			if r.Value == cursorValue {
				p.cursor = i
				break
			}
		}
	}
}

// Stats is a point-in-time view of the pool for the admin status surface.
type Stats struct {
	Provider string      `json:"provider"`
	Total    int         `json:"total"`
	Enabled  int         `json:"enabled"`
	Disabled int         `json:"disabled"`
	Keys     []KeyStatus `json:"keys"`
}

// KeyStatus describes one credential without revealing its value.
type KeyStatus struct {
	Digest      string     `json:"digest"`
	Failures    int        `json:"failures"`
	Disabled    bool       `json:"disabled"`
	DisabledAt  *time.Time `json:"disabled_at,omitempty"`
	BoundEgress string     `json:"bound_egress,omitempty"`
	InUse       int        `json:"in_use"`
}

// Status returns the current pool state.
func (p *Pool) Status() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{Provider: p.provider, Total: len(p.records)}
	for _, r := range p.records {
		ks := KeyStatus{
			Digest:      r.Digest(),
			Failures:    r.Failures,
			Disabled:    r.Disabled(),
			BoundEgress: r.BoundEgress,
			InUse:       r.inUse,
		}
		if r.Disabled() {
			t := r.DisabledAt
			ks.DisabledAt = &t
			st.Disabled++
		} else {
			st.Enabled++
		}
		st.Keys = append(st.Keys, ks)
	}
	return st
}

// EnabledCount returns the number of credentials currently in rotation.
func (p *Pool) EnabledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.records {
		if !r.Disabled() {
			n++
		}
	}
	return n
}
