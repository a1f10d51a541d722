// Package egress manages outbound network paths: the direct connection and
// any configured HTTP/SOCKS5 forward proxies.
//
// The pool mirrors the credential pool's failure-count discipline with two
// differences: the sentinel direct path is always enabled, and disabling a
// proxy clears the egress affinity of every credential bound to it.
package egress

import (
	"sync"
	"time"
)

// Direct is the sentinel URI for the unproxied network path. It is always
// enabled and never probed.
const Direct = "direct"

// Unbinder is implemented by credential pools so a disabled proxy can drop
// its key affinities without this package importing them.
type Unbinder interface {
	ClearBoundEgress(uri string) int
}

// Record is one egress path and its health state.
type Record struct {
	URI        string
	Failures   int
	DisabledAt time.Time // zero while enabled
	LastCheck  time.Time
}

// Disabled reports whether the record is quarantined. The direct path never is.
func (r *Record) Disabled() bool { return r.URI != Direct && !r.DisabledAt.IsZero() }

// Pool is the process-wide egress rotation.
type Pool struct {
	mu sync.Mutex

	maxFailures int
	records     []*Record
	cursor      int
	unbinders   []Unbinder
}

// New creates a Pool with the given proxy URIs plus the direct sentinel,
// which is always the last candidate in rotation order.
func New(proxies []string, maxFailures int) *Pool {
	if maxFailures < 1 {
		maxFailures = 1
	}
	p := &Pool{maxFailures: maxFailures}
	for _, uri := range proxies {
		p.records = append(p.records, &Record{URI: uri})
	}
	p.records = append(p.records, &Record{URI: Direct})
	return p
}

// AddUnbinder registers a credential pool to be notified when a proxy is
// disabled.
func (p *Pool) AddUnbinder(u Unbinder) {
	p.mu.Lock()
	p.unbinders = append(p.unbinders, u)
	p.mu.Unlock()
}

// SetUnbinders replaces the notification list (used on snapshot swap).
func (p *Pool) SetUnbinders(us []Unbinder) {
	p.mu.Lock()
	p.unbinders = us
	p.mu.Unlock()
}

// Acquire returns the next enabled egress in round-robin order. The direct
// sentinel guarantees a non-nil result.
func (p *Pool) Acquire() *Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.records)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		r := p.records[idx]
		if r.Disabled() {
			continue
		}
		p.cursor = (idx + 1) % n
		return r
	}
	// Unreachable: direct is never disabled.
	return p.records[n-1]
}

// ReleaseSuccess resets the record's failure counter.
func (p *Pool) ReleaseSuccess(r *Record) {
	if r == nil {
		return
	}
	p.mu.Lock()
	r.Failures = 0
	p.mu.Unlock()
}

// ReleaseFailure increments the record's failure counter and quarantines the
// proxy once it reaches the threshold, clearing all credential bindings to
// it. The direct path accumulates counts but is never disabled.
// Returns true when this call disabled the proxy.
func (p *Pool) ReleaseFailure(r *Record) bool {
	if r == nil {
		return false
	}
	p.mu.Lock()

	if r.Failures < p.maxFailures {
		r.Failures++
	}
	if r.URI == Direct || r.Failures < p.maxFailures || r.Disabled() {
		p.mu.Unlock()
		return false
	}

	r.DisabledAt = time.Now()
	unbinders := make([]Unbinder, len(p.unbinders))
	copy(unbinders, p.unbinders)
	uri := r.URI
	p.mu.Unlock()

	// Unbind outside our lock: each credential pool takes its own.
	for _, u := range unbinders {
		u.ClearBoundEgress(uri)
	}
	return true
}

// Reset re-enables the proxy and zeroes its counter (prober success path,
// and the admin reset operation).
func (p *Pool) Reset(uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.records {
		if r.URI == uri {
			r.Failures = 0
			r.DisabledAt = time.Time{}
			return
		}
	}
}

// MarkChecked stamps the prober's last visit time on the record.
func (p *Pool) MarkChecked(uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.records {
		if r.URI == uri {
			r.LastCheck = time.Now()
			return
		}
	}
}

// Proxies returns the configured proxy URIs (the direct sentinel excluded),
// in rotation order. The prober iterates this list.
func (p *Pool) Proxies() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.records)-1)
	for _, r := range p.records {
		if r.URI != Direct {
			out = append(out, r.URI)
		}
	}
	return out
}

// Find returns the record for uri, or nil.
func (p *Pool) Find(uri string) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.records {
		if r.URI == uri {
			return r
		}
	}
	return nil
}

// Reload replaces the proxy list, preserving state for unchanged URIs. The
// direct sentinel is always retained.
func (p *Pool) Reload(proxies []string, maxFailures int) {
	if maxFailures < 1 {
		maxFailures = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	old := make(map[string]*Record, len(p.records))
	for _, r := range p.records {
		old[r.URI] = r
	}

	records := make([]*Record, 0, len(proxies)+1)
	for _, uri := range proxies {
		if prev, ok := old[uri]; ok {
			records = append(records, prev)
		} else {
			records = append(records, &Record{URI: uri})
		}
	}
	records = append(records, old[Direct])

	p.records = records
	p.maxFailures = maxFailures
	p.cursor = 0
}

// Stats is a point-in-time view of the pool for the admin status surface.
type Stats struct {
	Total    int           `json:"total"`
	Enabled  int           `json:"enabled"`
	Disabled int           `json:"disabled"`
	Proxies  []ProxyStatus `json:"proxies"`
}

// ProxyStatus describes one egress path.
type ProxyStatus struct {
	URI       string     `json:"uri"`
	Failures  int        `json:"failures"`
	Disabled  bool       `json:"disabled"`
	LastCheck *time.Time `json:"last_check,omitempty"`
}

// Status returns the current pool state. The direct sentinel is included.
func (p *Pool) Status() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{Total: len(p.records)}
	for _, r := range p.records {
		ps := ProxyStatus{URI: r.URI, Failures: r.Failures, Disabled: r.Disabled()}
		if !r.LastCheck.IsZero() {
			t := r.LastCheck
			ps.LastCheck = &t
		}
		if ps.Disabled {
			st.Disabled++
		} else {
			st.Enabled++
		}
		st.Proxies = append(st.Proxies, ps)
	}
	return st
}
