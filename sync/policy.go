package sync

import "sync/atomic"

// Policy decides when the server materializes a snapshot. The interval is
// the number of accepted steps allowed to accumulate past the latest
// snapshot before a new one is written; it can be updated at runtime (the
// config watcher does this on reload).
type Policy struct {
	interval atomic.Int64
	prune    atomic.Bool
}

// NewPolicy creates a policy that snapshots every interval accepted steps.
// An interval of 0 disables snapshotting. When prune is set, each new
// snapshot also compacts the history it supersedes.
func NewPolicy(interval int, prune bool) *Policy {
	p := &Policy{}
	p.interval.Store(int64(interval))
	p.prune.Store(prune)
	return p
}

func (p *Policy) Interval() int     { return int(p.interval.Load()) }
func (p *Policy) SetInterval(n int) { p.interval.Store(int64(n)) }
func (p *Policy) Prune() bool       { return p.prune.Load() }

// ShouldSnapshot reports whether stepsSinceSnapshot accepted steps past the
// latest snapshot warrant a new one.
func (p *Policy) ShouldSnapshot(stepsSinceSnapshot int) bool {
	k := p.Interval()
	return k > 0 && stepsSinceSnapshot >= k
}
