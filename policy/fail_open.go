package policy

import "github.com/ineyio/postgate"

// FailOpenPolicy blocks only scopes with nothing left. A scope with no
// remote or local data carries the optimistic default and is admitted, so
// the remote service's own rejection becomes the way quota is discovered.
type FailOpenPolicy struct{}

var _ postgate.Policy = (*FailOpenPolicy)(nil)

// Blocking returns the scopes whose remaining quota is zero.
func (p *FailOpenPolicy) Blocking(q postgate.EffectiveQuota) []postgate.Scope {
	var out []postgate.Scope
	for _, s := range postgate.Scopes {
		if q.Scope(s).Snapshot.Remaining <= 0 {
			out = append(out, s)
		}
	}
	return out
}
