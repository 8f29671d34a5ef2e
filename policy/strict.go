package policy

import "github.com/ineyio/postgate"

// StrictPolicy blocks exhausted scopes and scopes with no data at all.
// Use it where a rejected write is costlier than a skipped one.
type StrictPolicy struct{}

var _ postgate.Policy = (*StrictPolicy)(nil)

// Blocking returns exhausted and unknown scopes.
func (p *StrictPolicy) Blocking(q postgate.EffectiveQuota) []postgate.Scope {
	var out []postgate.Scope
	for _, s := range postgate.Scopes {
		e := q.Scope(s)
		if e.Derivation == postgate.DerivationUnknown || e.Snapshot.Remaining <= 0 {
			out = append(out, s)
		}
	}
	return out
}
