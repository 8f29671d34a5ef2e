package policy

import "github.com/ineyio/postgate"

// HeadroomPolicy keeps Reserve actions of every known scope unused, leaving
// room for writes made through other channels. Unknown scopes are admitted
// as with FailOpenPolicy.
type HeadroomPolicy struct {
	Reserve int64
}

var _ postgate.Policy = (*HeadroomPolicy)(nil)

// Blocking returns the scopes with Reserve or fewer actions left.
func (p *HeadroomPolicy) Blocking(q postgate.EffectiveQuota) []postgate.Scope {
	var out []postgate.Scope
	for _, s := range postgate.Scopes {
		e := q.Scope(s)
		floor := p.Reserve
		if e.Derivation == postgate.DerivationUnknown || floor < 0 {
			floor = 0
		}
		if e.Snapshot.Remaining <= floor {
			out = append(out, s)
		}
	}
	return out
}
