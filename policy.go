package postgate

// Policy decides which scopes block an action given the reconciled quota.
type Policy interface {
	// Blocking returns the scopes that forbid acting now, in Scopes order.
	// An empty result admits the action.
	Blocking(q EffectiveQuota) []Scope
}

// defaultFailOpenPolicy is an inline fail-open policy to avoid import cycles.
// It blocks only on an exhausted scope; an unknown scope carries the
// optimistic default and therefore never blocks.
type defaultFailOpenPolicy struct{}

func (p *defaultFailOpenPolicy) Blocking(q EffectiveQuota) []Scope {
	var out []Scope
	for _, s := range Scopes {
		if q.Scope(s).Snapshot.Remaining <= 0 {
			out = append(out, s)
		}
	}
	return out
}
