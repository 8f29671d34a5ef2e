package postgate

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names carried by a quota rejection.
const (
	HeaderAppLimit      = "x-app-limit-24hour-limit"
	HeaderAppRemaining  = "x-app-limit-24hour-remaining"
	HeaderAppReset      = "x-app-limit-24hour-reset"
	HeaderUserLimit     = "x-user-limit-24hour-limit"
	HeaderUserRemaining = "x-user-limit-24hour-remaining"
	HeaderUserReset     = "x-user-limit-24hour-reset"

	HeaderWindowLimit     = "x-rate-limit-limit"
	HeaderWindowRemaining = "x-rate-limit-remaining"
	HeaderWindowReset     = "x-rate-limit-reset"
)

// RateLimitHeaders is the normalized quota data of one rejection.
type RateLimitHeaders struct {
	App    QuotaSnapshot
	User   QuotaSnapshot
	Window RateLimit

	// Found lists the recognized headers that were present and parseable.
	Found []string
	// Invalid lists recognized headers whose values did not parse.
	Invalid []string
}

// ParseRateLimitHeaders extracts per-scope figures from rejection metadata.
// Keys are matched case-insensitively. Missing 24-hour limits fall back to
// limits, missing remaining counts to 0 (the rejection itself is evidence of
// exhaustion), and missing resets to unknown.
func ParseRateLimitHeaders(metadata map[string]string, limits Limits, now time.Time) RateLimitHeaders {
	norm := make(map[string]string, len(metadata))
	for k, v := range metadata {
		norm[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	var h RateLimitHeaders
	read := func(name string) (int64, bool) {
		raw, ok := norm[name]
		if !ok || raw == "" {
			return 0, false
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.Invalid = append(h.Invalid, name)
			return 0, false
		}
		h.Found = append(h.Found, name)
		return v, true
	}
	readOr := func(name string, def int64) int64 {
		if v, ok := read(name); ok {
			return v
		}
		return def
	}
	readReset := func(name string) time.Time {
		if v, ok := read(name); ok && v > 0 {
			return time.Unix(v, 0).UTC()
		}
		return time.Time{}
	}

	appLimit := readOr(HeaderAppLimit, limits.App)
	appRemaining := readOr(HeaderAppRemaining, 0)
	appReset := readReset(HeaderAppReset)
	userLimit := readOr(HeaderUserLimit, limits.User)
	userRemaining := readOr(HeaderUserRemaining, 0)
	userReset := readReset(HeaderUserReset)

	prov := ProvenanceErrorResponse
	if h.has24Hour() {
		prov = ProvenanceErrorHeaders
	}
	h.App = NewSnapshot(ScopeApp, appLimit, appRemaining, appReset, now, prov)
	h.User = NewSnapshot(ScopeUser, userLimit, userRemaining, userReset, now, prov)

	h.Window = RateLimit{
		Limit:     readOr(HeaderWindowLimit, DefaultWindowLimit),
		Remaining: readOr(HeaderWindowRemaining, 0),
		Reset:     readReset(HeaderWindowReset),
	}
	return h
}

func (h RateLimitHeaders) has24Hour() bool {
	for _, name := range h.Found {
		if strings.Contains(name, "-24hour-") {
			return true
		}
	}
	return false
}

// Snapshot returns the parsed snapshot for scope.
func (h RateLimitHeaders) Snapshot(scope Scope) QuotaSnapshot {
	if scope == ScopeUser {
		return h.User
	}
	return h.App
}

// MetadataFromHeader flattens an HTTP header into rejection metadata,
// keeping the first value of each key.
func MetadataFromHeader(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for k, vs := range header {
		if len(vs) == 0 {
			continue
		}
		out[strings.ToLower(k)] = vs[0]
	}
	return out
}
