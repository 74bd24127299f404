package security

import (
	"net/url"
	"strings"
)

// OriginPolicy is an exact-match allow-list of browser origins.
type OriginPolicy struct {
	allowed map[string]struct{}
	any     bool
}

// NewOriginPolicy normalizes the configured origins. A single "*" allows everything.
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = normalizeOrigin(o)
		if o == "" {
			continue
		}
		if o == "*" {
			p.any = true
			continue
		}
		p.allowed[o] = struct{}{}
	}
	return p
}

// Allowed reports whether origin may call the API. An empty origin (non-browser client) is allowed.
func (p *OriginPolicy) Allowed(origin string) bool {
	if strings.TrimSpace(origin) == "" || p.any {
		return true
	}
	_, ok := p.allowed[normalizeOrigin(origin)]
	return ok
}

// Explicit reports whether origin is present and on the list, as required for credentialed CORS.
func (p *OriginPolicy) Explicit(origin string) bool {
	if strings.TrimSpace(origin) == "" {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.allowed[normalizeOrigin(origin)]
	return ok
}

func normalizeOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "*" || origin == "" {
		return origin
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
