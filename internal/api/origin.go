package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// OriginPolicy decides which browser origins may open a websocket. Entries
// are exact origins or doublestar patterns such as "https://*.example.com";
// "*" allows everything.
type OriginPolicy struct {
	patterns []string
	allowAll bool
	log      *zap.Logger
}

func NewOriginPolicy(origins []string, log *zap.Logger) *OriginPolicy {
	if log == nil {
		log = zap.NewNop()
	}
	p := &OriginPolicy{log: log}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			p.allowAll = true
			continue
		}

		pattern := strings.ToLower(strings.TrimRight(trimmed, "/"))
		if !doublestar.ValidatePattern(pattern) {
			log.Warn("ignoring invalid origin pattern", zap.String("origin", origin))
			continue
		}
		p.patterns = append(p.patterns, pattern)
	}
	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// Allowed reports whether origin matches the policy.
func (p *OriginPolicy) Allowed(origin string) bool {
	if p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	for _, pattern := range p.patterns {
		if matched, _ := doublestar.Match(pattern, normalized); matched {
			return true
		}
	}
	return false
}

// CheckOrigin is the websocket upgrader hook. Requests without an Origin
// header come from non-browser clients and are let through; they still need
// a valid token.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.Allowed(origin) {
		return true
	}
	p.log.Warn("blocked websocket from disallowed origin", zap.String("origin", origin))
	return false
}
