package gate

import (
	"regexp"
	"strings"
	"sync"

	"github.com/oto-proxy/oto/internal/config"
	perrors "github.com/oto-proxy/oto/internal/errors"
)

// restrictionRegexps caches compiled path patterns across requests.
var restrictionRegexps sync.Map // pattern string -> *regexp.Regexp

func restrictionPattern(p string) *regexp.Regexp {
	if v, ok := restrictionRegexps.Load(p); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile("^(?:" + p + ")$")
	if err != nil {
		// An unparsable pattern matches nothing.
		re = regexp.MustCompile(`\A\z.^`)
	}
	restrictionRegexps.Store(p, re)
	return re
}

func restrictionMatches(entries []config.RestrictionPath, method, path string) bool {
	for _, e := range entries {
		if e.Method != "*" && !strings.EqualFold(e.Method, method) {
			continue
		}
		if restrictionPattern(e.Path).MatchString(path) {
			return true
		}
	}
	return false
}

// checkRestrictions gates (method, path) against the allowed, forbidden
// and notFound lists. With allowLast false the allowed list acts as an
// early accept; with allowLast true denials are evaluated first.
func checkRestrictions(r config.Restrictions, method, path string) *perrors.ProxyError {
	if !r.Enabled {
		return nil
	}

	if !r.AllowLast {
		if restrictionMatches(r.Allowed, method, path) {
			return nil
		}
		if restrictionMatches(r.Forbidden, method, path) {
			return perrors.ErrRestrictionForbidden
		}
		if restrictionMatches(r.NotFound, method, path) {
			return perrors.ErrRestrictionNotFound
		}
		return nil
	}

	if restrictionMatches(r.Forbidden, method, path) {
		return perrors.ErrRestrictionForbidden
	}
	if restrictionMatches(r.NotFound, method, path) {
		return perrors.ErrRestrictionNotFound
	}
	// Evaluated last, the allowed list turns into a whitelist.
	if len(r.Allowed) > 0 && !restrictionMatches(r.Allowed, method, path) {
		return perrors.ErrRestrictionForbidden
	}
	return nil
}
