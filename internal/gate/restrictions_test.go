package gate

import (
	"testing"

	"github.com/oto-proxy/oto/internal/config"
)

func TestRestrictionsDisabled(t *testing.T) {
	r := config.Restrictions{Forbidden: []config.RestrictionPath{{Method: "*", Path: "/.*"}}}
	if perr := checkRestrictions(r, "GET", "/x"); perr != nil {
		t.Error("disabled restrictions should not apply")
	}
}

func TestRestrictionsAllowFirst(t *testing.T) {
	r := config.Restrictions{
		Enabled:   true,
		Allowed:   []config.RestrictionPath{{Method: "GET", Path: "/admin/health"}},
		Forbidden: []config.RestrictionPath{{Method: "*", Path: "/admin/.*"}},
		NotFound:  []config.RestrictionPath{{Method: "*", Path: "/hidden/.*"}},
	}

	// The allowed entry wins even though forbidden also matches.
	if perr := checkRestrictions(r, "GET", "/admin/health"); perr != nil {
		t.Errorf("allowed entry should accept: %v", perr)
	}
	if perr := checkRestrictions(r, "POST", "/admin/users"); perr == nil || perr.Code != 403 {
		t.Errorf("forbidden entry should deny with 403, got %v", perr)
	}
	if perr := checkRestrictions(r, "GET", "/hidden/x"); perr == nil || perr.Code != 404 {
		t.Errorf("notFound entry should deny with 404, got %v", perr)
	}
	if perr := checkRestrictions(r, "GET", "/open"); perr != nil {
		t.Errorf("unmatched path should fall through: %v", perr)
	}
}

func TestRestrictionsAllowLast(t *testing.T) {
	r := config.Restrictions{
		Enabled:   true,
		AllowLast: true,
		Allowed:   []config.RestrictionPath{{Method: "GET", Path: "/admin/health"}},
		Forbidden: []config.RestrictionPath{{Method: "*", Path: "/admin/.*"}},
	}

	// With allowLast the forbidden list is evaluated first.
	if perr := checkRestrictions(r, "GET", "/admin/health"); perr == nil {
		t.Error("forbidden should win over allowed when allowLast is set")
	}
	// And allowed becomes a whitelist for everything else.
	if perr := checkRestrictions(r, "GET", "/open"); perr == nil {
		t.Error("path outside the allowed list should be denied")
	}
}

func TestRestrictionsMethodWildcard(t *testing.T) {
	r := config.Restrictions{
		Enabled:   true,
		Forbidden: []config.RestrictionPath{{Method: "*", Path: "/blocked"}},
	}
	for _, method := range []string{"GET", "POST", "DELETE"} {
		if perr := checkRestrictions(r, method, "/blocked"); perr == nil {
			t.Errorf("method %s should be forbidden", method)
		}
	}
	// Paths are anchored.
	if perr := checkRestrictions(r, "GET", "/blocked/sub"); perr != nil {
		t.Error("anchored pattern should not match longer path")
	}
}
