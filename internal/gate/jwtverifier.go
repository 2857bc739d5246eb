package gate

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oto-proxy/oto/internal/config"
	perrors "github.com/oto-proxy/oto/internal/errors"
	"github.com/oto-proxy/oto/internal/seccom"
)

// locateToken extracts the raw token string from the configured source.
func locateToken(r *http.Request, loc config.TokenLocation) (string, bool) {
	switch loc.Type {
	case "InHeader":
		v := r.Header.Get(loc.Name)
		if v == "" {
			return "", false
		}
		if loc.Remove != "" {
			v = strings.TrimPrefix(v, loc.Remove)
		}
		return v, true
	case "InQueryParam":
		v := r.URL.Query().Get(loc.Name)
		return v, v != ""
	case "InCookie":
		c, err := r.Cookie(loc.Name)
		if err != nil || c.Value == "" {
			return "", false
		}
		return c.Value, true
	}
	return "", false
}

// checkJwtVerifier validates a caller-supplied token when the service
// configures one. Missing tokens only fail in strict mode.
func checkJwtVerifier(r *http.Request, v *config.JwtVerifier) *perrors.ProxyError {
	if v == nil || !v.Enabled {
		return nil
	}

	raw, found := locateToken(r, v.Source)
	if !found {
		if v.Strict {
			return perrors.ErrBadToken.WithDetails("no token found in request")
		}
		return nil
	}

	material, err := seccom.ParseAlgo(v.AlgoSettings)
	if err != nil {
		return perrors.ErrBadToken.WithDetails("verifier misconfigured")
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, material.Keyfunc,
		jwt.WithValidMethods([]string{material.Method.Alg()})); err != nil {
		return perrors.ErrBadToken.WithDetails("token signature verification failed")
	}

	for field, want := range v.Verification.Fields {
		got, ok := claims[field].(string)
		if !ok || got != want {
			return perrors.ErrBadToken.WithDetails("token claim mismatch")
		}
	}

	for field, want := range v.Verification.ArrayFields {
		arr, ok := claims[field].([]any)
		if !ok {
			return perrors.ErrBadToken.WithDetails("token claim is not an array")
		}
		contains := false
		for _, item := range arr {
			if s, ok := item.(string); ok && s == want {
				contains = true
				break
			}
		}
		if !contains {
			return perrors.ErrBadToken.WithDetails("token array claim mismatch")
		}
	}

	return nil
}
