package seccom

import (
	"context"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/oto-proxy/oto/internal/config"
	"github.com/oto-proxy/oto/internal/datastore"
	perrors "github.com/oto-proxy/oto/internal/errors"
)

// DefaultTTL bounds the exchange when a service does not set secComTtl.
const DefaultTTL = 30 * time.Second

const issuerName = "Otoroshi"

// replayKeyPrefix namespaces state values inside the shared nonce store.
const replayKeyPrefix = "state:"

// UserInfo describes an authenticated private-app user for the claim
// token. Nil when the caller authenticated with an API key only.
type UserInfo struct {
	Name    string
	Email   string
	Profile map[string]any
}

// Issued carries the outbound tokens for one upstream attempt.
type Issued struct {
	State      string
	StateToken string
	// ClaimToken is empty when the service does not send an info token.
	ClaimToken string
}

// Exchange issues outbound tokens and validates V2 state responses.
type Exchange struct {
	store datastore.Store
}

// NewExchange creates an exchange backed by the given replay store.
func NewExchange(store datastore.Store) *Exchange {
	return &Exchange{store: store}
}

func ttlOf(svc *config.ServiceDescriptor) time.Duration {
	if svc.SecComTTL > 0 {
		return svc.SecComTTL
	}
	return DefaultTTL
}

// Issue builds the state and claim tokens for one attempt. The state
// value is fresh per attempt so retried calls never share a challenge.
func (e *Exchange) Issue(svc *config.ServiceDescriptor, key *config.ApiKey, user *UserInfo, now time.Time) (*Issued, error) {
	material, err := ParseAlgo(svc.SecComSettings)
	if err != nil {
		return nil, err
	}

	ttl := ttlOf(svc)
	out := &Issued{}

	if svc.SendStateChallenge {
		out.State = uuid.NewString()
		token := jwt.NewWithClaims(material.Method, jwt.MapClaims{
			"jti":   uuid.NewString(),
			"iat":   now.Unix(),
			"exp":   now.Add(ttl).Unix(),
			"state": out.State,
		})
		signed, err := token.SignedString(material.SignKey())
		if err != nil {
			return nil, err
		}
		out.StateToken = signed
	}

	if svc.SendInfoToken {
		claims := e.infoClaims(svc, key, user, now, ttl)
		token := jwt.NewWithClaims(material.Method, claims)
		signed, err := token.SignedString(material.SignKey())
		if err != nil {
			return nil, err
		}
		out.ClaimToken = signed
	}

	return out, nil
}

func (e *Exchange) infoClaims(svc *config.ServiceDescriptor, key *config.ApiKey, user *UserInfo, now time.Time, ttl time.Duration) jwt.MapClaims {
	sub := "--"
	switch {
	case user != nil:
		sub = user.Email
	case key != nil:
		sub = key.ClientID
	}

	claims := jwt.MapClaims{
		"iss": issuerName,
		"sub": sub,
		"aud": svc.EffectiveDomain(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"jti": uuid.NewString(),
	}

	if svc.SecComInfoTokenVersion == config.InfoTokenLatest {
		accessType := "public"
		var apikeyClaim map[string]any
		var userClaim map[string]any
		if key != nil {
			accessType = "apikey"
			apikeyClaim = map[string]any{
				"clientId":   key.ClientID,
				"clientName": key.ClientName,
				"metadata":   key.Metadata,
				"tags":       key.Tags,
			}
		}
		if user != nil {
			accessType = "user"
			userClaim = map[string]any{
				"name":    user.Name,
				"email":   user.Email,
				"profile": user.Profile,
			}
		}
		claims["access_type"] = accessType
		claims["apikey"] = apikeyClaim
		claims["user"] = userClaim
		return claims
	}

	// Legacy flat shape.
	if user != nil {
		claims["name"] = user.Name
		claims["email"] = user.Email
		claims["user_metadata"] = user.Profile
	}
	if key != nil {
		if claims["name"] == nil {
			claims["name"] = key.ClientName
		}
		claims["app_metadata"] = key.Metadata
	}
	return claims
}

// ValidateResponse checks the upstream's state-response token for a V2
// exchange. V1 exchanges skip validation entirely.
func (e *Exchange) ValidateResponse(ctx context.Context, svc *config.ServiceDescriptor, state string, resp *http.Response, now time.Time) *perrors.ProxyError {
	if !svc.EnforceSecureCommunication || svc.SecComVersion != config.SecComV2 || !svc.SendStateChallenge {
		return nil
	}

	raw := resp.Header.Get(svc.SecComHeaders.StateRespHeader())
	if raw == "" {
		return perrors.ErrUpstreamTokenInvalid.WithDetails("state response header missing")
	}

	material, err := ParseAlgo(svc.SecComSettings)
	if err != nil {
		return perrors.ErrUpstreamTokenInvalid.WithDetails("secure communication misconfigured")
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, material.Keyfunc,
		jwt.WithValidMethods([]string{material.Method.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	); err != nil {
		return perrors.ErrUpstreamTokenInvalid.WithDetails("state response token rejected")
	}

	stateResp, _ := claims["state-resp"].(string)
	if stateResp == "" || stateResp != state {
		return perrors.ErrUpstreamTokenInvalid.WithDetails("state response mismatch")
	}

	ttl := ttlOf(svc)
	exp, expOK := numericClaim(claims, "exp")
	iat, iatOK := numericClaim(claims, "iat")
	if !expOK || !iatOK {
		return perrors.ErrUpstreamTokenInvalid.WithDetails("state response lifetime missing")
	}
	if !exp.After(now) {
		return perrors.ErrUpstreamTokenInvalid.WithDetails("state response expired")
	}
	if exp.Sub(iat) > ttl {
		return perrors.ErrUpstreamTokenInvalid.WithDetails("state response lifetime exceeds ttl")
	}

	fresh, serr := e.store.CheckAndStoreNonce(ctx, replayKeyPrefix+state, ttl)
	if serr != nil {
		return perrors.ErrUpstreamTokenInvalid.WithDetails("replay check unavailable")
	}
	if !fresh {
		return perrors.ErrUpstreamTokenInvalid.WithDetails("state response replayed")
	}

	return nil
}

func numericClaim(claims jwt.MapClaims, name string) (time.Time, bool) {
	switch v := claims[name].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	}
	return time.Time{}, false
}
