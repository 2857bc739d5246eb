package gate

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oto-proxy/oto/internal/config"
	perrors "github.com/oto-proxy/oto/internal/errors"
)

const bearerScheme = "Otoroshi-Token "

type credentials struct {
	clientID string
	// secret is empty for bearer tokens, which prove possession of the
	// secret through their signature instead.
	secret      string
	bearerToken string
}

// extractCredentials picks the first credential source present on the
// request: signed bearer token, basic auth, then client id/secret
// headers. Per-service constraints can disable individual sources.
func extractCredentials(r *http.Request, c config.ApiKeyConstraints) (credentials, bool) {
	// With no source explicitly enabled, all of them are accepted.
	allowAll := !c.JwtAuth && !c.BasicAuth && !c.CustomHeaders

	auth := r.Header.Get("Authorization")

	if allowAll || c.JwtAuth {
		if strings.HasPrefix(auth, bearerScheme) {
			raw := strings.TrimSpace(strings.TrimPrefix(auth, bearerScheme))
			if clientID := unverifiedClientID(raw); clientID != "" {
				return credentials{clientID: clientID, bearerToken: raw}, true
			}
		}
	}

	if allowAll || c.BasicAuth {
		if strings.HasPrefix(auth, "Basic ") {
			decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
			if err == nil {
				if id, secret, ok := strings.Cut(string(decoded), ":"); ok {
					return credentials{clientID: id, secret: secret}, true
				}
			}
		}
	}

	if allowAll || c.CustomHeaders {
		idHeader := c.ClientIDHeader
		if idHeader == "" {
			idHeader = config.ClientIDHeader
		}
		secHeader := c.ClientSecHeader
		if secHeader == "" {
			secHeader = config.ClientSecretHeader
		}
		id := r.Header.Get(idHeader)
		secret := r.Header.Get(secHeader)
		if id != "" && secret != "" {
			return credentials{clientID: id, secret: secret}, true
		}
	}

	return credentials{}, false
}

// unverifiedClientID peeks at the token claims to find which key to
// verify against. The signature is checked later with that key's secret.
func unverifiedClientID(raw string) string {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	if id, ok := claims["clientId"].(string); ok && id != "" {
		return id
	}
	if iss, ok := claims["iss"].(string); ok {
		return iss
	}
	return ""
}

// authenticateApiKey resolves and checks the key for the credentials.
func authenticateApiKey(snap *config.Snapshot, svc *config.ServiceDescriptor, creds credentials) (*config.ApiKey, *perrors.ProxyError) {
	key, ok := snap.ApiKey(creds.clientID)
	if !ok || !key.Enabled {
		return nil, perrors.ErrApiKeyInvalid
	}

	if creds.bearerToken != "" {
		if _, err := jwt.Parse(creds.bearerToken, func(t *jwt.Token) (any, error) {
			return []byte(key.ClientSecret), nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})); err != nil {
			return nil, perrors.ErrApiKeyInvalid
		}
	} else if creds.secret != key.ClientSecret {
		return nil, perrors.ErrApiKeyInvalid
	}

	if key.AuthorizedGroup != svc.GroupID {
		return nil, perrors.ErrApiKeyInvalid
	}

	return key, nil
}

// checkRoutingConstraints matches the key's tags and metadata against
// the service constraints. Failures read as service-not-found so a
// caller cannot probe which constraints exist.
func checkRoutingConstraints(key *config.ApiKey, routing config.ApiKeyRouting) *perrors.ProxyError {
	if !routing.HasConstraints() {
		return nil
	}

	if len(routing.OneTagIn) > 0 {
		found := false
		for _, tag := range routing.OneTagIn {
			if key.HasTag(tag) {
				found = true
				break
			}
		}
		if !found {
			return perrors.ErrApiKeyRouting
		}
	}

	for _, tag := range routing.AllTagsIn {
		if !key.HasTag(tag) {
			return perrors.ErrApiKeyRouting
		}
	}

	if len(routing.OneMetaIn) > 0 {
		found := false
		for k, v := range routing.OneMetaIn {
			if key.Metadata[k] == v {
				found = true
				break
			}
		}
		if !found {
			return perrors.ErrApiKeyRouting
		}
	}

	for k, v := range routing.AllMetaIn {
		if key.Metadata[k] != v {
			return perrors.ErrApiKeyRouting
		}
	}

	return nil
}
