package gate

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oto-proxy/oto/internal/config"
)

func testSnapshot(keys ...config.ApiKey) *config.Snapshot {
	return config.NewSnapshot(&config.Config{ApiKeys: keys})
}

func enabledKey(id, secret, group string) config.ApiKey {
	return config.ApiKey{
		ClientID:        id,
		ClientSecret:    secret,
		AuthorizedGroup: group,
		Enabled:         true,
	}
}

func TestExtractCredentialsPrecedence(t *testing.T) {
	bearer := func() string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"clientId": "bearer-id"})
		raw, _ := token.SignedString([]byte("s"))
		return raw
	}()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Otoroshi-Token "+bearer)
	req.Header.Set(config.ClientIDHeader, "header-id")
	req.Header.Set(config.ClientSecretHeader, "header-secret")

	creds, ok := extractCredentials(req, config.ApiKeyConstraints{})
	if !ok || creds.clientID != "bearer-id" {
		t.Errorf("bearer should win, got %+v ok=%v", creds, ok)
	}

	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("basic-id:basic-secret")))
	creds, ok = extractCredentials(req, config.ApiKeyConstraints{})
	if !ok || creds.clientID != "basic-id" || creds.secret != "basic-secret" {
		t.Errorf("basic should beat headers, got %+v", creds)
	}

	req.Header.Del("Authorization")
	creds, ok = extractCredentials(req, config.ApiKeyConstraints{})
	if !ok || creds.clientID != "header-id" || creds.secret != "header-secret" {
		t.Errorf("headers should be last, got %+v", creds)
	}

	req.Header.Del(config.ClientIDHeader)
	if _, ok := extractCredentials(req, config.ApiKeyConstraints{}); ok {
		t.Error("no credentials should be found")
	}
}

func TestExtractCredentialsConstrainedSources(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(config.ClientIDHeader, "id")
	req.Header.Set(config.ClientSecretHeader, "secret")

	// Only basic auth enabled: headers are ignored.
	if _, ok := extractCredentials(req, config.ApiKeyConstraints{BasicAuth: true}); ok {
		t.Error("headers should be disabled when only basicAuth is enabled")
	}

	// Custom header names.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-My-Id", "id")
	req.Header.Set("X-My-Secret", "secret")
	creds, ok := extractCredentials(req, config.ApiKeyConstraints{
		CustomHeaders:   true,
		ClientIDHeader:  "X-My-Id",
		ClientSecHeader: "X-My-Secret",
	})
	if !ok || creds.clientID != "id" {
		t.Errorf("custom header names should apply, got %+v", creds)
	}
}

func TestAuthenticateApiKey(t *testing.T) {
	svc := &config.ServiceDescriptor{ID: "svc", GroupID: "g1"}
	snap := testSnapshot(
		enabledKey("good", "secret", "g1"),
		enabledKey("other-group", "secret", "g2"),
		config.ApiKey{ClientID: "disabled", ClientSecret: "secret", AuthorizedGroup: "g1"},
	)

	tests := []struct {
		name  string
		creds credentials
		want  bool
	}{
		{"valid", credentials{clientID: "good", secret: "secret"}, true},
		{"wrong secret", credentials{clientID: "good", secret: "nope"}, false},
		{"unknown id", credentials{clientID: "ghost", secret: "secret"}, false},
		{"disabled key", credentials{clientID: "disabled", secret: "secret"}, false},
		{"wrong group", credentials{clientID: "other-group", secret: "secret"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, perr := authenticateApiKey(snap, svc, tt.creds)
			if ok := perr == nil && key != nil; ok != tt.want {
				t.Errorf("got ok=%v (err=%v), want %v", ok, perr, tt.want)
			}
		})
	}
}

func TestAuthenticateApiKeyBearer(t *testing.T) {
	svc := &config.ServiceDescriptor{ID: "svc", GroupID: "g1"}
	snap := testSnapshot(enabledKey("k1", "the-secret", "g1"))

	sign := func(secret string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"clientId": "k1"})
		raw, _ := token.SignedString([]byte(secret))
		return raw
	}

	if _, perr := authenticateApiKey(snap, svc, credentials{clientID: "k1", bearerToken: sign("the-secret")}); perr != nil {
		t.Errorf("token signed with the client secret rejected: %v", perr)
	}
	if _, perr := authenticateApiKey(snap, svc, credentials{clientID: "k1", bearerToken: sign("wrong")}); perr == nil {
		t.Error("token signed with a different secret should be rejected")
	}
}

func TestCheckRoutingConstraints(t *testing.T) {
	key := &config.ApiKey{
		Tags:     []string{"user", "foo"},
		Metadata: map[string]string{"level": "2", "root": "true"},
	}

	tests := []struct {
		name    string
		routing config.ApiKeyRouting
		want    bool
	}{
		{"no constraints", config.ApiKeyRouting{}, true},
		{"oneTagIn hit", config.ApiKeyRouting{OneTagIn: []string{"admin", "user"}}, true},
		{"oneTagIn miss", config.ApiKeyRouting{OneTagIn: []string{"admin"}}, false},
		{"allTagsIn hit", config.ApiKeyRouting{AllTagsIn: []string{"user", "foo"}}, true},
		{"allTagsIn miss", config.ApiKeyRouting{AllTagsIn: []string{"user", "bar"}}, false},
		{"oneMetaIn hit", config.ApiKeyRouting{OneMetaIn: map[string]string{"level": "2"}}, true},
		{"oneMetaIn miss", config.ApiKeyRouting{OneMetaIn: map[string]string{"level": "9"}}, false},
		{"allMetaIn hit", config.ApiKeyRouting{AllMetaIn: map[string]string{"level": "2", "root": "true"}}, true},
		{"allMetaIn miss", config.ApiKeyRouting{AllMetaIn: map[string]string{"level": "2", "root": "false"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perr := checkRoutingConstraints(key, tt.routing)
			if ok := perr == nil; ok != tt.want {
				t.Errorf("got ok=%v, want %v", ok, tt.want)
			}
			if perr != nil && perr.Code != http.StatusNotFound {
				t.Errorf("routing failure should read as 404, got %d", perr.Code)
			}
		})
	}
}
