package seccom

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oto-proxy/oto/internal/config"
	"github.com/oto-proxy/oto/internal/datastore"
)

const secComSecret = "seccom-secret"

func secureService(ttl time.Duration, version config.SecComVersion) *config.ServiceDescriptor {
	return &config.ServiceDescriptor{
		ID:                         "svc",
		Subdomain:                  "api",
		Domain:                     "oto.tools",
		EnforceSecureCommunication: true,
		SendStateChallenge:         true,
		SendInfoToken:              true,
		SecComTTL:                  ttl,
		SecComVersion:              version,
		SecComSettings:             config.AlgoSettings{Alg: "HS256", Secret: secComSecret},
	}
}

func stateResponse(t *testing.T, state string, iat time.Time, lifetime time.Duration) *http.Response {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"state-resp": state,
		"iat":        iat.Unix(),
		"exp":        iat.Add(lifetime).Unix(),
	})
	raw, err := token.SignedString([]byte(secComSecret))
	if err != nil {
		t.Fatal(err)
	}
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set(config.DefaultStateResponseHeader, raw)
	return resp
}

func TestIssueStateAndClaimTokens(t *testing.T) {
	e := NewExchange(datastore.NewMemoryStore())
	svc := secureService(10*time.Second, config.SecComV2)
	key := &config.ApiKey{ClientID: "k1", ClientName: "app one", Tags: []string{"a"}}
	now := time.Now()

	issued, err := e.Issue(svc, key, nil, now)
	if err != nil {
		t.Fatal(err)
	}
	if issued.State == "" || issued.StateToken == "" || issued.ClaimToken == "" {
		t.Fatalf("incomplete issue: %+v", issued)
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(issued.StateToken, claims, func(*jwt.Token) (any, error) {
		return []byte(secComSecret), nil
	}); err != nil {
		t.Fatalf("state token does not verify: %v", err)
	}
	if claims["state"] != issued.State {
		t.Errorf("state claim = %v, want %s", claims["state"], issued.State)
	}
	exp, _ := numericClaim(claims, "exp")
	iat, _ := numericClaim(claims, "iat")
	if got := exp.Sub(iat); got != 10*time.Second {
		t.Errorf("state token lifetime = %v, want 10s", got)
	}
}

func TestIssueFreshStatePerAttempt(t *testing.T) {
	e := NewExchange(datastore.NewMemoryStore())
	svc := secureService(10*time.Second, config.SecComV2)
	now := time.Now()

	first, _ := e.Issue(svc, nil, nil, now)
	second, _ := e.Issue(svc, nil, nil, now)
	if first.State == second.State {
		t.Error("two attempts shared a state value")
	}
}

func TestClaimTokenShapes(t *testing.T) {
	e := NewExchange(datastore.NewMemoryStore())
	key := &config.ApiKey{ClientID: "k1", ClientName: "app", Metadata: map[string]string{"m": "1"}}
	now := time.Now()

	legacy := secureService(10*time.Second, config.SecComV1)
	legacy.SecComInfoTokenVersion = config.InfoTokenLegacy
	issued, err := e.Issue(legacy, key, nil, now)
	if err != nil {
		t.Fatal(err)
	}
	claims := decodeClaims(t, issued.ClaimToken)
	if claims["name"] != "app" {
		t.Errorf("legacy name = %v", claims["name"])
	}
	if _, ok := claims["app_metadata"]; !ok {
		t.Error("legacy shape should carry app_metadata")
	}
	if _, ok := claims["access_type"]; ok {
		t.Error("legacy shape should not carry access_type")
	}

	latest := secureService(10*time.Second, config.SecComV1)
	latest.SecComInfoTokenVersion = config.InfoTokenLatest
	issued, _ = e.Issue(latest, key, nil, now)
	claims = decodeClaims(t, issued.ClaimToken)
	if claims["access_type"] != "apikey" {
		t.Errorf("access_type = %v, want apikey", claims["access_type"])
	}
	apikey, ok := claims["apikey"].(map[string]any)
	if !ok || apikey["clientId"] != "k1" {
		t.Errorf("apikey claim = %v", claims["apikey"])
	}

	user := &UserInfo{Name: "Jo", Email: "jo@example.com"}
	issued, _ = e.Issue(latest, nil, user, now)
	claims = decodeClaims(t, issued.ClaimToken)
	if claims["access_type"] != "user" {
		t.Errorf("access_type = %v, want user", claims["access_type"])
	}
	if claims["sub"] != "jo@example.com" {
		t.Errorf("sub = %v", claims["sub"])
	}
}

func decodeClaims(t *testing.T, raw string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secComSecret), nil
	}); err != nil {
		t.Fatalf("claim token does not verify: %v", err)
	}
	return claims
}

func TestValidateResponseTTLBound(t *testing.T) {
	e := NewExchange(datastore.NewMemoryStore())
	svc := secureService(10*time.Second, config.SecComV2)
	ctx := context.Background()
	now := time.Now()

	// Declared lifetime of 20s on a 10s exchange is rejected.
	resp := stateResponse(t, "state-1", now, 20*time.Second)
	if perr := e.ValidateResponse(ctx, svc, "state-1", resp, now); perr == nil {
		t.Error("lifetime above ttl should be rejected")
	} else if perr.ErrorID != "errors.upstream.token.invalid" {
		t.Errorf("error id = %s", perr.ErrorID)
	}

	// Exactly the ttl passes.
	resp = stateResponse(t, "state-2", now, 10*time.Second)
	if perr := e.ValidateResponse(ctx, svc, "state-2", resp, now); perr != nil {
		t.Errorf("lifetime equal to ttl rejected: %v", perr)
	}
}

func TestValidateResponseChecks(t *testing.T) {
	e := NewExchange(datastore.NewMemoryStore())
	svc := secureService(10*time.Second, config.SecComV2)
	ctx := context.Background()
	now := time.Now()

	// Missing header.
	resp := &http.Response{Header: http.Header{}}
	if perr := e.ValidateResponse(ctx, svc, "s", resp, now); perr == nil {
		t.Error("missing header should be rejected")
	}

	// Wrong state value.
	resp = stateResponse(t, "other", now, 5*time.Second)
	if perr := e.ValidateResponse(ctx, svc, "expected", resp, now); perr == nil {
		t.Error("state mismatch should be rejected")
	}

	// Expired token.
	resp = stateResponse(t, "s-exp", now.Add(-time.Minute), 5*time.Second)
	if perr := e.ValidateResponse(ctx, svc, "s-exp", resp, now); perr == nil {
		t.Error("expired token should be rejected")
	}

	// Wrong signature.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"state-resp": "s-sig",
		"iat":        now.Unix(),
		"exp":        now.Add(5 * time.Second).Unix(),
	})
	raw, _ := token.SignedString([]byte("other-secret"))
	resp = &http.Response{Header: http.Header{}}
	resp.Header.Set(config.DefaultStateResponseHeader, raw)
	if perr := e.ValidateResponse(ctx, svc, "s-sig", resp, now); perr == nil {
		t.Error("foreign signature should be rejected")
	}
}

func TestValidateResponseReplay(t *testing.T) {
	e := NewExchange(datastore.NewMemoryStore())
	svc := secureService(10*time.Second, config.SecComV2)
	ctx := context.Background()
	now := time.Now()

	resp := stateResponse(t, "replayed", now, 5*time.Second)
	if perr := e.ValidateResponse(ctx, svc, "replayed", resp, now); perr != nil {
		t.Fatalf("first response rejected: %v", perr)
	}
	if perr := e.ValidateResponse(ctx, svc, "replayed", resp, now); perr == nil {
		t.Error("second response with the same state should be rejected")
	}
}

func TestValidateResponseSkippedForV1(t *testing.T) {
	e := NewExchange(datastore.NewMemoryStore())
	svc := secureService(10*time.Second, config.SecComV1)
	resp := &http.Response{Header: http.Header{}}
	if perr := e.ValidateResponse(context.Background(), svc, "s", resp, time.Now()); perr != nil {
		t.Errorf("V1 should not validate responses: %v", perr)
	}
}
