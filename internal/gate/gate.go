package gate

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/oto-proxy/oto/internal/config"
	perrors "github.com/oto-proxy/oto/internal/errors"
	"github.com/oto-proxy/oto/internal/events"
	"github.com/oto-proxy/oto/internal/logging"
	"github.com/oto-proxy/oto/internal/quota"
	"github.com/oto-proxy/oto/internal/router"
)

// Decision carries what the gate learned about an admitted request.
type Decision struct {
	ApiKey    *config.ApiKey
	Remaining quota.Remaining
	ClientIP  string
}

// Gate runs the ordered access checks for one request.
type Gate struct {
	quotas *quota.Checker
	sink   events.Sink
	logger *zap.Logger
}

// New creates a gate backed by the given quota checker and event sink.
func New(quotas *quota.Checker, sink events.Sink) *Gate {
	return &Gate{
		quotas: quotas,
		sink:   sink,
		logger: logging.Named("gate"),
	}
}

// Check admits or rejects the request. Checks run in a fixed order and
// the first failure wins: IP filter, restrictions, public
// short-circuit, JWT verifier, API key, routing constraints, quotas.
func (g *Gate) Check(r *http.Request, m *router.Match, snap *config.Snapshot) (*Decision, *perrors.ProxyError) {
	svc := m.Service
	addr := ClientIP(r, snap.Global.TrustXForwardedFor)
	d := &Decision{ClientIP: addr}

	if perr := checkIPFiltering(svc.IPFiltering, addr); perr != nil {
		return nil, g.deny(r, svc, "ip-filter", perr)
	}

	if perr := checkRestrictions(svc.Restrictions, r.Method, r.URL.Path); perr != nil {
		return nil, g.deny(r, svc, "restrictions", perr)
	}

	if m.Public {
		return d, nil
	}

	if perr := checkJwtVerifier(r, svc.JWTVerifier); perr != nil {
		return nil, g.deny(r, svc, "jwt-verifier", perr)
	}

	creds, found := extractCredentials(r, svc.APIKeyConstraints)
	if !found {
		return nil, g.deny(r, svc, "apikey", perrors.ErrAuthRequired)
	}

	key, perr := authenticateApiKey(snap, svc, creds)
	if perr != nil {
		return nil, g.deny(r, svc, "apikey", perr)
	}

	if perr := checkRoutingConstraints(key, svc.APIKeyConstraints.Routing); perr != nil {
		return nil, g.deny(r, svc, "apikey-routing", perr)
	}

	remaining, perr := g.quotas.Consume(r.Context(), key)
	if perr != nil {
		return nil, g.deny(r, svc, "quota", perr)
	}

	d.ApiKey = key
	d.Remaining = remaining
	return d, nil
}

func (g *Gate) deny(r *http.Request, svc *config.ServiceDescriptor, stage string, perr *perrors.ProxyError) *perrors.ProxyError {
	g.sink.Publish(events.Event{
		Type:      events.AccessDenied,
		ServiceID: svc.ID,
		Host:      r.Host,
		Path:      r.URL.Path,
		Method:    r.Method,
		Reason:    stage + ": " + perr.ErrorID,
		Status:    perr.Code,
	})
	return perr
}
