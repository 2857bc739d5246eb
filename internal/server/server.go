// Package server assembles the full request pipeline: routing, access
// checks, load-balanced forwarding and telemetry.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/oto-proxy/oto/internal/config"
	perrors "github.com/oto-proxy/oto/internal/errors"
	"github.com/oto-proxy/oto/internal/events"
	"github.com/oto-proxy/oto/internal/gate"
	"github.com/oto-proxy/oto/internal/logging"
	"github.com/oto-proxy/oto/internal/privateapps"
	"github.com/oto-proxy/oto/internal/proxy"
	"github.com/oto-proxy/oto/internal/router"
	"github.com/oto-proxy/oto/internal/seccom"
	"github.com/oto-proxy/oto/internal/stats"
)

const (
	requestIDHeader = "X-Otoroshi-Request-Id"

	wellKnownPrefix = "/.well-known/otoroshi/"

	trackingCookieMaxAge = 365 * 24 * time.Hour
)

// Server is the gateway's HTTP entry point.
type Server struct {
	view      *config.View
	router    *router.Router
	gate      *gate.Gate
	proxy     *proxy.Proxy
	live      *stats.LiveStats
	sink      events.Sink
	sessions  *privateapps.SessionStore
	wellKnown *httprouter.Router
	logger    *zap.Logger
}

// Deps bundles what the server needs from the rest of the gateway.
type Deps struct {
	View     *config.View
	Router   *router.Router
	Gate     *gate.Gate
	Proxy    *proxy.Proxy
	Live     *stats.LiveStats
	Sink     events.Sink
	Sessions *privateapps.SessionStore
	Metrics  *MetricsHandler
}

// New wires the pipeline and the reserved well-known routes.
func New(d Deps) *Server {
	s := &Server{
		view:     d.View,
		router:   d.Router,
		gate:     d.Gate,
		proxy:    d.Proxy,
		live:     d.Live,
		sink:     d.Sink,
		sessions: d.Sessions,
		logger:   logging.Named("server"),
	}

	wk := httprouter.New()
	wk.GET(wellKnownPrefix+"metrics", d.Metrics.Handle)
	wk.GET(wellKnownPrefix+"login", s.handleLogin)
	s.wellKnown = wk
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w.Header().Set(requestIDHeader, uuid.NewString())

	if strings.HasPrefix(r.URL.Path, wellKnownPrefix) {
		s.wellKnown.ServeHTTP(w, r)
		return
	}

	snap := s.view.Get()

	candidates := s.router.MatchAll(r.Host, r.URL.Path)
	if len(candidates) == 0 {
		s.writeError(w, r, nil, perrors.ErrServiceNotFound)
		return
	}

	// Several services may share a routing key, told apart only by
	// their API key routing constraints. Walk candidates in preference
	// order until one admits the request.
	var match *router.Match
	var decision *gate.Decision
	var denial *perrors.ProxyError

	for _, candidate := range candidates {
		if perr := s.preChecks(w, r, candidate.Service); perr != nil {
			if perr == errHandled {
				return
			}
			s.writeError(w, r, candidate.Service, perr)
			return
		}

		d, perr := s.gate.Check(r, candidate, snap)
		if perr == nil {
			match, decision = candidate, d
			break
		}
		denial = perr
		if perr.ErrorID != perrors.ErrApiKeyRouting.ErrorID {
			s.writeError(w, r, candidate.Service, perr)
			return
		}
	}
	if match == nil {
		s.writeError(w, r, candidates[0].Service, denial)
		return
	}

	svc := match.Service

	sessionID := s.trackingSession(w, r)

	var user *seccom.UserInfo
	if svc.PrivateApp {
		if u, ok := s.sessions.SessionFromRequest(r, svc.ID); ok {
			user = &seccom.UserInfo{Name: u.Name, Email: u.Email, Profile: u.Profile}
		}
	}

	finish := s.live.Begin(svc.ID)
	defer finish()

	forwardStart := time.Now()
	result := s.proxy.Forward(w, r, proxy.Call{
		Service:   svc,
		Public:    match.Public,
		ApiKey:    decision.ApiKey,
		User:      user,
		SessionID: sessionID,
		ClientIP:  decision.ClientIP,
	})
	forwardElapsed := time.Since(forwardStart)
	duration := time.Since(start)
	overhead := duration - forwardElapsed

	if result.Err != nil {
		s.writeError(w, r, svc, result.Err)
		s.live.Record(svc.ID, duration, overhead, result.DataIn, result.DataOut)
		return
	}

	s.live.Record(svc.ID, duration, overhead, result.DataIn, result.DataOut)
	s.sink.Publish(events.Event{
		Type:      events.GatewayCall,
		ServiceID: svc.ID,
		Host:      r.Host,
		Path:      r.URL.Path,
		Method:    r.Method,
		Status:    result.Status,
		Duration:  duration,
		Overhead:  overhead,
		DataIn:    result.DataIn,
		DataOut:   result.DataOut,
	})
}

// errHandled signals that preChecks already wrote the response.
var errHandled = &perrors.ProxyError{ErrorID: "handled"}

// preChecks applies the service mode switches before the access gate.
func (s *Server) preChecks(w http.ResponseWriter, r *http.Request, svc *config.ServiceDescriptor) *perrors.ProxyError {
	if svc.ForceHTTPS && r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		target := "https://" + r.Host + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusPermanentRedirect)
		return errHandled
	}
	if svc.MaintenanceMode {
		return perrors.New("errors.service.in.maintenance", http.StatusServiceUnavailable, "service is in maintenance")
	}
	if svc.BuildMode {
		return perrors.New("errors.service.under.construction", http.StatusServiceUnavailable, "service is under construction")
	}
	return nil
}

// trackingSession reads the sticky-balancing cookie, issuing one for a
// year when absent.
func (s *Server) trackingSession(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(config.TrackingCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     config.TrackingCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(trackingCookieMaxAge.Seconds()),
		HttpOnly: true,
	})
	return id
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, svc *config.ServiceDescriptor, perr *perrors.ProxyError) {
	serviceID := ""
	if svc != nil {
		serviceID = svc.ID
	}
	s.sink.Publish(events.Event{
		Type:      events.GatewayError,
		ServiceID: serviceID,
		Host:      r.Host,
		Path:      r.URL.Path,
		Method:    r.Method,
		Status:    perr.Code,
		Reason:    perr.ErrorID,
	})
	perr.WriteJSON(w)
}

// handleLogin is the private-app session-cookie setter. Query params:
// sessionId, redirectTo, host, cp (cookie suffix), ma (max-age seconds).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	redirectTo := q.Get("redirectTo")
	host := q.Get("host")
	cp := q.Get("cp")
	if sessionID == "" || redirectTo == "" || cp == "" {
		http.Error(w, "missing query parameters", http.StatusBadRequest)
		return
	}

	maxAge := privateapps.DefaultSessionTTL
	if ma := q.Get("ma"); ma != "" {
		if d, err := time.ParseDuration(ma + "s"); err == nil && d > 0 {
			maxAge = d
		}
	}

	s.sessions.Register(sessionID, maxAge)
	http.SetCookie(w, privateapps.NewSessionCookie(cp, sessionID, host, maxAge))
	s.sink.Publish(events.Event{Type: events.SessionCreated, Host: host, Reason: cp})
	http.Redirect(w, r, redirectTo, http.StatusFound)
}
