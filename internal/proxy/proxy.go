package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oto-proxy/oto/internal/config"
	perrors "github.com/oto-proxy/oto/internal/errors"
	"github.com/oto-proxy/oto/internal/headers"
	"github.com/oto-proxy/oto/internal/loadbalancer"
	"github.com/oto-proxy/oto/internal/logging"
	"github.com/oto-proxy/oto/internal/seccom"
)

// hopByHopHeaders never cross the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Call describes one admitted request handed to the proxy.
type Call struct {
	Service *config.ServiceDescriptor
	// Public requests skip the secure-communication exchange.
	Public    bool
	ApiKey    *config.ApiKey
	User      *seccom.UserInfo
	SessionID string
	ClientIP  string
}

// Result reports what the proxy did with a call.
type Result struct {
	Status   int
	DataIn   int64
	DataOut  int64
	Target   config.Target
	Attempts int
	Err      *perrors.ProxyError
}

// Proxy streams requests to their targets.
type Proxy struct {
	pool     *TransportPool
	selector *loadbalancer.Selector
	exchange *seccom.Exchange
	logger   *zap.Logger
}

// New creates a proxy over the shared transport pool, selector and
// secure-communication exchange.
func New(pool *TransportPool, selector *loadbalancer.Selector, exchange *seccom.Exchange) *Proxy {
	return &Proxy{
		pool:     pool,
		selector: selector,
		exchange: exchange,
		logger:   logging.Named("proxy"),
	}
}

// Forward proxies the request, retrying retryable upstream failures on
// distinct targets until clientConfig.retries attempts are spent.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, call Call) Result {
	svc := call.Service
	cfg := svc.ClientConfig.WithDefaults()

	ctx := r.Context()
	if cfg.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.GlobalTimeout)
		defer cancel()
	}

	inBody := &countingReader{r: r.Body}
	r.Body = io.NopCloser(inBody)

	attempts := cfg.Retries
	if attempts < 1 {
		attempts = 1
	}

	tried := make(map[string]bool)
	var result Result

	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt

		target, err := p.selector.Select(svc, call.SessionID, call.ClientIP, tried)
		if err != nil {
			result.Err = perrors.ErrUpstreamConnect.WithDetails("no target available")
			break
		}
		tried[target.URL()] = true
		result.Target = target

		perr, done := p.attempt(ctx, w, r, call, target, cfg, &result)
		if perr == nil {
			result.DataIn = inBody.count()
			return result
		}
		result.Err = perr

		// Once bytes reached the client the response cannot restart.
		if done {
			break
		}
		if !perrors.Retryable(perr) || attempt == attempts {
			break
		}
		// A consumed request body cannot be replayed to another target.
		if inBody.count() > 0 {
			break
		}
		p.logger.Debug("Retrying on next target",
			zap.String("service", svc.ID),
			zap.String("target", target.URL()),
			zap.String("reason", perr.ErrorID),
		)
	}

	result.DataIn = inBody.count()
	return result
}

// attempt runs one upstream call. done reports whether response bytes
// were already written to the client.
func (p *Proxy) attempt(ctx context.Context, w http.ResponseWriter, r *http.Request, call Call, target config.Target, cfg config.ClientConfig, result *Result) (*perrors.ProxyError, bool) {
	svc := call.Service
	start := time.Now()

	outReq, issued, perr := p.buildRequest(ctx, r, call, target)
	if perr != nil {
		return perr, false
	}

	transport := p.pool.Transport(target, cfg.CallTimeout)
	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		return classifyTransportError(ctx, err), false
	}

	if issued != nil && issued.State != "" {
		if perr := p.exchange.ValidateResponse(ctx, svc, issued.State, resp, time.Now()); perr != nil {
			resp.Body.Close()
			return perr, false
		}
	}

	p.selector.ObserveResponseTime(svc.ID, target, time.Since(start))

	// Response headers.
	outHeaders := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			outHeaders.Add(name, v)
		}
	}
	for _, h := range hopByHopHeaders {
		outHeaders.Del(h)
	}
	outHeaders.Del(svc.SecComHeaders.StateRespHeader())

	w.WriteHeader(resp.StatusCode)
	result.Status = resp.StatusCode

	// Body streaming under idleTimeout and callAndStreamTimeout. A cut
	// stream truncates the client copy but keeps the received status.
	var deadline time.Time
	if cfg.CallAndStreamTimeout > 0 {
		deadline = start.Add(cfg.CallAndStreamTimeout)
	}
	body := newTimeoutReader(resp.Body, cfg.IdleTimeout, deadline)
	n, copyErr := io.Copy(w, body)
	body.Close()
	resp.Body.Close()
	result.DataOut += n

	if copyErr != nil && !errors.Is(copyErr, errStreamTimeout) {
		p.logger.Debug("Response stream ended early",
			zap.String("service", svc.ID),
			zap.Error(copyErr),
		)
	}
	return nil, true
}

// buildRequest rewrites the inbound request for the target and attaches
// the forwarding and secure-communication headers.
func (p *Proxy) buildRequest(ctx context.Context, r *http.Request, call Call, target config.Target) (*http.Request, *seccom.Issued, *perrors.ProxyError) {
	svc := call.Service

	outURL := &url.URL{
		Scheme:   target.Scheme,
		Host:     target.Host,
		Path:     rewritePath(svc, r.URL.Path),
		RawQuery: r.URL.RawQuery,
	}
	if outURL.Scheme == "" {
		outURL.Scheme = "http"
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), r.Body)
	if err != nil {
		return nil, nil, perrors.ErrInternal.WithDetails("request rewrite failed")
	}
	outReq.ContentLength = r.ContentLength

	for name, values := range r.Header {
		for _, v := range values {
			outReq.Header.Add(name, v)
		}
	}
	for _, h := range hopByHopHeaders {
		outReq.Header.Del(h)
	}
	outReq.Host = target.Host

	// Standard forwarding headers.
	prior := r.Header.Get("X-Forwarded-For")
	if prior != "" {
		outReq.Header.Set("X-Forwarded-For", prior+", "+call.ClientIP)
	} else {
		outReq.Header.Set("X-Forwarded-For", call.ClientIP)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	outReq.Header.Set("X-Forwarded-Proto", proto)
	outReq.Header.Set("X-Forwarded-Host", r.Host)

	// Secure communication tokens.
	var issued *seccom.Issued
	if svc.EnforceSecureCommunication && !call.Public {
		issued, err = p.exchange.Issue(svc, call.ApiKey, call.User, time.Now())
		if err != nil {
			return nil, nil, perrors.ErrInternal.WithDetails("token issuing failed")
		}
		if issued.StateToken != "" {
			outReq.Header.Set(svc.SecComHeaders.StateHeader(), issued.StateToken)
		}
		if issued.ClaimToken != "" {
			outReq.Header.Set(svc.SecComHeaders.ClaimHeader(), issued.ClaimToken)
		}
	}

	headers.Apply(outReq.Header, svc.AdditionalHeaders, headers.Context{
		ApiKey:  call.ApiKey,
		User:    call.User,
		Request: r,
	})

	return outReq, issued, nil
}

// rewritePath swaps the service root for the target root.
func rewritePath(svc *config.ServiceDescriptor, path string) string {
	rest := strings.TrimPrefix(path, svc.EffectiveRoot())
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	if svc.TargetRoot == "" {
		return rest
	}
	return strings.TrimSuffix(svc.TargetRoot, "/") + rest
}

// classifyTransportError maps round-trip failures onto the stable
// upstream error kinds.
func classifyTransportError(ctx context.Context, err error) *perrors.ProxyError {
	if ctx.Err() != nil {
		return perrors.ErrUpstreamTimeout.WithDetails("request deadline exceeded")
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return perrors.ErrUpstreamTimeout.WithDetails("upstream did not answer in time")
	}
	if strings.Contains(err.Error(), "timeout awaiting response headers") {
		return perrors.ErrUpstreamTimeout.WithDetails("upstream did not answer in time")
	}
	return perrors.ErrUpstreamConnect.WithDetails("upstream connection failed")
}
