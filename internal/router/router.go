// Package router maps (host, path) pairs to service descriptors.
package router

import (
	"net"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/oto-proxy/oto/internal/config"
	perrors "github.com/oto-proxy/oto/internal/errors"
	"github.com/oto-proxy/oto/internal/logging"
)

// hostPattern matches a request host against one exposed form of a service.
type hostPattern struct {
	exact string // lowercased full host, "" when wildcard
	// wildcard form: any single label + suffix
	suffix string // ".env.domain" or ".domain", lowercased
}

func (h hostPattern) matches(host string) bool {
	if h.exact != "" {
		return host == h.exact
	}
	if !strings.HasSuffix(host, h.suffix) {
		return false
	}
	label := strings.TrimSuffix(host, h.suffix)
	return label != "" && !strings.Contains(label, ".")
}

type route struct {
	svc       *config.ServiceDescriptor
	hosts     []hostPattern
	root      string
	wildcards int
	public    []*regexp.Regexp
	private   []*regexp.Regexp
}

// Match is the routing decision for one request.
type Match struct {
	Service *config.ServiceDescriptor
	// Public is true when the path hits a public pattern and no
	// private pattern. Public requests skip authentication.
	Public bool
}

// Router resolves requests against a compiled route table. The table is
// swapped wholesale on config reload; lookups never block.
type Router struct {
	defaultEnv string
	routes     atomic.Pointer[[]*route]
	logger     *zap.Logger
}

// New builds a router for the given default environment line.
func New(defaultEnv string) *Router {
	r := &Router{
		defaultEnv: defaultEnv,
		logger:     logging.Named("router"),
	}
	empty := []*route{}
	r.routes.Store(&empty)
	return r
}

// Rebuild compiles the snapshot's services into a fresh route table.
// Disabled services are left out entirely.
func (r *Router) Rebuild(snap *config.Snapshot) {
	routes := make([]*route, 0, len(snap.Services))
	for i := range snap.Services {
		svc := &snap.Services[i]
		if !svc.Enabled {
			continue
		}
		routes = append(routes, r.compile(svc))
	}
	// Pre-sort by preference so Match takes the first hit:
	// longest root, then fewest wildcards, then smallest id.
	sort.SliceStable(routes, func(a, b int) bool {
		ra, rb := routes[a], routes[b]
		if len(ra.root) != len(rb.root) {
			return len(ra.root) > len(rb.root)
		}
		if ra.wildcards != rb.wildcards {
			return ra.wildcards < rb.wildcards
		}
		return ra.svc.ID < rb.svc.ID
	})
	r.routes.Store(&routes)
	r.logger.Debug("Route table rebuilt", zap.Int("routes", len(routes)))
}

func (r *Router) compile(svc *config.ServiceDescriptor) *route {
	rt := &route{
		svc:  svc,
		root: svc.EffectiveRoot(),
	}

	sub := strings.ToLower(svc.Subdomain)
	domain := strings.ToLower(svc.Domain)
	env := strings.ToLower(svc.Env)
	wildcard := sub == "*"
	if wildcard {
		rt.wildcards = 1
	}

	if svc.ExposedDomain != "" {
		rt.hosts = append(rt.hosts, hostPattern{exact: strings.ToLower(svc.ExposedDomain)})
	} else {
		// Non-default lines answer only on the env-prefixed form.
		// Default-line services answer with and without the prefix.
		var suffixes []string
		if env != "" && env != strings.ToLower(r.defaultEnv) {
			suffixes = []string{"." + env + "." + domain}
		} else {
			suffixes = []string{"." + domain}
			if env != "" {
				suffixes = append(suffixes, "."+env+"."+domain)
			}
		}
		for _, sfx := range suffixes {
			if wildcard {
				rt.hosts = append(rt.hosts, hostPattern{suffix: sfx})
			} else {
				rt.hosts = append(rt.hosts, hostPattern{exact: sub + sfx})
			}
		}
	}

	rt.public = r.compilePatterns(svc.ID, svc.PublicPatterns)
	rt.private = r.compilePatterns(svc.ID, svc.PrivatePatterns)
	return rt
}

func (r *Router) compilePatterns(serviceID string, patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			r.logger.Warn("Invalid path pattern ignored",
				zap.String("service", serviceID),
				zap.String("pattern", p),
				zap.Error(err),
			)
			continue
		}
		out = append(out, re)
	}
	return out
}

// Match resolves the request to its best candidate or returns
// errors.service.not.found.
func (r *Router) Match(host, path string) (*Match, *perrors.ProxyError) {
	matches := r.MatchAll(host, path)
	if len(matches) == 0 {
		return nil, perrors.ErrServiceNotFound
	}
	return matches[0], nil
}

// MatchAll returns every matching service in preference order. Several
// services may share a routing key and be told apart only by their API
// key routing constraints, so callers walk the list until one admits
// the request.
func (r *Router) MatchAll(host, path string) []*Match {
	host = NormalizeHost(host)
	routes := *r.routes.Load()

	var matches []*Match
	for _, rt := range routes {
		if !strings.HasPrefix(path, rt.root) {
			continue
		}
		for _, h := range rt.hosts {
			if h.matches(host) {
				matches = append(matches, &Match{
					Service: rt.svc,
					Public:  isPublic(path, rt.public, rt.private),
				})
				break
			}
		}
	}
	return matches
}

// NormalizeHost lowercases the host and drops any port.
func NormalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func isPublic(path string, public, private []*regexp.Regexp) bool {
	hit := false
	for _, re := range public {
		if re.MatchString(path) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	for _, re := range private {
		if re.MatchString(path) {
			return false
		}
	}
	return true
}
