package config

import (
	"strings"
	"time"
)

// Default header and cookie names of the wire contract.
const (
	DefaultStateRequestHeader  = "Otoroshi-State"
	DefaultStateResponseHeader = "Otoroshi-State-Resp"
	DefaultClaimRequestHeader  = "Otoroshi-Claim"
	ClientIDHeader             = "Otoroshi-Client-Id"
	ClientSecretHeader         = "Otoroshi-Client-Secret"
	TrackingCookieName         = "otoroshi-tracking"
	PrivateAppCookiePrefix     = "oto-papps"
)

// SecComVersion selects the challenge protocol generation.
type SecComVersion string

const (
	SecComV1 SecComVersion = "V1"
	SecComV2 SecComVersion = "V2"
)

// InfoTokenVersion selects the shape of the outbound claim token.
type InfoTokenVersion string

const (
	InfoTokenLegacy InfoTokenVersion = "Legacy"
	InfoTokenLatest InfoTokenVersion = "Latest"
)

// LoadBalancingType names a target selection policy.
type LoadBalancingType string

const (
	RoundRobin               LoadBalancingType = "RoundRobin"
	Random                   LoadBalancingType = "Random"
	Sticky                   LoadBalancingType = "Sticky"
	IPAddressHash            LoadBalancingType = "IpAddressHash"
	BestResponseTime         LoadBalancingType = "BestResponseTime"
	WeightedBestResponseTime LoadBalancingType = "WeightedBestResponseTime"
)

// LoadBalancing is the per-service policy plus its parameters.
type LoadBalancing struct {
	Type  LoadBalancingType `yaml:"type" json:"type"`
	Ratio float64           `yaml:"ratio" json:"ratio"` // WeightedBestResponseTime only, (0,1]
}

// TargetPredicate restricts a target to instances in a region/zone.
type TargetPredicate struct {
	Type   string `yaml:"type" json:"type"` // AllMatch, RegionMatch, ZoneMatch, RegionAndZoneMatch, NetworkLocation
	Region string `yaml:"region,omitempty" json:"region,omitempty"`
	Zone   string `yaml:"zone,omitempty" json:"zone,omitempty"`
}

// Matches evaluates the predicate against the current instance location.
func (p TargetPredicate) Matches(region, zone string) bool {
	switch p.Type {
	case "", "AllMatch":
		return true
	case "RegionMatch":
		return strings.EqualFold(p.Region, region)
	case "ZoneMatch":
		return strings.EqualFold(p.Zone, zone)
	case "RegionAndZoneMatch", "NetworkLocation":
		return strings.EqualFold(p.Region, region) && strings.EqualFold(p.Zone, zone)
	}
	return true
}

// Target is a single upstream endpoint.
type Target struct {
	Host      string          `yaml:"host" json:"host"` // host:port
	Scheme    string          `yaml:"scheme" json:"scheme"`
	Weight    int             `yaml:"weight" json:"weight"`
	IPAddress string          `yaml:"ipAddress,omitempty" json:"ipAddress,omitempty"` // DNS bypass
	Predicate TargetPredicate `yaml:"predicate" json:"predicate"`
}

// URL returns scheme://host for the target.
func (t Target) URL() string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + t.Host
}

// SecComHeaders overrides the default token header names per service.
type SecComHeaders struct {
	ClaimRequestName  string `yaml:"claimRequestName,omitempty" json:"claimRequestName,omitempty"`
	StateRequestName  string `yaml:"stateRequestName,omitempty" json:"stateRequestName,omitempty"`
	StateResponseName string `yaml:"stateResponseName,omitempty" json:"stateResponseName,omitempty"`
}

// ClaimHeader returns the effective claim token header name.
func (h SecComHeaders) ClaimHeader() string {
	if h.ClaimRequestName != "" {
		return h.ClaimRequestName
	}
	return DefaultClaimRequestHeader
}

// StateHeader returns the effective state token header name.
func (h SecComHeaders) StateHeader() string {
	if h.StateRequestName != "" {
		return h.StateRequestName
	}
	return DefaultStateRequestHeader
}

// StateRespHeader returns the effective state-response header name.
func (h SecComHeaders) StateRespHeader() string {
	if h.StateResponseName != "" {
		return h.StateResponseName
	}
	return DefaultStateResponseHeader
}

// AlgoSettings configures JWT signing/verification.
// HS uses Secret; RS/ES use PEM-encoded keys.
type AlgoSettings struct {
	Alg        string `yaml:"alg" json:"alg"` // HS256..HS512, RS256..RS512, ES256..ES512
	Secret     string `yaml:"secret,omitempty" json:"secret,omitempty"`
	PublicKey  string `yaml:"publicKey,omitempty" json:"publicKey,omitempty"`
	PrivateKey string `yaml:"privateKey,omitempty" json:"privateKey,omitempty"`
}

// TokenLocation tells a verifier where to find a token in the request.
type TokenLocation struct {
	Type   string `yaml:"type" json:"type"` // InHeader, InQueryParam, InCookie
	Name   string `yaml:"name" json:"name"`
	Remove string `yaml:"remove,omitempty" json:"remove,omitempty"` // prefix stripped from header values, e.g. "Bearer "
}

// VerificationSettings are claim checks applied after signature verification.
type VerificationSettings struct {
	Fields      map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`           // claim -> required value
	ArrayFields map[string]string `yaml:"arrayFields,omitempty" json:"arrayFields,omitempty"` // claim -> value the array must contain
}

// JwtVerifier validates caller-supplied JWTs before the request is forwarded.
type JwtVerifier struct {
	Enabled      bool                 `yaml:"enabled" json:"enabled"`
	Strict       bool                 `yaml:"strict" json:"strict"`
	Source       TokenLocation        `yaml:"source" json:"source"`
	AlgoSettings AlgoSettings         `yaml:"algoSettings" json:"algoSettings"`
	Verification VerificationSettings `yaml:"verificationSettings" json:"verificationSettings"`
}

// ApiKeyRouting matches request API keys by tags and metadata.
type ApiKeyRouting struct {
	OneTagIn  []string          `yaml:"oneTagIn,omitempty" json:"oneTagIn,omitempty"`
	AllTagsIn []string          `yaml:"allTagsIn,omitempty" json:"allTagsIn,omitempty"`
	OneMetaIn map[string]string `yaml:"oneMetaIn,omitempty" json:"oneMetaIn,omitempty"`
	AllMetaIn map[string]string `yaml:"allMetaIn,omitempty" json:"allMetaIn,omitempty"`
}

// HasConstraints reports whether any routing constraint is configured.
func (r ApiKeyRouting) HasConstraints() bool {
	return len(r.OneTagIn) > 0 || len(r.AllTagsIn) > 0 || len(r.OneMetaIn) > 0 || len(r.AllMetaIn) > 0
}

// ApiKeyConstraints controls where API keys are looked up and how they route.
type ApiKeyConstraints struct {
	Routing         ApiKeyRouting `yaml:"routing" json:"routing"`
	CustomHeaders   bool          `yaml:"customHeadersAuth" json:"customHeadersAuth"`
	BasicAuth       bool          `yaml:"basicAuth" json:"basicAuth"`
	JwtAuth         bool          `yaml:"jwtAuth" json:"jwtAuth"`
	ClientIDHeader  string        `yaml:"clientIdHeaderName,omitempty" json:"clientIdHeaderName,omitempty"`
	ClientSecHeader string        `yaml:"clientSecretHeaderName,omitempty" json:"clientSecretHeaderName,omitempty"`
}

// ClientConfig bounds a single proxied call.
type ClientConfig struct {
	CallTimeout          time.Duration `yaml:"callTimeout" json:"callTimeout"`
	IdleTimeout          time.Duration `yaml:"idleTimeout" json:"idleTimeout"`
	CallAndStreamTimeout time.Duration `yaml:"callAndStreamTimeout" json:"callAndStreamTimeout"`
	GlobalTimeout        time.Duration `yaml:"globalTimeout" json:"globalTimeout"`
	Retries              int           `yaml:"retries" json:"retries"`
}

// WithDefaults fills zero fields with the stock client settings.
func (c ClientConfig) WithDefaults() ClientConfig {
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.CallAndStreamTimeout == 0 {
		c.CallAndStreamTimeout = 120 * time.Second
	}
	if c.GlobalTimeout == 0 {
		c.GlobalTimeout = 30 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 1
	}
	return c
}

// IPFiltering holds allow/deny lists of exact IPs, a.b.c.* wildcards or CIDRs.
type IPFiltering struct {
	Whitelist []string `yaml:"whitelist,omitempty" json:"whitelist,omitempty"`
	Blacklist []string `yaml:"blacklist,omitempty" json:"blacklist,omitempty"`
}

// RestrictionPath is a (method, path-regex) pair. Method "*" matches any.
type RestrictionPath struct {
	Method string `yaml:"method" json:"method"`
	Path   string `yaml:"path" json:"path"`
}

// Restrictions gate requests by method+path before authentication.
type Restrictions struct {
	Enabled   bool              `yaml:"enabled" json:"enabled"`
	AllowLast bool              `yaml:"allowLast" json:"allowLast"`
	Allowed   []RestrictionPath `yaml:"allowed,omitempty" json:"allowed,omitempty"`
	Forbidden []RestrictionPath `yaml:"forbidden,omitempty" json:"forbidden,omitempty"`
	NotFound  []RestrictionPath `yaml:"notFound,omitempty" json:"notFound,omitempty"`
}

// ServiceDescriptor is a configured virtual service.
type ServiceDescriptor struct {
	ID        string `yaml:"id" json:"id"`
	GroupID   string `yaml:"groupId" json:"groupId"`
	Name      string `yaml:"name" json:"name"`
	Env       string `yaml:"env" json:"env"`
	Subdomain string `yaml:"subdomain" json:"subdomain"`
	Domain    string `yaml:"domain" json:"domain"`
	Root      string `yaml:"root,omitempty" json:"root,omitempty"`
	// Matched against the request host verbatim when set.
	ExposedDomain string `yaml:"exposedDomain,omitempty" json:"exposedDomain,omitempty"`

	Enabled         bool `yaml:"enabled" json:"enabled"`
	MaintenanceMode bool `yaml:"maintenanceMode" json:"maintenanceMode"`
	BuildMode       bool `yaml:"buildMode" json:"buildMode"`
	ForceHTTPS      bool `yaml:"forceHttps" json:"forceHttps"`
	PrivateApp      bool `yaml:"privateApp" json:"privateApp"`

	Targets []Target `yaml:"targets" json:"targets"`
	// Path prefix prepended on the upstream side.
	TargetRoot string `yaml:"targetRoot,omitempty" json:"targetRoot,omitempty"`

	PublicPatterns  []string `yaml:"publicPatterns,omitempty" json:"publicPatterns,omitempty"`
	PrivatePatterns []string `yaml:"privatePatterns,omitempty" json:"privatePatterns,omitempty"`

	EnforceSecureCommunication bool             `yaml:"enforceSecureCommunication" json:"enforceSecureCommunication"`
	SendStateChallenge         bool             `yaml:"sendStateChallenge" json:"sendStateChallenge"`
	SendInfoToken              bool             `yaml:"sendInfoToken" json:"sendInfoToken"`
	SecComTTL                  time.Duration    `yaml:"secComTtl" json:"secComTtl"`
	SecComVersion              SecComVersion    `yaml:"secComVersion" json:"secComVersion"`
	SecComInfoTokenVersion     InfoTokenVersion `yaml:"secComInfoTokenVersion" json:"secComInfoTokenVersion"`
	SecComSettings             AlgoSettings     `yaml:"secComSettings" json:"secComSettings"`
	SecComHeaders              SecComHeaders    `yaml:"secComHeaders" json:"secComHeaders"`

	AdditionalHeaders map[string]string `yaml:"additionalHeaders,omitempty" json:"additionalHeaders,omitempty"`

	APIKeyConstraints    ApiKeyConstraints `yaml:"apiKeyConstraints" json:"apiKeyConstraints"`
	ClientConfig         ClientConfig      `yaml:"clientConfig" json:"clientConfig"`
	IPFiltering          IPFiltering       `yaml:"ipFiltering" json:"ipFiltering"`
	TargetsLoadBalancing LoadBalancing     `yaml:"targetsLoadBalancing" json:"targetsLoadBalancing"`
	JWTVerifier          *JwtVerifier      `yaml:"jwtVerifier,omitempty" json:"jwtVerifier,omitempty"`
	Restrictions         Restrictions      `yaml:"restrictions" json:"restrictions"`
	AuthConfigRef        string            `yaml:"authConfigRef,omitempty" json:"authConfigRef,omitempty"`
}

// EffectiveDomain is the host the service is exposed on, before any env prefix.
func (s *ServiceDescriptor) EffectiveDomain() string {
	if s.ExposedDomain != "" {
		return s.ExposedDomain
	}
	return s.Subdomain + "." + s.Domain
}

// EffectiveRoot returns the service root path, "/" when unset.
func (s *ServiceDescriptor) EffectiveRoot() string {
	if s.Root == "" {
		return "/"
	}
	return s.Root
}

// ApiKey authenticates a calling application against a service group.
type ApiKey struct {
	ClientID        string            `yaml:"clientId" json:"clientId"`
	ClientSecret    string            `yaml:"clientSecret" json:"clientSecret"`
	ClientName      string            `yaml:"clientName" json:"clientName"`
	AuthorizedGroup string            `yaml:"authorizedGroup" json:"authorizedGroup"`
	Enabled         bool              `yaml:"enabled" json:"enabled"`
	Tags            []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	Metadata        map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	ThrottlingQuota int64             `yaml:"throttlingQuota" json:"throttlingQuota"` // calls per second
	DailyQuota      int64             `yaml:"dailyQuota" json:"dailyQuota"`
	MonthlyQuota    int64             `yaml:"monthlyQuota" json:"monthlyQuota"`
}

// HasTag reports whether the key carries the given tag.
func (k *ApiKey) HasTag(tag string) bool {
	for _, t := range k.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ServiceGroup groups services for API key authorization.
type ServiceGroup struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Certificate is a stored TLS certificate. Chains reference parents by id.
type Certificate struct {
	ID       string `yaml:"id" json:"id"`
	Chain    string `yaml:"chain" json:"chain"`
	Key      string `yaml:"privateKey" json:"privateKey"`
	CARef    string `yaml:"caRef,omitempty" json:"caRef,omitempty"`
	Domain   string `yaml:"domain,omitempty" json:"domain,omitempty"`
	SelfSign bool   `yaml:"selfSigned" json:"selfSigned"`
}

// GlobalConfig holds site-wide defaults.
type GlobalConfig struct {
	Env                    string `yaml:"env" json:"env"` // default line, e.g. "prod"
	BackOfficeAuthRef      string `yaml:"backOfficeAuthRef,omitempty" json:"backOfficeAuthRef,omitempty"`
	MetricsEnabled         bool   `yaml:"metricsEnabled" json:"metricsEnabled"`
	MetricsAccessKey       string `yaml:"metricsAccessKey,omitempty" json:"metricsAccessKey,omitempty"`
	AutoLinkToDefaultGroup bool   `yaml:"autoLinkToDefaultGroup" json:"autoLinkToDefaultGroup"`
	SnowMonkeyConfigRef    string `yaml:"snowMonkeyConfigRef,omitempty" json:"snowMonkeyConfigRef,omitempty"`
	TrustXForwardedFor     bool   `yaml:"trustXForwardedFor" json:"trustXForwardedFor"`
	Region                 string `yaml:"region,omitempty" json:"region,omitempty"`
	Zone                   string `yaml:"zone,omitempty" json:"zone,omitempty"`
}

// ListenConfig configures the inbound listeners.
type ListenConfig struct {
	HTTPAddr    string `yaml:"httpAddr" json:"httpAddr"`
	HTTPSAddr   string `yaml:"httpsAddr,omitempty" json:"httpsAddr,omitempty"`
	TLSCertFile string `yaml:"tlsCertFile,omitempty" json:"tlsCertFile,omitempty"`
	TLSKeyFile  string `yaml:"tlsKeyFile,omitempty" json:"tlsKeyFile,omitempty"`
}

// RedisConfig configures the optional shared datastore.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db" json:"db"`
}

// ClusterConfig configures peer stats aggregation.
type ClusterConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Leader          bool          `yaml:"leader" json:"leader"`
	NodeID          string        `yaml:"nodeId,omitempty" json:"nodeId,omitempty"`
	PublishInterval time.Duration `yaml:"publishInterval" json:"publishInterval"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Config is the root configuration document.
type Config struct {
	Listen   ListenConfig        `yaml:"listen" json:"listen"`
	Logging  LoggingConfig       `yaml:"logging" json:"logging"`
	Global   GlobalConfig        `yaml:"global" json:"global"`
	Redis    RedisConfig         `yaml:"redis" json:"redis"`
	Cluster  ClusterConfig       `yaml:"cluster" json:"cluster"`
	Services []ServiceDescriptor `yaml:"services" json:"services"`
	ApiKeys  []ApiKey            `yaml:"apikeys" json:"apikeys"`
	Groups   []ServiceGroup      `yaml:"groups" json:"groups"`
	Certs    []Certificate       `yaml:"certificates,omitempty" json:"certificates,omitempty"`
}
