package config

import (
	"testing"
	"time"
)

const sampleConfig = `
listen:
  httpAddr: ":8888"
logging:
  level: debug
global:
  env: prod
  trustXForwardedFor: true
services:
  - id: svc-1
    groupId: g1
    name: backend
    env: prod
    subdomain: api
    domain: oto.tools
    enabled: true
    targets:
      - host: 127.0.0.1:9000
        scheme: http
        weight: 3
      - host: 127.0.0.1:9001
        scheme: http
        weight: 2
    clientConfig:
      callTimeout: 5s
      retries: 2
    targetsLoadBalancing:
      type: RoundRobin
apikeys:
  - clientId: key-1
    clientSecret: ${TEST_LOADER_SECRET}
    clientName: app
    authorizedGroup: g1
    enabled: true
    throttlingQuota: 10
groups:
  - id: g1
    name: default
`

func TestParseConfig(t *testing.T) {
	t.Setenv("TEST_LOADER_SECRET", "s3cret")

	cfg, err := NewLoader().Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen.HTTPAddr != ":8888" {
		t.Errorf("httpAddr = %s", cfg.Listen.HTTPAddr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %s", cfg.Logging.Level)
	}
	if len(cfg.Services) != 1 {
		t.Fatalf("services = %d", len(cfg.Services))
	}

	svc := cfg.Services[0]
	if svc.ClientConfig.CallTimeout != 5*time.Second {
		t.Errorf("callTimeout = %v", svc.ClientConfig.CallTimeout)
	}
	if svc.Targets[0].Weight != 3 || svc.Targets[1].Weight != 2 {
		t.Errorf("weights = %d/%d", svc.Targets[0].Weight, svc.Targets[1].Weight)
	}

	// ${VAR} references expand from the environment.
	if cfg.ApiKeys[0].ClientSecret != "s3cret" {
		t.Errorf("secret = %q", cfg.ApiKeys[0].ClientSecret)
	}
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing service id", `
services:
  - subdomain: a
    domain: b.c
    targets: [{host: "h:1"}]
`},
		{"no targets", `
services:
  - id: s1
    subdomain: a
    domain: b.c
`},
		{"bad scheme", `
services:
  - id: s1
    subdomain: a
    domain: b.c
    targets: [{host: "h:1", scheme: ftp}]
`},
		{"duplicate service id", `
services:
  - id: s1
    subdomain: a
    domain: b.c
    targets: [{host: "h:1"}]
  - id: s1
    subdomain: x
    domain: b.c
    targets: [{host: "h:2"}]
`},
		{"bad ratio", `
services:
  - id: s1
    subdomain: a
    domain: b.c
    targets: [{host: "h:1"}]
    targetsLoadBalancing: {type: WeightedBestResponseTime, ratio: 1.5}
`},
		{"apikey without secret", `
apikeys:
  - clientId: k1
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewLoader().Parse([]byte(tt.yaml)); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestSnapshotLookups(t *testing.T) {
	t.Setenv("TEST_LOADER_SECRET", "x")
	cfg, err := NewLoader().Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	snap := NewSnapshot(cfg)
	if _, ok := snap.ApiKey("key-1"); !ok {
		t.Error("api key not indexed")
	}
	if _, ok := snap.ApiKey("ghost"); ok {
		t.Error("unknown key resolved")
	}
	if _, ok := snap.Group("g1"); !ok {
		t.Error("group not indexed")
	}

	view := NewView(snap)
	if view.Get() != snap {
		t.Error("view does not return the seeded snapshot")
	}
	next := NewSnapshot(cfg)
	view.Swap(next)
	if view.Get() != next {
		t.Error("swap did not take effect")
	}
}
