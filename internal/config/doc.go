// Package config handles configuration loading for run-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults; the
// file itself is optional, so the gateway runs in local mode with no
// configuration at all.
//
// # Mode Selection
//
// The most important setting is coordinator.url. When it is set the
// gateway forwards every run lifecycle operation to that upstream run
// coordinator; when it is empty the gateway tracks runs in process
// memory. The decision is made once at load time via Mode() and never
// changes while the process runs.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	coordinator:
//	  bearer_token: "${RUN_COORDINATOR_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Environment Overrides
//
// A handful of settings can be supplied directly through the
// environment, winning over file values:
//
//	RUNGW_HTTP_ADDR          server.http_addr
//	RUNGW_COORDINATOR_URL    coordinator.url
//	RUNGW_COORDINATOR_TOKEN  coordinator.bearer_token
//	RUNGW_AUTH_SECRET        auth.jwt_secret
//	RUNGW_AUDIT_DB           audit.db_path
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	coordinator:
//	  request_timeout: "30s"
//	  retry_backoff: "200ms"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "localhost:8080"
//	  shutdown_timeout: "5s"
//
// Upstream coordinator (empty url selects local mode):
//
//	coordinator:
//	  url: "https://coordinator.example.com"
//	  bearer_token: "${RUN_COORDINATOR_TOKEN}"
//	  request_timeout: "30s"
//	  get_retries: 2
//	  retry_backoff: "200ms"
//
// Authentication (empty secret disables auth and ownership checks):
//
//	auth:
//	  jwt_secret: "${RUNGW_AUTH_SECRET}"
//	  token_ttl: "24h"
//
// Streaming:
//
//	stream:
//	  buffer: 64       # per-subscriber event queue
//	  heartbeat: "15s" # SSE keepalive comment interval
//
// Local-mode simulated driver:
//
//	local:
//	  simulate: false
//	  start_after: "150ms"
//	  finish_after: "2s"
//
// Audit ledger (empty path disables auditing):
//
//	audit:
//	  db_path: "/var/lib/run-gateway/audit.db"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "run-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/run-gateway/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Defaults plus environment only:
//
//	cfg, err := config.Load("")
package config
