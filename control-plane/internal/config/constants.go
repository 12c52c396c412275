// Package config provides configuration for the control plane.
//
// Constants here are the defaults; Config carries the values actually in
// effect.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags (applied by main)
// 2. Environment variables (BEATMON_*), including those from a .env file
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	server:
//	  addr: 0.0.0.0:3000
//	  time_zone: Europe/Amsterdam
//
//	auth:
//	  token_secret: beatmon-api-token
//
//	monitor:
//	  expected_interval: 30s
//	  sweep_interval: 5s
//	  retention: 720h
//	  devices:
//	    - name: sensor-1
//	      expected_interval: 10s
//	    - name: gateway-7
//
//	redis:
//	  url: redis://localhost:6379/0
//
//	database:
//	  url: postgres://beatmon@localhost/beatmon
//
//	mqtt:
//	  broker: tcp://localhost:1883
//
//	secrets:
//	  backend: 1password
//	  vault: Infrastructure
package config

import "time"

// Liveness defaults.
const (
	// DefaultExpectedInterval is how long a device may stay silent before it
	// is considered overdue, unless overridden per device.
	DefaultExpectedInterval = 30 * time.Second

	// DefaultSweepInterval is how often the sweeper re-evaluates devices.
	DefaultSweepInterval = 5 * time.Second

	// MinSweepInterval bounds the sweeper from spinning.
	MinSweepInterval = 100 * time.Millisecond
)

// HTTP server configuration.
const (
	// DefaultListenAddr is the address the API binds to.
	DefaultListenAddr = "0.0.0.0:3000"

	// RequestBodyMaxBytes caps request bodies. Beats carry their data in headers.
	RequestBodyMaxBytes = 4096

	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 30 * time.Second
	IdleTimeout       = 120 * time.Second

	// ShutdownTimeout is how long in-flight requests get to finish on shutdown.
	ShutdownTimeout = 10 * time.Second
)

// Pagination defaults for the activity endpoint.
const (
	// DefaultPaginationLimit is the default number of items returned
	// when no limit is specified.
	DefaultPaginationLimit = 50

	// MaxPaginationLimit is the maximum number of items that can be
	// requested in a single API call.
	MaxPaginationLimit = 500
)

// Cache TTLs for API response caching.
const (
	// CacheTTLInfo is the TTL for GET /api/info.
	CacheTTLInfo = 5 * time.Second

	// CacheTTLStats is the TTL for GET /api/stats.
	CacheTTLStats = 5 * time.Second

	// HealthCacheTTL is how long process samples are reused by /api/health.
	HealthCacheTTL = 30 * time.Second
)

// Activity log batching.
const (
	// ActivityQueueSize is the number of events buffered before new ones are dropped.
	ActivityQueueSize = 1024

	// ActivityBatchSize is the number of events written in one COPY.
	ActivityBatchSize = 100

	// ActivityFlushInterval is the longest an event waits before being written.
	ActivityFlushInterval = 2 * time.Second
)

// Connection configuration.
const (
	// DatabasePingTimeout is the timeout for database connectivity checks.
	DatabasePingTimeout = 5 * time.Second

	// BrokerReconnectDelay is the wait between broker reconnect attempts.
	BrokerReconnectDelay = 5 * time.Second
)

// Broker defaults for beat ingestion.
const (
	DefaultMQTTTopic    = "beatmon/beat/+"
	DefaultMQTTClientID = "beatmon-control-plane"
	DefaultNATSSubject  = "beatmon.beat.>"
	DefaultAMQPQueue    = "beatmon.beats"
	DefaultAMQPPrefetch = 50
)
