// Package config handles configuration loading for fte-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults: a missing file is an
// error, but every section has a working default for a local run.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	store:
//	  dsn: "${FTE_POSTGRES_DSN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	conversation:
//	  window: "24h"
//	dedup:
//	  retention: "168h"
//	  purge_interval: "1h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # operational API
//
// Storage (sqlite for a single instance, postgres for several):
//
//	store:
//	  backend: "sqlite"           # sqlite, postgres
//	  path: "/var/lib/fte/gateway.db"
//	  dsn: "${FTE_POSTGRES_DSN}"
//
// Event bus (memory for a single instance, kafka for several):
//
//	bus:
//	  backend: "memory"           # memory, kafka
//	  brokers: ["localhost:9092"]
//	  topic_prefix: "fte."
//	  group_id: "fte-gateway"
//
// Ticket processing:
//
//	worker:
//	  claim_ttl: "2m"
//	  max_retries: 3
//	  backoff: "200ms"
//	  sweep_interval: "1m"
//
// Pipeline tuning:
//
//	pipeline:
//	  knowledge_path: "/etc/fte/knowledge.toml"
//	  escalate_below: 0.3
//	  hostile_below: 0.2
//	  whatsapp_limit: 1000
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/fte/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Or start from defaults when no file is given:
//
//	cfg := config.Default()
package config
