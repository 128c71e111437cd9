// Package config handles configuration loading for mission-gateway.
//
// # Configuration File
//
// Location, first match wins:
//
//  1. The --config flag
//  2. Path from MISSION_GATEWAY_CONFIG
//  3. $XDG_CONFIG_HOME/mission-gateway/gateway.yaml (~/.config when unset)
//
// Files ending in .toml are parsed as TOML; anything else as YAML. A .env file
// in the same directory is loaded first and never overrides variables that are
// already set.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${MISSION_GATEWAY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"     # WebSocket, producer API, health, metrics
//	  grpc_addr: "0.0.0.0:50051"    # optional gRPC ingress
//	  cors_origins: ["*"]
//
//	instance:
//	  id: "gw-1"                    # origin tag on the bus; random when empty
//
//	auth:
//	  jwt_secret: "${MISSION_GATEWAY_JWT_SECRET}"   # at least 32 bytes
//	  issuer: ""
//	  audience: ""
//	  service_keys:
//	    - name: "rest-api"
//	      hash: "$2a$10$..."        # mission-gateway hash-key <name>
//
//	gateway:
//	  handshake_timeout: "10s"
//	  write_timeout: "10s"
//	  send_queue_size: 64
//	  max_message_bytes: 1048576
//	  frame_rate: 20
//	  frame_burst: 40
//
//	heartbeat:
//	  client_interval: "25s"
//	  timeout: "60s"                # at least 2x client_interval
//	  sweep_interval: "10s"
//
//	bus:
//	  driver: "redis"               # memory, redis, nats
//	  url: "redis://localhost:6379/0"
//	  topic: "mission-gateway:events"
//	  publish_queue_size: 1024
//	  publish_timeout: "2s"
//	  backoff_initial: "500ms"
//	  backoff_max: "30s"
//	  dedupe_ttl: "2m"
//	  dedupe_size: 10000
//
//	database:
//	  path: "/var/lib/mission-gateway/sessions.db"   # empty disables the ledger
//	  retention: "720h"                             # closed sessions older than this are pruned
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Durations use time.ParseDuration syntax. Everything except auth.jwt_secret
// has a default (see Default).
package config
