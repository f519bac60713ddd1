// Package config handles configuration loading for courier-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion, then the conventional service
// environment variables are applied on top. A missing file yields the
// defaults plus the environment.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COURIER_CONFIG environment variable
//  2. ~/.config/courier/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COURIER_JWT_SECRET}"
//
// # Environment Overrides
//
//	PORT                      server.http_addr port
//	SESSION_DIR               storage.path
//	SESSION_INACTIVE_TIMEOUT  sessions.inactivity_timeout
//	SESSION_CHECK_INTERVAL    sessions.sweep_interval
//	RECONNECT_DELAY           sessions.reconnect_delay
//	LOG_LEVEL                 logging.level
//	COURIER_STORAGE_DRIVER    storage.driver
//	COURIER_DB_PATH           storage.database_path
//	REDIS_ADDR                storage.redis_addr
//	MATRIX_HOMESERVER         client.homeserver
//
// # Duration Parsing
//
// Durations use Go's time.ParseDuration syntax. A bare integer is read as
// milliseconds:
//
//	sessions:
//	  inactivity_timeout: "24h"
//	  sweep_interval: "1h"
//	  reconnect_delay: "5s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:3000"
//	  grpc_addr: "0.0.0.0:50051"   # optional health service
//
//	storage:
//	  driver: "file"               # file, sqlite, redis, memory
//	  path: "./sessions"
//	  encryption_key: "${COURIER_STORAGE_KEY}"
//
//	client:
//	  backend: "matrix"
//	  homeserver: "https://matrix.example.org"
//	  pairing_redirect_url: "https://gw.example.org/api/sessions/{session}/pair"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
