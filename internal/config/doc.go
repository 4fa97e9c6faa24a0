// Package config handles configuration loading for seance.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SEANCE_CONFIG environment variable
//  2. ./seance.yaml (current directory)
//  3. ~/.config/seance/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	engine:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	runs:
//	  init_timeout: "60s"
//	  permission_ceiling: "1h"
//	  heartbeat_interval: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "localhost:8787"
//
// Session store:
//
//	database:
//	  path: "./seance.db"
//
// Engine selection:
//
//	engine:
//	  kind: "anthropic"        # or "scripted" for credential-free demos
//	  api_key: "${ANTHROPIC_API_KEY}"
//	  model: "claude-sonnet-4-5"
//	  max_tokens: 8192
//
// Transcript history:
//
//	history:
//	  projects_dir: ""         # empty means ~/.claude/projects
//
// Logging:
//
//	logging:
//	  level: "info"            # debug, info, warn, error
//	  format: "text"           # text or json
package config
