// Package config handles configuration loading for ragchat-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion, sensible defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from --config flag
//  2. Path from RAGCHAT_CONFIG environment variable
//  3. ./config.yaml (current directory)
//
// A .env file is loaded first so secrets can live outside the config file.
// Variables already present in the environment win.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${RAGCHAT_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  token_ttl: "168h"
//	rag:
//	  timeout: "60s"
//
// # Database Drivers
//
//   - sqlite: single-file store at database.path (default)
//   - mongo: MongoDB at database.mongo.uri; set transactions: true on replica sets
//   - memory: process-local, for tests and demos
package config
