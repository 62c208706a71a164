// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a YAML (or TOML, by file extension) file with
// environment variable expansion. Load applies defaults before validating, so
// a file containing only database.path is a working configuration.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// # Environment Variable Expansion
//
//	generator:
//	  api_key: "${OPENAI_API_KEY}"
//
// # Durations and Schedules
//
// Durations use time.ParseDuration syntax; sweeper schedules are cron specs
// (including descriptors such as "@every 10s"):
//
//	relay:
//	  typing_ttl: "10s"
//	  typing_sweep: "@every 10s"
//	  reap_schedule: "@every 5m"
//	  stale_after: "5m"
//	  reply_delay: "3s"
//	  dedupe_window: "5m"
//
// # Agents
//
// The roster is upserted into the store at startup:
//
//	agents:
//	  - id: agent-ada
//	    name: Ada
//	    role: lead
package config
