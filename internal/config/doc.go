// Package config provides startup configuration for the AgentMesh daemon.
// Settings are loaded from a single JSON file with sensible defaults applied,
// covering the admin API, plugin registry policy, runtime limits, storage
// backends, audit sinks, and chain definitions.
package config
