// Package gorain is a BitTorrent swarm engine: add torrents, let Engine
// dial peers and exchange pieces, watch progress through view snapshots.
package gorain

import "github.com/cenkalti/gorain/internal/engine"

// Config holds every tunable of the engine, connection manager, and
// announcer; see internal/engine.Config for field documentation.
type Config = engine.Config

// DefaultConfig is the engine's zero-config baseline.
var DefaultConfig = engine.DefaultConfig

// LoadConfig reads filename as YAML over DefaultConfig; a missing file is
// not an error.
func LoadConfig(filename string) (*Config, error) { return engine.LoadConfig(filename) }
