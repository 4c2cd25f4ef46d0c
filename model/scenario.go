package model

import "time"

// RoleSpec describes a group of identical peers in a scenario file. The
// behavior is referenced by name and resolved by the caller.
type RoleSpec struct {
	Name           string
	Behavior       string
	Count          int
	LinkRate       int64 // bytes per second
	MaxConnections int
	Latency        time.Duration
	Topic          string
	Params         map[string]any
}

// Scenario is a complete simulation description: pacing, swarm-wide limits
// and the roles to launch.
type Scenario struct {
	Name string
	Seed int64

	Interval time.Duration
	Speed    float64
	Duration time.Duration

	ReservedRate   int64 // bytes per second reserved per open channel
	DiscoveryLimit int

	Roles []RoleSpec
}

// PeerCount returns the number of peers the scenario launches.
func (s *Scenario) PeerCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, r := range s.Roles {
		n += r.Count
	}
	return n
}
