// core/scenario_loader.go
package core

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/signalsfoundry/swarm-simulator/model"
)

// internal JSON shapes – keep them unexported so we're free to evolve them.
type scenarioJSON struct {
	Name           string     `json:"name"`
	Seed           int64      `json:"seed"`
	IntervalMs     int64      `json:"interval_ms"`
	Speed          float64    `json:"speed"`
	DurationMs     int64      `json:"duration_ms"`
	ReservedRate   int64      `json:"reserved_rate"` // bytes/s per open channel
	DiscoveryLimit int        `json:"discovery_limit"`
	Roles          []roleJSON `json:"roles"`
}

type roleJSON struct {
	Name           string         `json:"name"`
	Behavior       string         `json:"behavior"` // defaults to name
	Count          *int           `json:"count"`    // optional; defaults to 1
	LinkRate       int64          `json:"link_rate"`
	MaxConnections int            `json:"max_connections"`
	LatencyMs      int64          `json:"latency_ms"`
	Topic          string         `json:"topic"`
	Params         map[string]any `json:"params"`
}

// LoadScenario reads a JSON scenario from r. Durations are given in
// milliseconds. Zero pacing and limit values are left for the simulator
// defaults to fill in.
func LoadScenario(r io.Reader) (*model.Scenario, error) {
	var payload scenarioJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}

	if payload.IntervalMs < 0 || payload.DurationMs < 0 || payload.Speed < 0 {
		return nil, fmt.Errorf("LoadScenario: negative pacing value")
	}

	sc := &model.Scenario{
		Name:           payload.Name,
		Seed:           payload.Seed,
		Interval:       time.Duration(payload.IntervalMs) * time.Millisecond,
		Speed:          payload.Speed,
		Duration:       time.Duration(payload.DurationMs) * time.Millisecond,
		ReservedRate:   payload.ReservedRate,
		DiscoveryLimit: payload.DiscoveryLimit,
		Roles:          make([]model.RoleSpec, 0, len(payload.Roles)),
	}

	seen := make(map[string]bool, len(payload.Roles))
	for i, js := range payload.Roles {
		name := strings.TrimSpace(js.Name)
		if name == "" {
			return nil, fmt.Errorf("LoadScenario: role %d has an empty name", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("LoadScenario: duplicate role %q", name)
		}
		seen[name] = true

		count := 1
		if js.Count != nil {
			count = *js.Count
		}
		if count < 0 {
			return nil, fmt.Errorf("LoadScenario: role %q: negative count", name)
		}
		if js.LinkRate < 0 || js.MaxConnections < 0 || js.LatencyMs < 0 {
			return nil, fmt.Errorf("LoadScenario: role %q: negative limit", name)
		}

		behavior := strings.TrimSpace(js.Behavior)
		if behavior == "" {
			behavior = name
		}
		sc.Roles = append(sc.Roles, model.RoleSpec{
			Name:           name,
			Behavior:       behavior,
			Count:          count,
			LinkRate:       js.LinkRate,
			MaxConnections: js.MaxConnections,
			Latency:        time.Duration(js.LatencyMs) * time.Millisecond,
			Topic:          js.Topic,
			Params:         js.Params,
		})
	}
	return sc, nil
}

// LoadScenarioFile reads a JSON scenario from path on fs.
func LoadScenarioFile(fs afero.Fs, path string) (*model.Scenario, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario %q: %w", path, err)
	}
	defer f.Close()
	return LoadScenario(f)
}

// ScenarioOptions maps the swarm-wide settings of sc onto simulator options.
func ScenarioOptions(sc *model.Scenario) []Option {
	if sc == nil {
		return nil
	}
	return []Option{
		WithSeed(sc.Seed),
		WithReservedRate(sc.ReservedRate),
		WithDiscoveryLimit(sc.DiscoveryLimit),
		WithDuration(sc.Duration),
		func(o *Options) {
			o.Interval = sc.Interval
			o.Speed = sc.Speed
		},
	}
}
