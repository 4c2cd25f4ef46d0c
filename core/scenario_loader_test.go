// core/scenario_loader_test.go
package core

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/signalsfoundry/swarm-simulator/model"
)

const swarmScenario = `
{
  "name": "hypercore-swarm",
  "seed": 42,
  "interval_ms": 500,
  "speed": 0.1,
  "reserved_rate": 1024,
  "discovery_limit": 5,
  "roles": [
    {
      "name": "seed",
      "count": 1,
      "link_rate": 57344,
      "latency_ms": 100,
      "topic": "blocks",
      "params": { "blocks": 45 }
    },
    {
      "name": "leech",
      "behavior": "leech",
      "count": 20,
      "link_rate": 262144,
      "max_connections": 4,
      "latency_ms": 100,
      "topic": "blocks"
    },
    {
      "name": "observer",
      "behavior": "idle"
    }
  ]
}
`

func TestLoadScenario_PopulatesRoles(t *testing.T) {
	sc, err := LoadScenario(strings.NewReader(swarmScenario))
	if err != nil {
		t.Fatalf("LoadScenario returned error: %v", err)
	}

	want := &model.Scenario{
		Name:           "hypercore-swarm",
		Seed:           42,
		Interval:       500 * time.Millisecond,
		Speed:          0.1,
		ReservedRate:   1024,
		DiscoveryLimit: 5,
		Roles: []model.RoleSpec{
			{
				Name: "seed", Behavior: "seed", Count: 1, LinkRate: 57344,
				Latency: 100 * time.Millisecond, Topic: "blocks",
				Params: map[string]any{"blocks": float64(45)},
			},
			{
				Name: "leech", Behavior: "leech", Count: 20, LinkRate: 262144,
				MaxConnections: 4, Latency: 100 * time.Millisecond, Topic: "blocks",
			},
			{Name: "observer", Behavior: "idle", Count: 1},
		},
	}
	if diff := cmp.Diff(want, sc); diff != "" {
		t.Fatalf("scenario mismatch (-want +got):\n%s", diff)
	}
	if got := sc.PeerCount(); got != 22 {
		t.Errorf("PeerCount() = %d, want 22", got)
	}
}

func TestLoadScenario_Rejects(t *testing.T) {
	tests := map[string]string{
		"malformed":      `{"roles": [`,
		"unknown field":  `{"rolez": []}`,
		"empty name":     `{"roles": [{"name": " "}]}`,
		"duplicate role": `{"roles": [{"name": "a"}, {"name": "a"}]}`,
		"negative count": `{"roles": [{"name": "a", "count": -1}]}`,
		"negative rate":  `{"roles": [{"name": "a", "link_rate": -1}]}`,
		"negative pace":  `{"interval_ms": -5}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadScenario(strings.NewReader(payload)); err == nil {
				t.Fatalf("LoadScenario(%s) succeeded, want error", payload)
			}
		})
	}
}

func TestLoadScenarioFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/etc/swarm.json", []byte(swarmScenario), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sc, err := LoadScenarioFile(fs, "/etc/swarm.json")
	if err != nil {
		t.Fatalf("LoadScenarioFile returned error: %v", err)
	}
	if len(sc.Roles) != 3 {
		t.Fatalf("roles = %d, want 3", len(sc.Roles))
	}
	if _, err := LoadScenarioFile(fs, "/missing.json"); err == nil {
		t.Fatalf("LoadScenarioFile on a missing file succeeded")
	}
}

func TestScenarioOptions(t *testing.T) {
	sc, err := LoadScenario(strings.NewReader(swarmScenario))
	if err != nil {
		t.Fatalf("LoadScenario returned error: %v", err)
	}
	var o Options
	for _, opt := range ScenarioOptions(sc) {
		opt(&o)
	}
	o.applyDefaults()

	if o.Seed != 42 || o.ReservedRate != 1024 || o.DiscoveryLimit != 5 {
		t.Fatalf("options = seed %d, reserved %d, limit %d", o.Seed, o.ReservedRate, o.DiscoveryLimit)
	}
	if o.Interval != 500*time.Millisecond || o.Speed != 0.1 {
		t.Fatalf("pacing = %s x%v", o.Interval, o.Speed)
	}
	if ScenarioOptions(nil) != nil {
		t.Fatalf("ScenarioOptions(nil) != nil")
	}
}
