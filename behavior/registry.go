package behavior

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/swarm-simulator/core"
	"github.com/signalsfoundry/swarm-simulator/model"
)

var (
	// ErrUnknownBehavior is returned when a role names a behavior that is not
	// registered.
	ErrUnknownBehavior = errors.New("unknown behavior")
	// ErrDuplicateBehavior is returned when a name is registered twice.
	ErrDuplicateBehavior = errors.New("behavior already registered")
	// ErrInvalidParam is returned for role parameters of the wrong type.
	ErrInvalidParam = errors.New("invalid behavior parameter")
)

// Factory builds the init function of a role from its scenario spec.
type Factory func(spec model.RoleSpec) (core.InitFunc, error)

// Registry maps behavior names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default returns a registry holding the built-in seed and leech behaviors.
func Default() *Registry {
	r := NewRegistry()
	_ = r.Register("seed", func(spec model.RoleSpec) (core.InitFunc, error) {
		cfg, err := ConfigFromSpec(spec)
		if err != nil {
			return nil, err
		}
		return Seed(cfg), nil
	})
	_ = r.Register("leech", func(spec model.RoleSpec) (core.InitFunc, error) {
		cfg, err := ConfigFromSpec(spec)
		if err != nil {
			return nil, err
		}
		return Leech(cfg), nil
	})
	return r
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("register %q: missing name or factory", name)
	}
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateBehavior)
	}
	r.factories[name] = f
	return nil
}

// Names returns the registered behavior names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Roles resolves every role of sc into a launchable core.Role.
func (r *Registry) Roles(sc *model.Scenario) ([]core.Role, error) {
	if sc == nil {
		return nil, nil
	}
	roles := make([]core.Role, 0, len(sc.Roles))
	for _, spec := range sc.Roles {
		f, ok := r.factories[spec.Behavior]
		if !ok {
			return nil, fmt.Errorf("role %q: %w: %q", spec.Name, ErrUnknownBehavior, spec.Behavior)
		}
		fn, err := f(spec)
		if err != nil {
			return nil, fmt.Errorf("role %q: %w", spec.Name, err)
		}
		roles = append(roles, core.Role{
			Name:           spec.Name,
			Count:          spec.Count,
			LinkRate:       spec.LinkRate,
			MaxConnections: spec.MaxConnections,
			Latency:        spec.Latency,
			Init:           fn,
		})
	}
	return roles, nil
}

// ConfigFromSpec reads the replication settings of a role: the role topic
// and the "blocks", "block_size", "parallel" and "retry_ms" parameters.
func ConfigFromSpec(spec model.RoleSpec) (Config, error) {
	cfg := Config{Topic: spec.Topic}
	var err error
	if cfg.Blocks, err = intParam(spec.Params, "blocks"); err != nil {
		return Config{}, err
	}
	if cfg.BlockSize, err = intParam(spec.Params, "block_size"); err != nil {
		return Config{}, err
	}
	if cfg.Parallel, err = intParam(spec.Params, "parallel"); err != nil {
		return Config{}, err
	}
	retry, err := intParam(spec.Params, "retry_ms")
	if err != nil {
		return Config{}, err
	}
	cfg.RetryDelay = time.Duration(retry) * time.Millisecond
	return cfg.withDefaults(), nil
}

// intParam returns params[key] as an int, or 0 when it is absent. Numbers
// decoded from JSON arrive as float64 and must be whole.
func intParam(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%s = %v: %w", key, n, ErrInvalidParam)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%s has type %T: %w", key, v, ErrInvalidParam)
	}
}
