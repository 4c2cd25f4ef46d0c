// Package behavior provides ready-made peer behaviors: a seed that publishes
// a log of random blocks and leeches that replicate it from the swarm.
package behavior

import (
	"time"

	"github.com/signalsfoundry/swarm-simulator/core"
	"github.com/signalsfoundry/swarm-simulator/telemetry"
	"github.com/signalsfoundry/swarm-simulator/throttle"
)

const (
	DefaultTopic      = "mTopic"
	DefaultBlocks     = 45
	DefaultBlockSize  = 512 << 8
	DefaultParallel   = 4
	DefaultRetryDelay = time.Second
)

// Config parameterises block replication.
type Config struct {
	Topic     string
	Blocks    int
	BlockSize int
	// Parallel bounds the outstanding requests per connection.
	Parallel   int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.Blocks <= 0 {
		c.Blocks = DefaultBlocks
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.Parallel <= 0 {
		c.Parallel = DefaultParallel
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

func serve(pc *core.PeerContext, r *replica, topic string) {
	pc.Swarm().OnConnection(func(e *throttle.Endpoint, _ core.ConnectionInfo) {
		r.attach(e)
	})
	pc.Swarm().Join(topic, core.JoinOptions{Announce: true, Lookup: true})
}

// Seed appends cfg.Blocks random blocks to its log, joins the topic and
// completes. It keeps serving the log afterwards.
func Seed(cfg Config) core.InitFunc {
	cfg = cfg.withDefaults()
	return func(pc *core.PeerContext, done func(error)) {
		r, err := newReplica(pc, cfg)
		if err != nil {
			done(err)
			return
		}
		for seq := 0; seq < cfg.Blocks; seq++ {
			block := make([]byte, cfg.BlockSize)
			pc.Rand().Read(block)
			if err := r.put(seq, block); err != nil {
				done(err)
				return
			}
			pc.Signal("append", telemetry.Fields{"seq": seq + 1})
		}
		serve(pc, r, cfg.Topic)
		done(nil)
	}
}

// Leech joins the topic and completes once it holds every block. Blocks it
// already has are served to other leeches.
func Leech(cfg Config) core.InitFunc {
	cfg = cfg.withDefaults()
	return func(pc *core.PeerContext, done func(error)) {
		r, err := newReplica(pc, cfg)
		if err != nil {
			done(err)
			return
		}
		r.complete = func() { done(nil) }
		pc.OnTick(func(uint64, time.Duration) telemetry.Fields {
			return telemetry.Fields{"downloaded": r.count, "wires": len(r.wires)}
		})
		serve(pc, r, cfg.Topic)
	}
}
