package sim

import (
	"math/rand"
	"time"
)

// SimulationConfig controls the realism of the simulated recorder link
type SimulationConfig struct {
	// MTU granted when the client requests a larger one
	MaxMTU int // Default: 247 (typical ESP32 negotiated value)

	// Connection timing (in milliseconds)
	MinConnectionDelay    int     // Default: 30ms
	MaxConnectionDelay    int     // Default: 100ms
	ConnectionFailureRate float64 // Default: 0 (failures are injected explicitly in tests)

	// Discovery timing (in milliseconds)
	MinDiscoveryDelay int // Default: 100ms
	MaxDiscoveryDelay int // Default: 500ms

	// Text responses are split into notifications of this many bytes (0 = MTU-3)
	ResponseFragmentSize int

	// Packet loss for download chunks. Lost chunks are never resent, which
	// is exactly the gap the client cannot detect.
	PacketLossRate float64 // Default: 0

	// Deterministic mode for testing
	Deterministic bool  // Default: false
	Seed          int64 // Random seed when Deterministic=true
}

// DefaultSimulationConfig returns realistic timing with a reliable radio
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		MaxMTU: 247,

		MinConnectionDelay:    30,
		MaxConnectionDelay:    100,
		ConnectionFailureRate: 0,

		MinDiscoveryDelay: 100,
		MaxDiscoveryDelay: 500,

		ResponseFragmentSize: 0,
		PacketLossRate:       0,

		Deterministic: false,
		Seed:          0,
	}
}

// PerfectSimulationConfig returns an instant, lossless config for tests
func PerfectSimulationConfig() *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.MinConnectionDelay = 0
	cfg.MaxConnectionDelay = 0
	cfg.MinDiscoveryDelay = 0
	cfg.MaxDiscoveryDelay = 0
	cfg.Deterministic = true
	return cfg
}

// simulator wraps the random source used for delays and loss
type simulator struct {
	config *SimulationConfig
	rng    *rand.Rand
}

func newSimulator(config *SimulationConfig) *simulator {
	if config == nil {
		config = DefaultSimulationConfig()
	}

	var rng *rand.Rand
	if config.Deterministic {
		rng = rand.New(rand.NewSource(config.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &simulator{config: config, rng: rng}
}

func (s *simulator) connectionDelay() time.Duration {
	return s.between(s.config.MinConnectionDelay, s.config.MaxConnectionDelay)
}

func (s *simulator) discoveryDelay() time.Duration {
	return s.between(s.config.MinDiscoveryDelay, s.config.MaxDiscoveryDelay)
}

func (s *simulator) shouldConnectionSucceed() bool {
	return s.rng.Float64() >= s.config.ConnectionFailureRate
}

func (s *simulator) shouldDropPacket() bool {
	return s.config.PacketLossRate > 0 && s.rng.Float64() < s.config.PacketLossRate
}

func (s *simulator) between(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	return time.Duration(minMs+s.rng.Intn(maxMs-minMs+1)) * time.Millisecond
}
