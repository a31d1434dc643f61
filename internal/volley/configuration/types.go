package configuration

import (
	"time"
)

type VolleyConfig struct {
	// Port for the simulation API and webhook receiver.
	HttpPort    uint16
	MetricsPort uint16
	HealthPort  uint16

	Redis      RedisConfig
	Agent      AgentConfig
	Simulation SimulationConfig
	Reports    ReportsConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	Db       int
}

// AgentConfig describes how to reach the cloud agent admin API that
// provisions tenant wallets and relays messages through the mediator.
type AgentConfig struct {
	AdminUrl string
	ApiKey   string
	// Label prefix advertised on out-of-band invitations.
	Label string
	// Timeout for a single admin API call, including connection handshakes.
	RequestTimeout time.Duration
}

type SimulationConfig struct {
	// Maximum in-flight message sends per driver.
	MaxConcurrentMessages int
	// Maximum concurrent wallet-provisioning calls during agent creation.
	MaxConcurrentAgentCreation int
	// Pause per created agent before mesh building, to let the agent
	// finish registering with the mediator.
	AgentReadinessPause time.Duration
	// Wait after a run finishes before tenants are torn down, so that
	// in-flight delivery confirmations can still land.
	CleanupDelay time.Duration
	// Connection mesh retry policy.
	MeshMaxAttempts uint
	MeshRetryDelay  time.Duration
}

type ReportsConfig struct {
	Directory string
}
