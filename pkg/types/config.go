package types

// Config represents the main configuration for Arbor.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Crypto       CryptoConfig       `yaml:"crypto"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StoreConfig defines durable store settings.
type StoreConfig struct {
	Path string `yaml:"path"` // Path to the sqlite database file
}

// CryptoConfig defines encryption settings.
type CryptoConfig struct {
	IdentityPath string `yaml:"identity_path"` // Path to age identity file
}

// OrchestratorConfig defines lifecycle and restore tuning.
type OrchestratorConfig struct {
	// RestoreAttempts is how many times a single agent restore is retried
	// when its identifier is still registered by a prior incarnation.
	RestoreAttempts int `yaml:"restore_attempts"`
	// RetryBackoffMs is the delay between restore attempts.
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
	// QueueSize is the per-worker command queue capacity.
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Store: StoreConfig{
			Path: "./arbor.db",
		},
		Crypto: CryptoConfig{
			IdentityPath: "./arbor.key",
		},
		Orchestrator: OrchestratorConfig{
			RestoreAttempts: 3,
			RetryBackoffMs:  100,
			QueueSize:       64,
		},
	}
}
