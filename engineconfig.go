package cage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds runtime configuration for a Cage. Mirrors the
// teacher's EngineConfig shape, trimmed to the knobs a host-application
// still needs once request pooling and multi-tenant dispatch are gone.
type EngineConfig struct {
	MemoryLimitMB    int // per-runtime memory limit; 0 means engine default
	ExecutionTimeout int // milliseconds before the pump loop gives up draining keep-alives
	MaxFetchRequests int // max outbound fetches per runCode call, 0 means unlimited
	FetchTimeoutSec  int // per-fetch timeout in seconds
	MaxResponseBytes int // max fetch response body size
	MaxScriptSizeKB  int // max source size runCode will accept, 0 means unlimited
}

// DefaultEngineConfig returns conservative defaults suitable for
// running untrusted scripts.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ExecutionTimeout: 30_000,
		MaxFetchRequests: 50,
		FetchTimeoutSec:  30,
		MaxResponseBytes: 25 * 1024 * 1024,
		MaxScriptSizeKB:  10 * 1024,
	}
}

// LoadEngineConfigYAML reads an EngineConfig from a YAML file. This is
// a convenience for embedders that want file-based configuration; the
// core itself never reads from disk.
func LoadEngineConfigYAML(path string) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cage: reading engine config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cage: parsing engine config %q: %w", path, err)
	}
	return cfg, nil
}
