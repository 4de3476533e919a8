// Package manifest handles kestrel.toml engine configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/kestrelvm/kestrel/vm"
)

// Manifest represents a kestrel.toml configuration file.
type Manifest struct {
	Engine   EngineConfig   `toml:"engine"`
	Pool     PoolConfig     `toml:"pool"`
	Memory   MemoryConfig   `toml:"memory"`
	Security SecurityConfig `toml:"security"`

	// Dir is the directory containing the kestrel.toml file (set at load time).
	Dir string `toml:"-"`
}

// EngineConfig selects the execution strategy and its limits.
type EngineConfig struct {
	// Strategy is "auto", "interpret" or "compile".
	Strategy string `toml:"strategy"`
	// MaxSteps bounds instructions per run; zero means unbounded.
	MaxSteps uint64 `toml:"max-steps"`
	// Seed fixes the guest random stream for reproducible runs.
	Seed int64 `toml:"seed"`
	// NativeCall enables direct execution of compiled buffers.
	NativeCall bool `toml:"native-call"`
}

// PoolConfig sizes the executable buffer pool and code cache.
type PoolConfig struct {
	Buffers      int `toml:"buffers"`
	CacheEntries int `toml:"cache-entries"`
}

// MemoryConfig sizes the guest address space.
type MemoryConfig struct {
	Size int `toml:"size"`
}

// SecurityConfig controls the capability and taint policies.
type SecurityConfig struct {
	StrictTaint bool `toml:"strict-taint"`
	AllowCapNew bool `toml:"allow-cap-new"`
}

// Load parses a kestrel.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "kestrel.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Engine.Strategy == "" {
		m.Engine.Strategy = "auto"
	}
	if m.Security == (SecurityConfig{}) {
		m.Security.StrictTaint = true
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a kestrel.toml file, then
// loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "kestrel.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) validate() error {
	switch m.Engine.Strategy {
	case "auto", "interpret", "compile":
	default:
		return fmt.Errorf("unknown strategy %q", m.Engine.Strategy)
	}
	if m.Pool.Buffers < 0 {
		return fmt.Errorf("pool.buffers must not be negative")
	}
	if m.Memory.Size < 0 {
		return fmt.Errorf("memory.size must not be negative")
	}
	return nil
}

// EngineConfig converts the manifest into an engine configuration.
func (m *Manifest) EngineConfig() vm.Config {
	cfg := vm.Config{
		MemorySize:   m.Memory.Size,
		PoolBuffers:  m.Pool.Buffers,
		CacheEntries: m.Pool.CacheEntries,
		MaxSteps:     m.Engine.MaxSteps,
		Seed:         m.Engine.Seed,
		NativeCall:   m.Engine.NativeCall,
		StrictTaint:  m.Security.StrictTaint,
		AllowCapNew:  m.Security.AllowCapNew,
	}
	switch m.Engine.Strategy {
	case "interpret":
		cfg.Strategy = vm.StrategyInterpret
	case "compile":
		cfg.Strategy = vm.StrategyCompile
	default:
		cfg.Strategy = vm.StrategyAuto
	}
	return cfg
}
