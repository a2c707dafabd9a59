// Package config loads heapguard settings from YAML and the environment and turns them into the
// options of the arena, the guard allocator and the event log.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapguard/arena"
	"github.com/vkngwrapper/heapguard/eventlog"
	"github.com/vkngwrapper/heapguard/guard"
	"github.com/vkngwrapper/heapguard/memutils/metadata"
	"gopkg.in/yaml.v3"
)

// Strategy names accepted by ArenaConfig.Strategy
const (
	StrategyMinMemory = "min-memory"
	StrategyMinTime   = "min-time"
	StrategyMinOffset = "min-offset"
)

// GuardConfig configures the guard allocator
type GuardConfig struct {
	CrashOnNull            bool     `yaml:"crashOnNull"`
	CrashOnCorruption      bool     `yaml:"crashOnCorruption"`
	FillAllocations        bool     `yaml:"fillAllocations"`
	DisableGuards          bool     `yaml:"disableGuards"`
	DisableResize          bool     `yaml:"disableResize"`
	ExternallySynchronized bool     `yaml:"externallySynchronized"`
	MinAlignment           uint     `yaml:"minAlignment"`
	GuardWidth             int      `yaml:"guardWidth"`
	TrackingCapacity       int      `yaml:"trackingCapacity"`
	MemoryLimit            ByteSize `yaml:"memoryLimit"`
	OOMGraphPath           string   `yaml:"oomGraphPath"`
}

// QuarantineConfig configures the delayed-free quarantine. A capacity of 0 disables it.
type QuarantineConfig struct {
	Capacity     int      `yaml:"capacity"`
	MaxBytes     ByteSize `yaml:"maxBytes"`
	MaxBlockSize ByteSize `yaml:"maxBlockSize"`
	RevokeAccess bool     `yaml:"revokeAccess"`
}

// FragmentationConfig configures the occupancy graph
type FragmentationConfig struct {
	BlockSize     ByteSize `yaml:"blockSize"`
	MaxCells      int      `yaml:"maxCells"`
	RowWidth      int      `yaml:"rowWidth"`
	UnusableBytes ByteSize `yaml:"unusableBytes"`
}

// ArenaConfig configures the backing arena
type ArenaConfig struct {
	RegionSize ByteSize `yaml:"regionSize"`
	MaxRegions int      `yaml:"maxRegions"`
	Strategy   string   `yaml:"strategy"`
}

// EventLogConfig configures the event log. An empty path disables it.
type EventLogConfig struct {
	Path       string   `yaml:"path"`
	BufferSize ByteSize `yaml:"bufferSize"`
}

// Config is the complete heapguard configuration tree
type Config struct {
	Guard         GuardConfig         `yaml:"guard"`
	Quarantine    QuarantineConfig    `yaml:"quarantine"`
	Fragmentation FragmentationConfig `yaml:"fragmentation"`
	Arena         ArenaConfig         `yaml:"arena"`
	EventLog      EventLogConfig      `yaml:"eventLog"`
}

// Default returns the configuration used when nothing overrides it: guards on, fatal corruption and
// out-of-memory, filled allocations and a modest quarantine
func Default() Config {
	return Config{
		Guard: GuardConfig{
			CrashOnNull:       true,
			CrashOnCorruption: true,
			FillAllocations:   true,
			MinAlignment:      16,
			GuardWidth:        16,
			TrackingCapacity:  65536,
		},
		Quarantine: QuarantineConfig{
			Capacity:     1024,
			MaxBytes:     16 << 20,
			MaxBlockSize: 1 << 20,
		},
		Fragmentation: FragmentationConfig{
			BlockSize: 4096,
			MaxCells:  256 * 1024,
			RowWidth:  512,
		},
		Arena: ArenaConfig{
			RegionSize: 64 << 20,
			MaxRegions: arena.MaxRegions,
			Strategy:   StrategyMinMemory,
		},
		EventLog: EventLogConfig{
			BufferSize: 64 << 10,
		},
	}
}

// Load reads a YAML file over the defaults, applies HEAPGUARD_* environment overrides and validates
// the result. Keys missing from the file keep their default values.
func Load(path string) (Config, error) {
	contents, err := os.ReadFile(filepath.Clean(strings.TrimSpace(path)))
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	cfg := Default()
	err = yaml.Unmarshal(contents, &cfg)
	if err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}

	err = overrideFromEnv(&cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.normalise()
	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// FromEnv returns the defaults with HEAPGUARD_* environment overrides applied
func FromEnv() (Config, error) {
	cfg := Default()
	err := overrideFromEnv(&cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.normalise()
	return cfg, nil
}

func (c *Config) normalise() {
	c.Arena.Strategy = strings.ToLower(strings.TrimSpace(c.Arena.Strategy))
	if c.Arena.Strategy == "" {
		c.Arena.Strategy = StrategyMinMemory
	}
	c.EventLog.Path = strings.TrimSpace(c.EventLog.Path)
	c.Guard.OOMGraphPath = strings.TrimSpace(c.Guard.OOMGraphPath)
}

// Validate performs semantic validation on the configuration
func (c Config) Validate() error {
	if c.Guard.MinAlignment == 0 || c.Guard.MinAlignment&(c.Guard.MinAlignment-1) != 0 {
		return errors.Newf("guard minAlignment must be a power of two, but was %d", c.Guard.MinAlignment)
	}
	if c.Guard.MinAlignment < 8 {
		return errors.Newf("guard minAlignment must be at least 8, but was %d", c.Guard.MinAlignment)
	}
	if !c.Guard.DisableGuards && (c.Guard.GuardWidth <= 0 || c.Guard.GuardWidth%8 != 0) {
		return errors.Newf("guard guardWidth must be a positive multiple of 8, but was %d", c.Guard.GuardWidth)
	}
	if c.Guard.TrackingCapacity <= 0 {
		return errors.Newf("guard trackingCapacity must be >0, but was %d", c.Guard.TrackingCapacity)
	}

	if c.Quarantine.Capacity < 0 {
		return errors.Newf("quarantine capacity must be >=0, but was %d", c.Quarantine.Capacity)
	}
	if c.Quarantine.RevokeAccess && c.Quarantine.Capacity == 0 {
		return errors.New("quarantine revokeAccess requires a capacity")
	}

	if c.Fragmentation.BlockSize < 0 || c.Fragmentation.MaxCells < 0 || c.Fragmentation.RowWidth < 0 {
		return errors.New("fragmentation sizes must not be negative")
	}

	if c.Arena.MaxRegions < 1 || c.Arena.MaxRegions > arena.MaxRegions {
		return errors.Newf("arena maxRegions must be between 1 and %d, but was %d", arena.MaxRegions, c.Arena.MaxRegions)
	}
	_, err := parseStrategy(c.Arena.Strategy)
	if err != nil {
		return err
	}

	if c.EventLog.Path != "" && c.EventLog.BufferSize != 0 && c.EventLog.BufferSize < 512 {
		return errors.Newf("eventLog bufferSize must be at least 512, but was %d", c.EventLog.BufferSize)
	}

	return nil
}

func parseStrategy(name string) (metadata.AllocationStrategy, error) {
	switch name {
	case StrategyMinMemory, "":
		return metadata.AllocationStrategyMinMemory, nil
	case StrategyMinTime:
		return metadata.AllocationStrategyMinTime, nil
	case StrategyMinOffset:
		return metadata.AllocationStrategyMinOffset, nil
	}

	return 0, errors.Newf("arena strategy must be one of %s, %s, %s, but was %q",
		StrategyMinMemory, StrategyMinTime, StrategyMinOffset, name)
}

// Flags returns the guard.CreateFlags the configuration turns on
func (c Config) Flags() guard.CreateFlags {
	var flags guard.CreateFlags
	if c.Guard.CrashOnNull {
		flags |= guard.CreateCrashOnNull
	}
	if c.Guard.CrashOnCorruption {
		flags |= guard.CreateCrashOnCorruption
	}
	if c.Guard.FillAllocations {
		flags |= guard.CreateFillAllocations
	}
	if c.Guard.DisableGuards {
		flags |= guard.CreateDisableGuards
	}
	if c.Guard.DisableResize {
		flags |= guard.CreateDisableResize
	}
	if c.Guard.ExternallySynchronized {
		flags |= guard.CreateExternallySynchronized
	}
	return flags
}

// GuardOptions converts the configuration into options for guard.New. sink may be nil.
func (c Config) GuardOptions(sink guard.EventSink) guard.CreateOptions {
	return guard.CreateOptions{
		Flags:            c.Flags(),
		MinAlignment:     c.Guard.MinAlignment,
		GuardWidth:       c.Guard.GuardWidth,
		TrackingCapacity: c.Guard.TrackingCapacity,
		Quarantine: guard.QuarantineOptions{
			Capacity:     c.Quarantine.Capacity,
			MaxBytes:     int(c.Quarantine.MaxBytes),
			MaxBlockSize: int(c.Quarantine.MaxBlockSize),
			RevokeAccess: c.Quarantine.RevokeAccess,
		},
		Fragmentation: guard.FragmentationOptions{
			BlockSize:     int(c.Fragmentation.BlockSize),
			MaxCells:      c.Fragmentation.MaxCells,
			RowWidth:      c.Fragmentation.RowWidth,
			UnusableBytes: int(c.Fragmentation.UnusableBytes),
		},
		MemoryLimit:  int(c.Guard.MemoryLimit),
		EventSink:    sink,
		OOMGraphPath: c.Guard.OOMGraphPath,
	}
}

// ArenaOptions converts the configuration into options for arena.New
func (c Config) ArenaOptions() (arena.Options, error) {
	strategy, err := parseStrategy(c.Arena.Strategy)
	if err != nil {
		return arena.Options{}, err
	}

	return arena.Options{
		RegionSize:             int(c.Arena.RegionSize),
		MaxRegions:             c.Arena.MaxRegions,
		Strategy:               strategy,
		ExternallySynchronized: c.Guard.ExternallySynchronized,
	}, nil
}

// LogOptions converts the configuration into options for eventlog.New
func (c Config) LogOptions() eventlog.Options {
	return eventlog.Options{BufferSize: int(c.EventLog.BufferSize)}
}
