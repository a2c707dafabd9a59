package config

// Option mutates a Config when applied via Apply
type Option func(*Config)

// Apply applies opts to a copy of base
func Apply(base Config, opts ...Option) Config {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithCrashPolicy sets whether out-of-memory and corruption panic
func WithCrashPolicy(onNull, onCorruption bool) Option {
	return func(c *Config) {
		c.Guard.CrashOnNull = onNull
		c.Guard.CrashOnCorruption = onCorruption
	}
}

// WithGuardWidth sets the guard width. 0 disables guards entirely.
func WithGuardWidth(width int) Option {
	return func(c *Config) {
		c.Guard.GuardWidth = width
		c.Guard.DisableGuards = width == 0
	}
}

// WithQuarantine sets the quarantine capacity and byte ceiling
func WithQuarantine(capacity int, maxBytes ByteSize) Option {
	return func(c *Config) {
		c.Quarantine.Capacity = capacity
		c.Quarantine.MaxBytes = maxBytes
	}
}

// WithEventLog enables the event log at path
func WithEventLog(path string) Option {
	return func(c *Config) {
		c.EventLog.Path = path
	}
}

// WithRegionSize sets the arena region size
func WithRegionSize(size ByteSize) Option {
	return func(c *Config) {
		if size > 0 {
			c.Arena.RegionSize = size
		}
	}
}

// WithMemoryLimit sets the memory limit reported through GetInfo
func WithMemoryLimit(limit ByteSize) Option {
	return func(c *Config) {
		c.Guard.MemoryLimit = limit
	}
}
