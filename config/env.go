package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

func lookupEnv(name string) (string, bool) {
	value, ok := os.LookupEnv(name)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func envBool(name string, target *bool) error {
	if value, ok := lookupEnv(name); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "%s", name)
		}
		*target = parsed
	}
	return nil
}

func envInt(name string, target *int) error {
	if value, ok := lookupEnv(name); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "%s", name)
		}
		*target = parsed
	}
	return nil
}

func envByteSize(name string, target *ByteSize) error {
	if value, ok := lookupEnv(name); ok {
		parsed, err := ParseByteSize(value)
		if err != nil {
			return errors.Wrapf(err, "%s", name)
		}
		*target = parsed
	}
	return nil
}

func envString(name string, target *string) {
	if value, ok := lookupEnv(name); ok {
		*target = value
	}
}

func overrideFromEnv(cfg *Config) error {
	var errs error
	errs = errors.CombineErrors(errs, envBool("HEAPGUARD_CRASH_ON_NULL", &cfg.Guard.CrashOnNull))
	errs = errors.CombineErrors(errs, envBool("HEAPGUARD_CRASH_ON_CORRUPTION", &cfg.Guard.CrashOnCorruption))
	errs = errors.CombineErrors(errs, envBool("HEAPGUARD_FILL_ALLOCATIONS", &cfg.Guard.FillAllocations))
	errs = errors.CombineErrors(errs, envBool("HEAPGUARD_DISABLE_GUARDS", &cfg.Guard.DisableGuards))
	errs = errors.CombineErrors(errs, envInt("HEAPGUARD_GUARD_WIDTH", &cfg.Guard.GuardWidth))
	errs = errors.CombineErrors(errs, envInt("HEAPGUARD_TRACKING_CAPACITY", &cfg.Guard.TrackingCapacity))
	errs = errors.CombineErrors(errs, envByteSize("HEAPGUARD_MEMORY_LIMIT", &cfg.Guard.MemoryLimit))
	envString("HEAPGUARD_OOM_GRAPH", &cfg.Guard.OOMGraphPath)

	errs = errors.CombineErrors(errs, envInt("HEAPGUARD_QUARANTINE_CAPACITY", &cfg.Quarantine.Capacity))
	errs = errors.CombineErrors(errs, envByteSize("HEAPGUARD_QUARANTINE_MAX_BYTES", &cfg.Quarantine.MaxBytes))
	errs = errors.CombineErrors(errs, envBool("HEAPGUARD_QUARANTINE_REVOKE", &cfg.Quarantine.RevokeAccess))

	errs = errors.CombineErrors(errs, envByteSize("HEAPGUARD_REGION_SIZE", &cfg.Arena.RegionSize))
	envString("HEAPGUARD_STRATEGY", &cfg.Arena.Strategy)

	envString("HEAPGUARD_EVENT_LOG", &cfg.EventLog.Path)
	errs = errors.CombineErrors(errs, envByteSize("HEAPGUARD_EVENT_LOG_BUFFER", &cfg.EventLog.BufferSize))

	return errs
}
