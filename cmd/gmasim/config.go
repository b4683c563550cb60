package main

import (
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/vkngwrapper/gfxmem/gma"
)

const envPrefix = "GMASIM_"

type simConfig struct {
	Settings gma.Settings

	Workers  int
	Ops      int
	Seed     int64
	HeapSize int
	Detailed bool
}

func defaultSimConfig() simConfig {
	return simConfig{
		Settings: gma.DefaultSettings(),
		Workers:  4,
		Ops:      1000,
		Seed:     1,
		HeapSize: 256 * 1024 * 1024,
	}
}

// loadSettingsFile replaces the config's settings with those decoded from a TOML file
func (c *simConfig) loadSettingsFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open settings file %s", path)
	}
	defer file.Close()

	settings, err := gma.LoadSettings(file)
	if err != nil {
		return errors.Wrapf(err, "failed to load settings file %s", path)
	}

	c.Settings = settings
	return nil
}

// loadEnvFile applies GMASIM_* values from a .env file. The process environment is not touched.
func (c *simConfig) loadEnvFile(path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read env file %s", path)
	}

	return c.applyEnv(values)
}

func (c *simConfig) applyEnv(values map[string]string) error {
	intTargets := map[string]*int{
		"MINIMUM_ALLOCATOR_COUNT":              &c.Settings.MinimumAllocatorCount,
		"MAXIMUM_ALLOCATOR_COUNT":              &c.Settings.MaximumAllocatorCount,
		"MINIMUM_ALLOCATOR_SIZE":               &c.Settings.MinimumAllocatorSize,
		"MAXIMUM_SHARED_ALLOCATOR_SIZE":        &c.Settings.MaximumSharedAllocatorSize,
		"MINIMUM_ALLOCATED_REGION_MARGIN_SIZE": &c.Settings.MinimumAllocatedRegionMarginSize,
		"WORKERS":                              &c.Workers,
		"OPS":                                  &c.Ops,
		"HEAP_SIZE":                            &c.HeapSize,
	}

	for key, target := range intTargets {
		value, ok := values[envPrefix+key]
		if !ok {
			continue
		}

		parsed, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "%s%s", envPrefix, key)
		}
		*target = parsed
	}

	if value, ok := values[envPrefix+"SEED"]; ok {
		seed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "%sSEED", envPrefix)
		}
		c.Seed = seed
	}

	if value, ok := values[envPrefix+"DETAILED"]; ok {
		detailed, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "%sDETAILED", envPrefix)
		}
		c.Detailed = detailed
	}

	return nil
}

func (c *simConfig) validate() error {
	switch {
	case c.Workers < 1:
		return errors.Newf("workers was %d but must be at least 1", c.Workers)
	case c.Ops < 0:
		return errors.Newf("ops was %d but cannot be negative", c.Ops)
	case c.HeapSize < 1:
		return errors.Newf("heap size was %d but must be positive", c.HeapSize)
	}

	return c.Settings.Validate()
}
