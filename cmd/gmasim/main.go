package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vkngwrapper/gfxmem/gma"
	"github.com/vkngwrapper/gfxmem/simdevice"
)

var (
	configFile = flag.String("config", "", "toml file containing allocator settings")
	envFile    = flag.String("env", "", "optional .env file containing GMASIM_* overrides")
	workers    = flag.Int("workers", 0, "number of goroutines creating and disposing resources")
	ops        = flag.Int("ops", 0, "number of operations each worker performs")
	seed       = flag.Int64("seed", 0, "random seed for the workload")
	heapSize   = flag.Int("heap-size", 0, "size in bytes of each simulated device heap")
	detailed   = flag.Bool("detailed", false, "include every heap and region in the statistics")
	verbose    = flag.Bool("v", false, "log at debug level")
)

func main() {
	flag.Parse()

	level := charmlog.InfoLevel
	if *verbose {
		level = charmlog.DebugLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "gmasim",
		Level:           level,
	})
	logger := slog.New(handler)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err := run(ctx, logger)
	if err != nil {
		logger.Error("simulation failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func parseConfig() (simConfig, error) {
	config := defaultSimConfig()

	if *configFile != "" {
		err := config.loadSettingsFile(*configFile)
		if err != nil {
			return config, err
		}
	}

	if *envFile != "" {
		err := config.loadEnvFile(*envFile)
		if err != nil {
			return config, err
		}
	}

	// Flags given on the command line win over the env file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workers":
			config.Workers = *workers
		case "ops":
			config.Ops = *ops
		case "seed":
			config.Seed = *seed
		case "heap-size":
			config.HeapSize = *heapSize
		case "detailed":
			config.Detailed = *detailed
		}
	})

	return config, config.validate()
}

func run(ctx context.Context, logger *slog.Logger) (err error) {
	config, err := parseConfig()
	if err != nil {
		return err
	}

	runID := uuid.New()
	logger = logger.With(slog.String("run", runID.String()))

	deviceOptions := simdevice.DiscreteGPU(config.HeapSize)
	deviceOptions.Logger = logger
	deviceOptions.ReportBudget = true

	device, err := simdevice.New(deviceOptions)
	if err != nil {
		return err
	}

	allocator, err := gma.New(logger, device, gma.CreateOptions{
		Settings: &config.Settings,
	})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, allocator.Destroy())
	}()

	logger.Info("starting simulation",
		slog.Int("workers", config.Workers),
		slog.Int("ops", config.Ops),
		slog.Int64("seed", config.Seed),
		slog.Int("heapSize", config.HeapSize))

	start := time.Now()
	load := &workload{
		logger:    logger,
		allocator: allocator,
		config:    config,
	}
	err = load.run(ctx)
	if err != nil {
		return err
	}

	logger.Info("simulation finished",
		slog.Duration("elapsed", time.Since(start)),
		slog.Int64("buffers", load.stats.buffersCreated.Load()),
		slog.Int64("textures", load.stats.texturesCreated.Load()),
		slog.Int64("disposed", load.stats.disposed.Load()),
		slog.Int64("outOfMemory", load.stats.outOfMemory.Load()),
		slog.Int("deviceAllocations", device.AllocationCount()),
		slog.Int("deviceFrees", device.FreeCount()))

	fmt.Printf("{\"RunID\":%q,\"Stats\":%s}\n", runID.String(), allocator.BuildStatsString(config.Detailed))

	return nil
}
