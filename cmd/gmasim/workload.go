package main

import (
	"context"
	"log/slog"
	"math/rand"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gfxmem/gma"
	"golang.org/x/sync/errgroup"
)

const (
	maxBufferSize    = 64 * 1024
	maxTextureExtent = 256
	framePeriod      = 100
)

type workloadStats struct {
	buffersCreated  atomic.Int64
	texturesCreated atomic.Int64
	disposed        atomic.Int64
	outOfMemory     atomic.Int64
}

type disposable interface {
	Dispose() error
}

type workload struct {
	logger    *slog.Logger
	allocator *gma.Allocator
	config    simConfig
	stats     workloadStats
}

// run drives the allocator from config.Workers goroutines and disposes everything they created
// before returning
func (w *workload) run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for worker := 0; worker < w.config.Workers; worker++ {
		worker := worker
		group.Go(func() error {
			return w.runWorker(ctx, worker)
		})
	}

	return group.Wait()
}

func (w *workload) runWorker(ctx context.Context, worker int) (err error) {
	rng := rand.New(rand.NewSource(w.config.Seed + int64(worker)))
	var live []disposable

	defer func() {
		for _, resource := range live {
			err = errors.CombineErrors(err, resource.Dispose())
		}
	}()

	for op := 0; op < w.config.Ops; op++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if worker == 0 && op%framePeriod == 0 {
			w.allocator.SetCurrentFrameIndex(uint32(op / framePeriod))
		}

		if len(live) > 0 && rng.Intn(3) == 0 {
			index := rng.Intn(len(live))
			disposeErr := live[index].Dispose()
			if disposeErr != nil {
				return disposeErr
			}

			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
			w.stats.disposed.Add(1)
			continue
		}

		resource, createErr := w.createResource(rng)
		if errors.Is(createErr, gma.ErrOutOfMemory) {
			w.stats.outOfMemory.Add(1)
			w.logger.Debug("allocation failed, releasing a resource",
				slog.Int("worker", worker),
				slog.Int("live", len(live)))

			if len(live) > 0 {
				disposeErr := live[0].Dispose()
				if disposeErr != nil {
					return disposeErr
				}
				live = live[1:]
				w.stats.disposed.Add(1)
			}
			continue
		} else if createErr != nil {
			return errors.Wrapf(createErr, "worker %d failed at op %d", worker, op)
		}

		live = append(live, resource)
	}

	return nil
}

func (w *workload) createResource(rng *rand.Rand) (disposable, error) {
	cpuAccess := gma.CPUAccess(rng.Intn(3))

	var flags gma.AllocationFlags
	if rng.Intn(20) == 0 {
		flags |= gma.AllocationDedicatedMemoryAllocator
	}

	if rng.Intn(2) == 0 {
		buffer, err := w.allocator.CreateBuffer(core1_0.BufferCreateInfo{
			Size:  1 + rng.Intn(maxBufferSize),
			Usage: core1_0.BufferUsageStorageBuffer | core1_0.BufferUsageTransferDst,
		}, cpuAccess, flags)
		if err != nil {
			return nil, err
		}

		w.stats.buffersCreated.Add(1)
		return buffer, nil
	}

	texture, err := w.allocator.CreateTexture(core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Format:    core1_0.FormatA8B8G8R8UnsignedIntPacked,
		Extent: core1_0.Extent3D{
			Width:  1 + rng.Intn(maxTextureExtent),
			Height: 1 + rng.Intn(maxTextureExtent),
			Depth:  1,
		},
		MipLevels:   1 + rng.Intn(4),
		ArrayLayers: 1,
	}, gma.CPUAccessNone, flags)
	if err != nil {
		return nil, err
	}

	w.stats.texturesCreated.Add(1)
	return texture, nil
}
