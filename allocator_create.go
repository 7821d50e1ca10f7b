package osmem

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/osmem/internal/utils"
	"github.com/vkngwrapper/osmem/memutils"
	"github.com/vkngwrapper/osmem/sysmem"
	"golang.org/x/exp/slog"
)

// New creates a new Allocator
//
// logger - Receives debug output about OS memory acquisition and reports of unreleased memory.
// If nil, slog.Default() is used
//
// provider - The source of raw memory. The allocator assumes it is the only consumer of the
// provider's break region
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, provider sysmem.Provider, options CreateOptions) (*Allocator, error) {
	if provider == nil {
		return nil, errors.New("attempted to create an allocator with a nil memory provider")
	}

	if logger == nil {
		logger = slog.Default()
	}

	threshold := options.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}

	err := memutils.CheckPow2(threshold, "CreateOptions.Threshold")
	if err != nil {
		return nil, err
	}

	if threshold < minThreshold {
		return nil, errors.Newf("CreateOptions.Threshold %d is smaller than the minimum of %d", threshold, minThreshold)
	}

	initialHeapSize := options.InitialHeapSize
	if initialHeapSize == 0 {
		initialHeapSize = threshold
	}

	if initialHeapSize < threshold {
		return nil, errors.Newf("CreateOptions.InitialHeapSize %d is smaller than the threshold %d", initialHeapSize, threshold)
	}

	if initialHeapSize%memutils.WordAlignment != 0 {
		return nil, errors.Newf("CreateOptions.InitialHeapSize %d is not a multiple of %d", initialHeapSize, memutils.WordAlignment)
	}

	pageSize := provider.PageSize()
	memutils.DebugCheckPow2(pageSize, "pageSize")

	allocator := &Allocator{
		mutex:           utils.OptionalMutex{UseMutex: options.Flags&CreateSynchronized != 0},
		logger:          logger,
		provider:        provider,
		createFlags:     options.Flags,
		threshold:       threshold,
		zeroThreshold:   min(uintptr(pageSize), threshold),
		initialHeapSize: initialHeapSize,
	}
	allocator.region.init(logger, provider)

	logger.Debug("Allocator::New",
		slog.String("Flags", options.Flags.String()),
		slog.Uint64("Threshold", uint64(threshold)),
		slog.Uint64("InitialHeapSize", uint64(initialHeapSize)),
		slog.Int("PageSize", pageSize))

	return allocator, nil
}
