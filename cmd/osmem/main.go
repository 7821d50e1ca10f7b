// osmem drives the allocator from the command line: it replays workload files, runs randomized
// stress tests and reports the resulting heap statistics.
package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/osmem"
	"github.com/vkngwrapper/osmem/sysmem"
	"golang.org/x/exp/slog"
)

var (
	verboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "log every break extension and mapping",
	}
	jsonFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "print statistics as JSON instead of a table",
	}
	detailedFlag = &cli.BoolFlag{
		Name:  "detailed",
		Usage: "list every block in addition to the totals",
	}
	thresholdFlag = &cli.Uint64Flag{
		Name:  "threshold",
		Usage: "request size at which allocations receive a dedicated mapping",
		Value: uint64(osmem.DefaultThreshold),
	}
	reserveFlag = &cli.Uint64Flag{
		Name:  "reserve",
		Usage: "bytes of address space reserved for the break region",
		Value: uint64(sysmem.DefaultReserveSize),
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "osmem",
		Usage: "exercise the break/mapping heap allocator",
		Flags: []cli.Flag{verboseFlag},
		Commands: []*cli.Command{
			runCommand,
			stressCommand,
			infoCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(ctx *cli.Context) *slog.Logger {
	level := slog.LevelWarn
	if ctx.Bool(verboseFlag.Name) {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(ctx.App.ErrWriter, &slog.HandlerOptions{Level: level}))
}

// newAllocator creates an allocator over a fresh system provider. Destroying the allocator also
// releases the provider.
func newAllocator(ctx *cli.Context, config AllocatorConfig) (*osmem.Allocator, error) {
	system, err := sysmem.NewSystem(sysmem.Options{ReserveSize: uintptr(config.ReserveSize)})
	if err != nil {
		return nil, err
	}

	allocator, err := osmem.New(newLogger(ctx), system, osmem.CreateOptions{
		Threshold:       uintptr(config.Threshold),
		InitialHeapSize: uintptr(config.InitialHeapSize),
	})
	if err != nil {
		return nil, errors.CombineErrors(err, system.Close())
	}

	return allocator, nil
}
