package main

import (
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/osmem"
)

var stressCommand = &cli.Command{
	Name:      "stress",
	Usage:     "run a random mix of allocations, resizes and frees",
	ArgsUsage: " ",
	Flags: []cli.Flag{
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "random seed, so that a failing run can be repeated",
			Value: 1,
		},
		&cli.IntFlag{
			Name:  "ops",
			Usage: "number of operations to perform",
			Value: 10000,
		},
		&cli.Uint64Flag{
			Name:  "max-size",
			Usage: "largest request size, in bytes",
			Value: 256 * 1024,
		},
		thresholdFlag,
		reserveFlag,
		jsonFlag,
		detailedFlag,
	},
	Action: runStress,
}

// stressConfig describes one randomized run
type stressConfig struct {
	Seed    int64
	Ops     int
	MaxSize uint64
}

// generateOps produces a reproducible sequence of ops over a small set of slots, so that frees and
// resizes regularly hit live allocations
func generateOps(config stressConfig) []Op {
	random := rand.New(rand.NewSource(config.Seed))
	slotNames := make([]string, 64)
	for i := range slotNames {
		slotNames[i] = "s" + string(rune('A'+i%26)) + string(rune('a'+i/26))
	}

	live := make(map[string]bool)
	ops := make([]Op, 0, config.Ops)
	for len(ops) < config.Ops {
		name := slotNames[random.Intn(len(slotNames))]
		size := randomSize(random, config.MaxSize)

		if !live[name] {
			op := Op{Op: "alloc", Slot: name, Size: size}
			if random.Intn(4) == 0 {
				op = Op{Op: "calloc", Slot: name, Size: max(size/8, 1), Count: 8}
			}
			ops = append(ops, op)
			live[name] = true
			continue
		}

		if random.Intn(2) == 0 {
			ops = append(ops, Op{Op: "realloc", Slot: name, Size: size})
		} else {
			ops = append(ops, Op{Op: "free", Slot: name})
			live[name] = false
		}
	}

	for _, name := range slotNames {
		if live[name] {
			ops = append(ops, Op{Op: "free", Slot: name})
		}
	}

	return ops
}

// randomSize favors small requests, with an occasional request large enough to need a mapping
func randomSize(random *rand.Rand, maxSize uint64) uint64 {
	if maxSize == 0 {
		return 1
	}

	if random.Intn(16) == 0 {
		return uint64(random.Int63n(int64(maxSize))) + 1
	}

	return uint64(random.Int63n(int64(min(maxSize, 2048)))) + 1
}

func runStress(ctx *cli.Context) error {
	if ctx.Int("ops") < 0 {
		return errors.New("--ops must not be negative")
	}

	ops := generateOps(stressConfig{
		Seed:    ctx.Int64("seed"),
		Ops:     ctx.Int("ops"),
		MaxSize: ctx.Uint64("max-size"),
	})

	allocator, err := newAllocator(ctx, AllocatorConfig{
		Threshold:   ctx.Uint64(thresholdFlag.Name),
		ReserveSize: ctx.Uint64(reserveFlag.Name),
	})
	if err != nil {
		return err
	}

	err = stress(allocator, ops)
	if err == nil {
		err = printStats(ctx.App.Writer, allocator, ctx.Bool(jsonFlag.Name), ctx.Bool(detailedFlag.Name))
	}

	return errors.CombineErrors(err, allocator.Destroy())
}

func stress(allocator *osmem.Allocator, ops []Op) error {
	r := newRunner(allocator)
	err := r.run(ops)
	if err != nil {
		return errors.CombineErrors(err, r.release())
	}

	err = allocator.Validate()
	if err != nil {
		return errors.Wrap(err, "heap is inconsistent after the stress run")
	}

	return nil
}
