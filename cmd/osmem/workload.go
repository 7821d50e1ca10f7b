package main

import (
	"bufio"
	"io"
	"os"
	"reflect"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/osmem"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return errors.Newf("field '%s' is not defined in %s", field, rt.String())
	},
}

// AllocatorConfig holds the allocator settings a workload runs with. Zero values select the
// allocator's defaults.
type AllocatorConfig struct {
	Threshold       uint64
	InitialHeapSize uint64
	ReserveSize     uint64
}

// Op is a single step of a workload. Slot names the allocation the step acts on.
type Op struct {
	Op    string
	Slot  string
	Size  uint64
	Count uint64
}

type Workload struct {
	Allocator AllocatorConfig
	Ops       []Op
}

func loadWorkload(path string) (*Workload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	workload, err := decodeWorkload(bufio.NewReader(f))
	if err != nil {
		// Add file name to errors that have a line number.
		if _, ok := errors.UnwrapAll(err).(*toml.LineError); ok {
			err = errors.Wrap(err, path)
		}
		return nil, err
	}

	return workload, nil
}

func decodeWorkload(r io.Reader) (*Workload, error) {
	var workload Workload
	err := tomlSettings.NewDecoder(r).Decode(&workload)
	if err != nil {
		return nil, err
	}

	return &workload, nil
}

// slot is a live allocation made by a workload. Its payload is filled with a pattern derived from
// seed so that corruption and lost contents can be detected.
type slot struct {
	ptr  unsafe.Pointer
	size uintptr
	seed byte
}

func (s *slot) bytes() []byte {
	return unsafe.Slice((*byte)(s.ptr), s.size)
}

func (s *slot) fill() {
	data := s.bytes()
	for i := range data {
		data[i] = s.seed + byte(i)
	}
}

func (s *slot) verify(length uintptr) error {
	data := s.bytes()[:length]
	for i := range data {
		if data[i] != s.seed+byte(i) {
			return errors.Newf("byte %d of the allocation at %#x is %d, expected %d", i, uintptr(s.ptr), data[i], s.seed+byte(i))
		}
	}

	return nil
}

// runner replays workload steps against an allocator, checking the contents of every allocation
// before it is resized or freed
type runner struct {
	allocator *osmem.Allocator
	slots     map[string]*slot
	nextSeed  byte
}

func newRunner(allocator *osmem.Allocator) *runner {
	return &runner{
		allocator: allocator,
		slots:     make(map[string]*slot),
		nextSeed:  1,
	}
}

func (r *runner) seed() byte {
	seed := r.nextSeed
	r.nextSeed += 37
	return seed
}

func (r *runner) run(ops []Op) error {
	for index, op := range ops {
		err := r.step(op)
		if err != nil {
			return errors.Wrapf(err, "op %d (%s %q)", index, op.Op, op.Slot)
		}
	}

	return nil
}

func (r *runner) step(op Op) error {
	if op.Slot == "" {
		return errors.New("missing slot name")
	}

	current, live := r.slots[op.Slot]

	switch op.Op {
	case "alloc", "calloc":
		if live {
			return errors.New("slot is already in use")
		}

		var ptr unsafe.Pointer
		var err error
		size := uintptr(op.Size)

		if op.Op == "alloc" {
			ptr, err = r.allocator.Alloc(size)
		} else {
			count := uintptr(op.Count)
			if count == 0 {
				count = 1
			}
			ptr, err = r.allocator.ZeroAlloc(count, size)
			size *= count
		}
		if err != nil {
			return err
		}

		if ptr == nil {
			return nil
		}

		if op.Op == "calloc" {
			for i, b := range unsafe.Slice((*byte)(ptr), size) {
				if b != 0 {
					return errors.Newf("byte %d of zeroed allocation is %d", i, b)
				}
			}
		}

		allocated := &slot{ptr: ptr, size: size, seed: r.seed()}
		allocated.fill()
		r.slots[op.Slot] = allocated
		return nil

	case "realloc":
		var oldPtr unsafe.Pointer
		if live {
			err := current.verify(current.size)
			if err != nil {
				return err
			}
			oldPtr = current.ptr
		}

		ptr, err := r.allocator.Realloc(oldPtr, uintptr(op.Size))
		if err != nil {
			return err
		}

		if ptr == nil {
			delete(r.slots, op.Slot)
			return nil
		}

		resized := &slot{ptr: ptr, size: uintptr(op.Size)}
		if live {
			resized.seed = current.seed
			err = resized.verify(min(current.size, resized.size))
			if err != nil {
				return errors.Wrap(err, "contents were not preserved")
			}
		} else {
			resized.seed = r.seed()
		}

		resized.fill()
		r.slots[op.Slot] = resized
		return nil

	case "free":
		if !live {
			return errors.New("slot is not in use")
		}

		err := current.verify(current.size)
		if err != nil {
			return err
		}

		delete(r.slots, op.Slot)
		return r.allocator.Free(current.ptr)
	}

	return errors.Newf("unknown op %q", op.Op)
}

// release frees every allocation that is still live
func (r *runner) release() error {
	var err error
	for name, live := range r.slots {
		err = errors.CombineErrors(err, r.allocator.Free(live.ptr))
		delete(r.slots, name)
	}

	return err
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "replay a workload file and print the resulting statistics",
	ArgsUsage: " ",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "workload",
			Aliases:  []string{"w"},
			Usage:    "TOML file describing the allocator settings and ops",
			Required: true,
		},
		jsonFlag,
		detailedFlag,
	},
	Action: runWorkload,
}

func runWorkload(ctx *cli.Context) error {
	workload, err := loadWorkload(ctx.String("workload"))
	if err != nil {
		return err
	}

	allocator, err := newAllocator(ctx, workload.Allocator)
	if err != nil {
		return err
	}

	r := newRunner(allocator)
	err = r.run(workload.Ops)
	if err == nil {
		err = allocator.Validate()
	}

	if err == nil {
		err = printStats(ctx.App.Writer, allocator, ctx.Bool(jsonFlag.Name), ctx.Bool(detailedFlag.Name))
	}

	err = errors.CombineErrors(err, r.release())
	return errors.CombineErrors(err, allocator.Destroy())
}
