package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/spf13/cobra"

	"github.com/flswld/gcalloc/cpu"
	"github.com/flswld/gcalloc/gc"
	"github.com/flswld/gcalloc/logger"
	"github.com/flswld/gcalloc/mem"
)

var (
	stressWorkers   int
	stressOps       int
	stressMaxSize   int
	stressBindCores bool
)

var errCorrupted = errors.New("block contents corrupted")

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVarP(&stressWorkers, "workers", "w", runtime.NumCPU(), "Number of concurrent workers")
	cmd.Flags().IntVar(&stressOps, "ops", 100000, "Allocations per worker")
	cmd.Flags().IntVar(&stressMaxSize, "max-size", 4096, "Largest request size in bytes")
	cmd.Flags().BoolVar(&stressBindCores, "bind-cores", false, "Pin each worker to its own core")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Allocate and grow blocks from many goroutines",
		Long: `The stress command runs workers that allocate blocks of random size and
alignment, fill them, grow them with reallocate and check that the leading
bytes survive. Even workers go through the default allocator, odd workers
through an allocator handle.

Example:
  gcallocctl stress
  gcallocctl stress -w 16 --ops 1000000 --bind-cores
  gcallocctl stress --backend static --static-heap-size 268435456`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cfg, stressOptions{
				Workers:   stressWorkers,
				Ops:       stressOps,
				MaxSize:   stressMaxSize,
				BindCores: stressBindCores,
			})
		},
	}
	return cmd
}

type stressOptions struct {
	Workers   int
	Ops       int
	MaxSize   int
	BindCores bool
}

type StressReport struct {
	Backend   string
	Workers   int
	Allocs    uint64
	Reallocs  uint64
	Failures  uint64
	Corrupted uint64
	Elapsed   time.Duration
	Stats     gc.ProfileStats
}

// stressAllocator is the common shape of the two façades for the workers.
type stressAllocator interface {
	alloc(l mem.Layout) unsafe.Pointer
	realloc(p unsafe.Pointer, l mem.Layout, newSize uintptr) unsafe.Pointer
}

type globalStress struct{ g *mem.GlobalAllocator }

func (s globalStress) alloc(l mem.Layout) unsafe.Pointer { return s.g.Alloc(l) }

func (s globalStress) realloc(p unsafe.Pointer, l mem.Layout, newSize uintptr) unsafe.Pointer {
	return s.g.Realloc(p, l, newSize)
}

type handleStress struct{ h mem.Allocator }

func (s handleStress) alloc(l mem.Layout) unsafe.Pointer {
	p, err := s.h.Allocate(l)
	if err != nil {
		return nil
	}
	return p
}

func (s handleStress) realloc(p unsafe.Pointer, l mem.Layout, newSize uintptr) unsafe.Pointer {
	q, err := s.h.Reallocate(p, l, newSize)
	if err != nil {
		return nil
	}
	return q
}

func runStress(cfg *appConfig, opt stressOptions) error {
	c, release, err := openCollector(cfg)
	if err != nil {
		return err
	}
	defer release()

	report := stressWorkload(c, opt)
	report.Backend = cfg.GC.Backend

	if jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printInfo("backend: %s workers: %d elapsed: %v\n", report.Backend, report.Workers, report.Elapsed)
		printInfo("allocs: %d reallocs: %d failures: %d corrupted: %d\n",
			report.Allocs, report.Reallocs, report.Failures, report.Corrupted)
		printInfo("stats: %v\n", report.Stats)
	}
	if report.Corrupted != 0 {
		return fmt.Errorf("%w: %d blocks", errCorrupted, report.Corrupted)
	}
	return nil
}

func stressWorkload(c gc.Collector, opt stressOptions) *StressReport {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.MaxSize <= 0 {
		opt.MaxSize = 1
	}
	var allocs, reallocs, failures, corrupted atomic.Uint64
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < opt.Workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("stress worker %d panic: %v\n%s", w, r, logger.Stack())
					corrupted.Add(1)
				}
			}()
			// bdwgc 要求分配线程已注册
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if c.RegisterThread() {
				defer c.UnregisterThread()
			}
			if opt.BindCores && cpu.BindCore(w%runtime.NumCPU()) {
				defer cpu.UnbindCore()
			}
			var a stressAllocator = handleStress{h: mem.NewHandle(c)}
			if w%2 == 0 {
				a = globalStress{g: mem.Default()}
			}
			rnd := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
			for i := 0; i < opt.Ops; i++ {
				l := mem.Layout{
					Size:  uintptr(rnd.IntN(opt.MaxSize) + 1),
					Align: 1 << rnd.IntN(8),
				}
				p := a.alloc(l)
				allocs.Add(1)
				if p == nil {
					failures.Add(1)
					continue
				}
				if uintptr(p)%l.Align != 0 {
					corrupted.Add(1)
					continue
				}
				seed := byte(rnd.Uint32())
				fill(p, l.Size, seed)
				newSize := l.Size + uintptr(rnd.IntN(opt.MaxSize))
				q := a.realloc(p, l, newSize)
				reallocs.Add(1)
				if q == nil {
					failures.Add(1)
					q = p
				}
				if !matches(q, l.Size, seed) {
					corrupted.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	report := &StressReport{
		Workers:   opt.Workers,
		Allocs:    allocs.Load(),
		Reallocs:  reallocs.Load(),
		Failures:  failures.Load(),
		Corrupted: corrupted.Load(),
		Elapsed:   time.Since(start),
	}
	c.Collect()
	report.Stats = c.ProfileStats()
	logger.Info("stress done, allocs: %v, failures: %v, corrupted: %v", report.Allocs, report.Failures, report.Corrupted)
	return report
}

func fill(p unsafe.Pointer, size uintptr, seed byte) {
	b := unsafe.Slice((*byte)(p), size)
	for i := range b {
		b[i] = seed ^ byte(i)
	}
}

func matches(p unsafe.Pointer, size uintptr, seed byte) bool {
	b := unsafe.Slice((*byte)(p), size)
	for i := range b {
		if b[i] != seed^byte(i) {
			return false
		}
	}
	return true
}
