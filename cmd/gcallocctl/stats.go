package main

import (
	"encoding/binary"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flswld/gcalloc/gc"
	"github.com/flswld/gcalloc/hashmap"
	"github.com/flswld/gcalloc/list"
	"github.com/flswld/gcalloc/logger"
	"github.com/flswld/gcalloc/mem"
	"github.com/flswld/gcalloc/ring"
)

var (
	statsItems int
)

func init() {
	cmd := newStatsCmd()
	cmd.Flags().IntVarP(&statsItems, "items", "n", 10000, "Number of elements pushed through each container")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Run a container workload and print collector statistics",
		Long: `The stats command fills an array list, a hash map and a ring buffer
through an allocator handle, forces a collection and prints the
collector's profile statistics.

Example:
  gcallocctl stats
  gcallocctl stats --backend static --static-heap-size 16777216
  gcallocctl stats -n 100000 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cfg, statsItems)
		},
	}
	return cmd
}

type StatsReport struct {
	Backend    string
	Items      int
	ListCap    int
	MapLen     int
	RingPacket int
	Finalized  uint64
	Before     gc.ProfileStats
	After      gc.ProfileStats
}

func runStats(cfg *appConfig, items int) error {
	c, release, err := openCollector(cfg)
	if err != nil {
		return err
	}
	defer release()

	report, err := statsWorkload(c, items)
	if err != nil {
		return err
	}
	report.Backend = cfg.GC.Backend

	if jsonOut {
		return printJSON(report)
	}
	printInfo("backend: %s\n", report.Backend)
	printInfo("items: %d list_cap: %d map_len: %d ring_packets: %d\n",
		report.Items, report.ListCap, report.MapLen, report.RingPacket)
	printInfo("finalized: %d\n", report.Finalized)
	printInfo("before: %v\n", report.Before)
	printInfo("after: %v\n", report.After)
	return nil
}

type itemKey uint64

func (k itemKey) GetHashCode() uint64 {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, uint64(k))
	return hashmap.GetHashCode(data)
}

func statsWorkload(c gc.Collector, items int) (*StatsReport, error) {
	report := &StatsReport{Items: items, Before: c.ProfileStats()}
	alloc := mem.NewHandle(c)

	arrayList := list.NewArrayList[uint64](alloc)
	if arrayList == nil {
		return nil, fmt.Errorf("%w: array list", mem.ErrAlloc)
	}
	hashMap := hashmap.NewHashMap[itemKey, uint64](alloc)
	if hashMap == nil {
		return nil, fmt.Errorf("%w: hash map", mem.ErrAlloc)
	}
	for i := 0; i < items; i++ {
		if !arrayList.Add(uint64(i)) {
			return nil, fmt.Errorf("%w: array list at %d", mem.ErrAlloc, i)
		}
		if !hashMap.Set(itemKey(i), uint64(i)*2) {
			return nil, fmt.Errorf("%w: hash map at %d", mem.ErrAlloc, i)
		}
	}
	report.ListCap = arrayList.Cap()
	report.MapLen = hashMap.Len()

	rb, err := ring.RingBufferCreate(alloc, 64*mem.KB)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 8)
	var n uint16
	for i := 0; i < items; i++ {
		binary.LittleEndian.PutUint64(data, uint64(i))
		if !ring.WritePacket(rb, data, 8) || !ring.ReadPacket(rb, data, &n) {
			break
		}
		report.RingPacket++
	}
	ring.RingBufferDestroy(rb)

	logger.Debug("workload done, list: %v, map: %v", arrayList.Len(), hashMap.Len())
	arrayList.Free()
	hashMap.Free()

	c.Collect()
	if c.ShouldInvokeFinalizers() {
		report.Finalized = c.InvokeFinalizers()
	}
	report.After = c.ProfileStats()
	return report, nil
}
