package main

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/epochtx/pkg/advancer"
	"github.com/cuemby/epochtx/pkg/config"
	"github.com/cuemby/epochtx/pkg/epoch"
	"github.com/cuemby/epochtx/pkg/reclaim"
	"github.com/cuemby/epochtx/pkg/recoverable"
	"github.com/cuemby/epochtx/pkg/skiplist"
)

// benchCmd runs a reduced churn driver against the skip list: a pool of
// goroutines repeatedly insert, look up and remove random keys through
// their own recoverable.ThreadContext. It is inspired by, but is not a
// port of, a map churn benchmark - there is no operation-mix configuration
// knob here (each operation is an even random pick of insert, remove and
// get over --keyspace keys), just enough concurrent pressure to exercise
// helping, epoch-stale retries and reclamation.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a concurrent churn workload against the skip list",
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().Int("threads", 8, "Number of concurrent worker goroutines")
	benchCmd.Flags().Int("ops", 100000, "Total operations across all threads")
	benchCmd.Flags().Int("keyspace", 1000, "Number of distinct keys churned")
	benchCmd.Flags().Bool("boosting", false, "Use the transactional-boosting (blocking) backend")
}

func runBench(cmd *cobra.Command, args []string) error {
	opts, err := config.Load(configPath(cmd))
	if err != nil {
		return err
	}
	liveness, err := opts.EpochLiveness()
	if err != nil {
		return err
	}
	interval, err := opts.Interval()
	if err != nil {
		return err
	}

	threads, _ := cmd.Flags().GetInt("threads")
	totalOps, _ := cmd.Flags().GetInt("ops")
	keyspace, _ := cmd.Flags().GetInt("keyspace")
	boosting, _ := cmd.Flags().GetBool("boosting")

	coordinator := epoch.New(liveness)
	tracker := reclaim.New()

	adv := advancer.New(coordinator, tracker, nil, interval)
	adv.Start()
	defer adv.Stop()

	less := func(a, b int) bool { return a < b }
	var list *skiplist.SkipList[int, int]
	if boosting {
		list = skiplist.NewBoosting[int, int](less, tracker)
	} else {
		list = skiplist.New[int, int](less, tracker)
	}

	opsPerThread := totalOps / threads

	start := time.Now()
	var wg sync.WaitGroup
	for t := 0; t < threads; t++ {
		wg.Add(1)
		go func(tid uint32) {
			defer wg.Done()
			tc := recoverable.NewThreadContext(tid, coordinator, tracker)
			rnd := rand.New(rand.NewSource(int64(tid) + 1))
			for i := 0; i < opsPerThread; i++ {
				key := rnd.Intn(keyspace)
				switch rnd.Intn(3) {
				case 0:
					list.Insert(tc, key, i)
				case 1:
					list.Remove(tc, key)
				default:
					list.Get(tc, key)
				}
			}
		}(uint32(t + 1))
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("epochtx bench: %d threads, %d ops, keyspace %d, boosting=%v\n", threads, threads*opsPerThread, keyspace, boosting)
	fmt.Printf("elapsed: %s (%.0f ops/sec)\n", elapsed, float64(threads*opsPerThread)/elapsed.Seconds())
	fmt.Printf("global epoch reached: %d\n", coordinator.GlobalEpoch())
	fmt.Printf("nodes retired pending reclamation: %d\n", tracker.Pending())
	return nil
}
