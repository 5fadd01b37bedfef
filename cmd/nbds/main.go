// Command nbds is a thin CLI test driver over the nbds library: it
// contains no algorithmic logic of its own, only the bench/demo/stm-demo
// subcommands wiring it together.
package main

import (
	"fmt"
	"hash/maphash"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/argv0/nbds/internal/reclaim"
	"github.com/argv0/nbds/internal/rt"
	"github.com/argv0/nbds/nbmap"
	"github.com/argv0/nbds/stm"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nbds",
		Short: "test driver for the nbds concurrent data structures",
	}
	root.AddCommand(benchCmd(), demoCmd(), stmDemoCmd())
	return root
}

func benchCmd() *cobra.Command {
	var threads int
	var ops int
	cmd := &cobra.Command{
		Use:       "bench <list|skiplist|hashtable>",
		Short:     "concurrent add/remove/get workload, reports ops/sec and final count",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"list", "skiplist", "hashtable"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, args[0], threads, ops)
		},
	}
	cmd.Flags().IntVar(&threads, "threads", 4, "number of concurrent worker goroutines")
	cmd.Flags().IntVar(&ops, "ops", 100000, "number of operations per worker")
	return cmd
}

func runBench(cmd *cobra.Command, kind string, threads, ops int) error {
	dom := reclaim.NewDomain(threads)
	var m *nbmap.Map[any]
	switch kind {
	case "list":
		m = nbmap.NewList[any](intCmp, dom)
	case "skiplist":
		m = nbmap.NewSkiplist[any](intCmp, dom)
	case "hashtable":
		m = nbmap.NewHashtable(seededHash, dom)
	default:
		return fmt.Errorf("nbds bench: unknown backend %q (want list, skiplist, or hashtable)", kind)
	}

	start := time.Now()
	g := new(errgroup.Group)
	for w := 0; w < threads; w++ {
		g.Go(func() error {
			self, err := rt.Init()
			if err != nil {
				return err
			}
			for i := 0; i < ops; i++ {
				key := self.Rand.IntN(ops)
				switch self.Rand.IntN(3) {
				case 0:
					m.Add(key, i, self.Index)
				case 1:
					m.Remove(key, self.Index)
				default:
					m.Get(key)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	total := threads * ops
	fmt.Fprintf(cmd.OutOrStdout(), "backend=%s threads=%d ops=%d elapsed=%s ops/sec=%.0f final_count=%d registered_threads=%d\n",
		kind, threads, ops, elapsed, float64(total)/elapsed.Seconds(), m.Count(), rt.NumActive())
	return nil
}

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "runs a CRUD scenario against a hash-table-backed map and prints its contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			dom := reclaim.NewDomain(1)
			m := nbmap.NewHashtable(seededHash, dom)
			m.Add(1, "one", 0)
			m.Add(2, "two", 0)
			m.Set(1, "uno", 0)
			m.Remove(2, 0)
			m.Dump(cmd.OutOrStdout())
			return nil
		},
	}
}

func stmDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stm-demo",
		Short: "runs a two-transaction conflict scenario and prints both terminal states",
		RunE: func(cmd *cobra.Command, args []string) error {
			dom := reclaim.NewDomain(1)
			backing := nbmap.NewSkiplist[any](intCmp, dom)
			mgr := stm.New(backing)

			t1 := mgr.Begin()
			t2 := mgr.Begin()

			if err := t1.Set(1, 3); err != nil {
				return err
			}
			if _, err := t2.Get(1); err != nil {
				return err
			}
			if err := t2.Set(1, 4); err != nil {
				return err
			}

			t2State := t2.Commit()
			t1State := t1.Commit()

			t3 := mgr.Begin()
			final, err := t3.Get(1)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "t1: %s\n", t1State)
			fmt.Fprintf(out, "t2: %s\n", t2State)
			fmt.Fprintf(out, "final value of key 1: %v\n", final)
			return nil
		},
	}
}

func intCmp(a, b any) int {
	ai, bi := a.(int), b.(int)
	switch {
	case ai < bi:
		return -1
	case ai > bi:
		return 1
	default:
		return 0
	}
}

var seed = maphash.MakeSeed()

func seededHash(key any) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	n := key.(int)
	h.WriteString(strconv.Itoa(n))
	return h.Sum64()
}
