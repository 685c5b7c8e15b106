package cli

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/godep/internal/dep"
	"github.com/me/godep/internal/policy"
	godeprt "github.com/me/godep/internal/runtime"
	"github.com/me/godep/pkg/model"
)

// newBenchCmd stresses the dispatcher with a synthetic random workload.
func newBenchCmd() *cobra.Command {
	var (
		nTasks   int
		nHandles int
		workers  int
		perTask  int
		commute  bool
		arbiter  bool
		seed     int64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Stress the dispatcher with random tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := godeprt.New(workers, policy.NewFIFO(), nil, logger)
			rt.Start(cmd.Context())

			var arb *dep.Arbiter
			if arbiter {
				arb = rt.NewArbiter()
			}
			handles := make([]*dep.Handle, nHandles)
			for i := range handles {
				handles[i] = rt.RegisterData(fmt.Sprintf("bench-%d", i))
				if arb != nil {
					handles[i].AssignArbiter(arb)
				}
			}

			rng := rand.New(rand.NewSource(seed))
			modes := []model.Mode{model.ModeR, model.ModeW, model.ModeRW}

			start := time.Now()
			for i := 0; i < nTasks; i++ {
				n := 1 + rng.Intn(perTask)
				accesses := make([]dep.Access, 0, n)
				for j := 0; j < n; j++ {
					m := modes[rng.Intn(len(modes))]
					if commute && m.IsWrite() && rng.Intn(2) == 0 {
						m |= model.ModeCommute
					}
					accesses = append(accesses, dep.Access{
						Handle: handles[rng.Intn(nHandles)],
						Mode:   m,
					})
				}
				t := dep.NewTask(fmt.Sprintf("bench-task-%d", i), accesses, nil)
				if err := rt.Submit(t); err != nil {
					return err
				}
			}

			waitCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			if err := rt.WaitAll(waitCtx); err != nil {
				return fmt.Errorf("waiting for bench tasks: %w", err)
			}
			elapsed := time.Since(start)

			if err := rt.Shutdown(cmd.Context()); err != nil {
				return err
			}

			rate := float64(nTasks) / elapsed.Seconds()
			fmt.Printf("%s tasks over %s handles (%d workers) in %s — %s tasks/sec\n",
				humanize.Comma(int64(nTasks)),
				humanize.Comma(int64(nHandles)),
				workers,
				elapsed.Round(time.Millisecond),
				humanize.CommafWithDigits(rate, 0),
			)
			return nil
		},
	}

	cmd.Flags().IntVar(&nTasks, "tasks", 10000, "Number of tasks to submit")
	cmd.Flags().IntVar(&nHandles, "handles", 64, "Number of data handles")
	cmd.Flags().IntVar(&workers, "workers", runtime.NumCPU(), "Worker pool size")
	cmd.Flags().IntVar(&perTask, "accesses", 3, "Maximum accesses per task")
	cmd.Flags().BoolVar(&commute, "commute", false, "Mark some writes as commuting")
	cmd.Flags().BoolVar(&arbiter, "arbiter", false, "Put all handles under one arbiter")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	return cmd
}
