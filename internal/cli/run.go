package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	godeprt "github.com/me/godep/internal/runtime"
	"github.com/me/godep/internal/workload"
)

// newRunCmd runs a workload file with an in-process runtime. Use
// --remote to submit it to a server instead.
func newRunCmd() *cobra.Command {
	var (
		workers int
		remote  bool
	)

	cmd := &cobra.Command{
		Use:   "run <workload.yaml>",
		Short: "Run a workload file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			wl, err := workload.Parse(data)
			if err != nil {
				return err
			}

			if remote {
				var out map[string]any
				if err := client.postYAML(cmd.Context(), "/api/v1/workloads", data, &out); err != nil {
					return err
				}
				fmt.Printf("submitted workload %v (%v tasks)\n", out["name"], out["tasks"])
				return nil
			}

			pol, err := wl.BuildPolicy(logger)
			if err != nil {
				return err
			}

			rt := godeprt.New(workers, pol, nil, logger)
			rt.Start(cmd.Context())
			res, err := wl.Run(cmd.Context(), rt, logger)
			if err != nil {
				return err
			}
			if err := rt.Shutdown(cmd.Context()); err != nil {
				return err
			}

			fmt.Printf("workload %s: %d tasks, %d failed, %s\n", res.Name, res.Tasks, res.Failed, res.Elapsed)
			if res.Failed > 0 {
				return fmt.Errorf("%d tasks failed", res.Failed)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", runtime.NumCPU(), "Worker pool size for local runs")
	cmd.Flags().BoolVar(&remote, "remote", false, "Submit to the server instead of running locally")
	return cmd
}
