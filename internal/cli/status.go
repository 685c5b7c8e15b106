package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/godep/internal/dep"
	"github.com/me/godep/internal/runtime"
)

// newStatusCmd queries a running server for stats and handle state.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show runtime stats from the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats runtime.Stats
			if err := client.get(cmd.Context(), "/api/v1/stats", &stats); err != nil {
				return err
			}
			var handles []dep.HandleInfo
			if err := client.get(cmd.Context(), "/api/v1/handles", &handles); err != nil {
				return err
			}

			fmt.Printf("submitted: %d  completed: %d  inflight: %d  ready: %d\n",
				stats.Submitted, stats.Completed, stats.Inflight, stats.Ready)
			for _, ws := range stats.Workers {
				fmt.Printf("worker %d: executed=%d failed=%d busy=%s\n",
					ws.Worker, ws.Executed, ws.Failed, ws.Busy)
			}
			if len(handles) > 0 {
				fmt.Println("handles:")
				for _, h := range handles {
					fmt.Printf("  %-20s ref=%d busy=%d queued=%d mode=%s\n",
						h.Label, h.RefCount, h.BusyCount, h.QueueLen, h.Mode)
				}
			}
			return nil
		},
	}
}
