package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaiso/Trendline/internal/broker"
)

// QueueStats — счётчики одной очереди.
type QueueStats struct {
	Queue string `json:"queue"`
	broker.Counts
}

// NewQueuesCmd создаёт группу команд для очередей.
func NewQueuesCmd(runtimeFn RuntimeFunc, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Inspect queues",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show job counts per queue and state",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFn(cmd.Context())
			if err != nil {
				return err
			}
			out := outputFn()

			names := rt.Queues.Names()
			stats := make([]QueueStats, 0, len(names))
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				c, err := rt.Broker.Counts(cmd.Context(), name)
				if err != nil {
					return err
				}
				stats = append(stats, QueueStats{Queue: name, Counts: c})
				rows = append(rows, []string{
					name,
					strconv.FormatInt(c.Pending, 10),
					strconv.FormatInt(c.Active, 10),
					strconv.FormatInt(c.Completed, 10),
					strconv.FormatInt(c.Dead, 10),
				})
			}

			out.Print([]string{"QUEUE", "PENDING", "ACTIVE", "COMPLETED", "DEAD"}, rows, stats)
			return nil
		},
	})

	return cmd
}
