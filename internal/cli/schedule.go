package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSchedulesCmd создаёт группу команд для recurring schedules.
func NewSchedulesCmd(runtimeFn RuntimeFunc, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect and register recurring schedules",
	}

	cmd.AddCommand(
		newSchedulesListCmd(runtimeFn, outputFn),
		newSchedulesRegisterCmd(runtimeFn, outputFn),
	)

	return cmd
}

func newSchedulesListCmd(runtimeFn RuntimeFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFn(cmd.Context())
			if err != nil {
				return err
			}
			out := outputFn()

			schedules, err := rt.Broker.ListSchedules(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"NAME", "QUEUE", "JOB", "TRIGGER", "NEXT_RUN", "LAST_RUN"}
			rows := make([][]string, len(schedules))
			for i, s := range schedules {
				rows[i] = []string{
					s.Name, s.Queue, s.JobName, s.Trigger.String(),
					formatTime(s.NextRunAt), formatTimePtr(s.LastRunAt),
				}
			}

			out.Print(headers, rows, schedules)
			return nil
		},
	}
}

func newSchedulesRegisterCmd(runtimeFn RuntimeFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register (upsert) all recurring schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFn(cmd.Context())
			if err != nil {
				return err
			}
			out := outputFn()

			if err := rt.Bootstrap(cmd.Context()); err != nil {
				return err
			}

			schedules, err := rt.Broker.ListSchedules(cmd.Context())
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Registered %d schedules", len(schedules)))
			return nil
		},
	}
}
