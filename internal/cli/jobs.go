package cli

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/shaiso/Trendline/internal/domain"
)

// NewJobsCmd создаёт группу команд для просмотра jobs.
func NewJobsCmd(runtimeFn RuntimeFunc, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect jobs",
	}

	cmd.AddCommand(
		newJobsListCmd(runtimeFn, outputFn),
		newJobsShowCmd(runtimeFn, outputFn),
	)

	return cmd
}

var jobHeaders = []string{"ID", "NAME", "STATE", "ATTEMPTS", "PRIORITY", "ELIGIBLE_AT", "DEDUP_KEY", "ERROR"}

func jobRow(j *domain.Job) []string {
	return []string{
		j.ID, j.Name, j.State.String(),
		strconv.Itoa(j.Attempts) + "/" + strconv.Itoa(j.Retry.MaxAttempts),
		strconv.Itoa(j.Priority), formatTime(j.EligibleAt), j.DedupKey, j.LastError,
	}
}

func newJobsListCmd(runtimeFn RuntimeFunc, outputFn func() *Output) *cobra.Command {
	var state string
	var limit int

	cmd := &cobra.Command{
		Use:   "list QUEUE",
		Short: "List jobs of a queue in one state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, ok := domain.ParseJobState(strings.ToUpper(state))
			if !ok {
				return errors.Newf("invalid state %q, expected pending|active|completed|dead", state)
			}

			rt, err := runtimeFn(cmd.Context())
			if err != nil {
				return err
			}
			out := outputFn()

			if _, err := rt.Queues.Get(args[0]); err != nil {
				return err
			}

			jobs, err := rt.Broker.List(cmd.Context(), args[0], st, limit)
			if err != nil {
				return err
			}

			rows := make([][]string, len(jobs))
			for i := range jobs {
				rows[i] = jobRow(&jobs[i])
			}
			out.Print(jobHeaders, rows, jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "pending", "Job state: pending, active, completed, dead")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs")

	return cmd
}

func newJobsShowCmd(runtimeFn RuntimeFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFn(cmd.Context())
			if err != nil {
				return err
			}
			out := outputFn()

			job, err := rt.Broker.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out.Print(jobHeaders, [][]string{jobRow(job)}, job)
			return nil
		},
	}
}
