package cli

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/shaiso/Trendline/internal/queue"
)

// NewSubmitCmd создаёт группу команд для ad hoc jobs.
func NewSubmitCmd(runtimeFn RuntimeFunc, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue ad hoc jobs",
	}

	cmd.AddCommand(
		newSubmitPostCmd(runtimeFn, outputFn),
		newSubmitKeywordCmd(runtimeFn, outputFn),
		newSubmitReportCmd(runtimeFn, outputFn),
	)

	return cmd
}

func printHandle(out *Output, h *queue.Handle) {
	if h.Duplicate {
		out.Success(fmt.Sprintf("Job already enqueued: %s", h.ID))
	} else {
		out.Success(fmt.Sprintf("Job enqueued: %s", h.ID))
	}
	out.Print(
		[]string{"ID", "QUEUE", "DUPLICATE", "ELIGIBLE_AT"},
		[][]string{{h.ID, h.Queue, fmt.Sprint(h.Duplicate), formatTime(h.EligibleAt)}},
		h,
	)
}

func newSubmitPostCmd(runtimeFn RuntimeFunc, outputFn func() *Output) *cobra.Command {
	var at string
	var in time.Duration

	cmd := &cobra.Command{
		Use:   "post POST_ID",
		Short: "Schedule a post for publishing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFn(cmd.Context())
			if err != nil {
				return err
			}
			out := outputFn()

			publishAt := rt.Clock().Add(in)
			if at != "" {
				publishAt, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return errors.Wrapf(err, "invalid --at %q, expected RFC3339", at)
				}
			}

			h, err := rt.Submitter.SchedulePost(cmd.Context(), args[0], publishAt)
			if err != nil {
				return err
			}
			printHandle(out, h)
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Publish time (RFC3339)")
	cmd.Flags().DurationVar(&in, "in", 0, "Publish after this delay (e.g. 5m)")
	cmd.MarkFlagsMutuallyExclusive("at", "in")

	return cmd
}

func newSubmitKeywordCmd(runtimeFn RuntimeFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "keyword KEYWORD_ID KEYWORD",
		Short: "Collect a keyword immediately (high priority)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFn(cmd.Context())
			if err != nil {
				return err
			}

			h, err := rt.Submitter.CollectKeyword(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			printHandle(outputFn(), h)
			return nil
		},
	}
}

func newSubmitReportCmd(runtimeFn RuntimeFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "report REPORT_ID",
		Short: "Generate a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := runtimeFn(cmd.Context())
			if err != nil {
				return err
			}

			h, err := rt.Submitter.GenerateReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printHandle(outputFn(), h)
			return nil
		},
	}
}
