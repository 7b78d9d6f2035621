package cli

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/shaiso/Trendline/internal/domain"
)

// NewDispatchCmd создаёт команду ручного fan-out прохода.
func NewDispatchCmd(runtimeFn RuntimeFunc, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch FAMILY",
		Short: "Run one fan-out pass for a job family",
		Long: "Run one fan-out pass for a job family.\n\n" +
			"Jobs already enqueued in the current hour are suppressed as duplicates,\n" +
			"so a manual pass never doubles the work of the scheduled one.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, ok := domain.ParseFamily(args[0])
			if !ok {
				return errors.Newf("unknown family %q", args[0])
			}

			rt, err := runtimeFn(cmd.Context())
			if err != nil {
				return err
			}
			out := outputFn()

			if rt.Fanout == nil {
				return errors.New("data store is not configured (database.url)")
			}
			runner, err := rt.Fanout.Get(family)
			if err != nil {
				return err
			}

			report, err := runner.Run(cmd.Context())
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Dispatched %s", family))
			out.Print(
				[]string{"FAMILY", "CANDIDATES", "ENQUEUED", "DUPLICATES", "FAILED", "TRUNCATED", "DURATION"},
				[][]string{{
					report.Family.String(),
					strconv.Itoa(report.Candidates),
					strconv.Itoa(report.Enqueued),
					strconv.Itoa(report.Duplicates),
					strconv.Itoa(report.Failed),
					strconv.FormatBool(report.Truncated),
					report.Duration.String(),
				}},
				report,
			)
			return nil
		},
	}
}
