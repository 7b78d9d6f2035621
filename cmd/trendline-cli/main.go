// Trendline CLI — операционный инструмент для очередей и schedules.
//
// Использование:
//
//	trendline [--config FILE] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	schedules  Просмотр и регистрация recurring schedules
//	dispatch   Ручной fan-out проход семейства
//	jobs       Просмотр jobs
//	queues     Статистика очередей
//	submit     Ad hoc jobs
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Trendline/internal/app"
	"github.com/shaiso/Trendline/internal/cli"
	"github.com/shaiso/Trendline/internal/config"
	"github.com/shaiso/Trendline/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var configFile string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "trendline",
		Short:         "Trendline CLI — background jobs and schedules",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to TOML config (default $"+config.FileEnv+")")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	var rt *app.Runtime
	runtimeFn := func(ctx context.Context) (*app.Runtime, error) {
		if rt != nil {
			return rt, nil
		}
		cfg, err := config.Load(config.ResolveFile(configFile))
		if err != nil {
			return nil, err
		}
		logger := telemetry.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		// CLI не слушает wake-up и не публикует события
		rt, err = app.New(ctx, cfg, logger, app.Options{SkipRabbitMQ: true})
		return rt, err
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewSchedulesCmd(runtimeFn, outputFn),
		cli.NewDispatchCmd(runtimeFn, outputFn),
		cli.NewJobsCmd(runtimeFn, outputFn),
		cli.NewQueuesCmd(runtimeFn, outputFn),
		cli.NewSubmitCmd(runtimeFn, outputFn),
	)

	err := rootCmd.Execute()
	if rt != nil {
		_ = rt.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
