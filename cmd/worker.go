package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run pipeline stages from the Temporal task queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Scheduler.Backend != "temporal" {
			return eris.Errorf("worker requires scheduler.backend=temporal, got %q", cfg.Scheduler.Backend)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		w := workflow.NewWorker(env.Temporal, cfg.Temporal.TaskQueue, env.Orch)

		interrupt := make(chan interface{})
		go func() {
			<-ctx.Done()
			close(interrupt)
		}()

		zap.L().Info("starting temporal worker", zap.String("task_queue", cfg.Temporal.TaskQueue))
		if err := w.Run(interrupt); err != nil {
			return eris.Wrap(err, "temporal worker")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
