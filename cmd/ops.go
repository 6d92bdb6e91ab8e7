package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/export"
	"github.com/sells-group/listing-pipeline/internal/model"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cli"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}
		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the product catalog to an XLSX workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		out, _ := cmd.Flags().GetString("out")
		status, _ := cmd.Flags().GetString("status")
		if status != "" && !model.ProductStatus(status).Valid() {
			return eris.Errorf("unknown status %q", status)
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		f, err := os.Create(out)
		if err != nil {
			return eris.Wrapf(err, "create %s", out)
		}
		n, err := export.New(env.Store, env.Aggregator).Write(ctx, f, model.ProductStatus(status))
		if cerr := f.Close(); err == nil && cerr != nil {
			err = eris.Wrapf(cerr, "close %s", out)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d products to %s\n", n, out)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <product-id> <stage>",
	Short: "Reset a failed or stopped stage to pending",
	Long: "Resets the stage and clears its error. A running serve process " +
		"picks the stage up on its next recovery sweep; with the temporal " +
		"backend the stage is scheduled immediately.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		stage, err := parseStage(args[1])
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Machine.Retry(ctx, args[0], stage); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stage %d (%s) of %s reset to pending\n", stage, stage, args[0])
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Manage pipeline logs",
}

var logsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete pipeline logs older than the retention period",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		days, _ := cmd.Flags().GetInt("days")
		if days > 0 {
			cfg.Pipeline.LogRetentionDays = days
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Orch.PruneLogs(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d log entries\n", n)
		return nil
	},
}

// parseStage accepts a stage number or name.
func parseStage(s string) (model.Stage, error) {
	if n, err := strconv.Atoi(s); err == nil {
		st := model.Stage(n)
		if !st.Valid() {
			return 0, eris.Errorf("stage must be between %d and %d, got %d", model.FirstStage, model.LastStage, n)
		}
		return st, nil
	}
	for _, st := range model.Stages {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, eris.Errorf("unknown stage %q", s)
}

func init() {
	exportCmd.Flags().String("out", "catalog.xlsx", "output file")
	exportCmd.Flags().String("status", "", "only export products with this status")

	logsPruneCmd.Flags().Int("days", 0, "retention in days (default from config)")
	logsCmd.AddCommand(logsPruneCmd)

	rootCmd.AddCommand(migrateCmd, exportCmd, retryCmd, logsCmd)
}
