package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/listing-pipeline/internal/monitoring"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Show pipeline health for the lookback window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		hours, _ := cmd.Flags().GetInt("hours")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}
		alert, _ := cmd.Flags().GetBool("alert")

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := newCollector(env).Collect(ctx, hours)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, snapshotTable(snap))

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerts := alerter.Evaluate(snap)
		for _, a := range alerts {
			fmt.Fprintf(out, "ALERT [%s] %s\n", a.Severity, a.Message)
		}
		if alert && len(alerts) > 0 {
			fmt.Fprintf(out, "Sent %d of %d alerts\n", alerter.SendAlerts(ctx, alerts), len(alerts))
		}
		return nil
	},
}

func newCollector(env *appEnv) *monitoring.Collector {
	return monitoring.NewCollector(env.Store, time.Duration(cfg.Monitoring.StallMinutes)*time.Minute)
}

func newChecker(env *appEnv) *monitoring.Checker {
	return monitoring.NewChecker(newCollector(env), monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
}

func snapshotTable(s *monitoring.MetricsSnapshot) string {
	rows := [][]string{
		{"Products", strconv.Itoa(s.ProductsTotal)},
		{"Uploaded", strconv.Itoa(s.Uploaded)},
		{"Processing", strconv.Itoa(s.Processing)},
		{"Paused", strconv.Itoa(s.Paused)},
		{"Completed", strconv.Itoa(s.Completed)},
		{"Failed", strconv.Itoa(s.Failed)},
		{"Failure rate", strconv.FormatFloat(s.FailRate*100, 'f', 1, 64) + "%"},
		{"Stalled", strconv.Itoa(s.Stalled)},
	}
	return renderTable(
		[]string{"Last " + strconv.Itoa(s.LookbackHours) + "h", "Count"},
		rows,
		[]columnAlignment{alignLeft, alignRight},
	)
}

func init() {
	monitorCmd.Flags().Int("hours", 0, "lookback window in hours (default from config)")
	monitorCmd.Flags().Bool("alert", false, "send triggered alerts to the configured webhook")
	rootCmd.AddCommand(monitorCmd)
}
