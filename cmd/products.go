package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/listing-pipeline/internal/model"
	"github.com/sells-group/listing-pipeline/internal/store"
)

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "Inspect products and their pipeline stages",
}

// -- products list --

var productsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List products",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		if status != "" && !model.ProductStatus(status).Valid() {
			return eris.Errorf("unknown status %q", status)
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		products, err := env.Store.ListProducts(ctx, store.ProductFilter{
			Status: model.ProductStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "products list")
		}
		if len(products) == 0 {
			fmt.Fprintln(os.Stderr, "No products found.")
			return nil
		}

		fmt.Fprintln(cmd.OutOrStdout(), productTable(products))
		return nil
	},
}

// -- products show --

var productsShowCmd = &cobra.Command{
	Use:   "show <product-id>",
	Short: "Show the merged view and stage status of a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		v, err := env.Aggregator.Merge(ctx, args[0])
		if err != nil {
			return err
		}
		phases, err := env.Store.ListPhases(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "products show")
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s (%s)\n", v.Name, v.ID)
		fmt.Fprintf(out, "  Brand/Model: %s / %s\n", v.Brand, v.Model)
		fmt.Fprintf(out, "  Category:    %s\n", v.Category)
		fmt.Fprintf(out, "  Status:      %s (stage %d, %d%% complete)\n", v.Status, v.CurrentStage, v.Summary.CompletionPercentage)
		if v.ErrorMessage != "" {
			fmt.Fprintf(out, "  Error:       %s\n", v.ErrorMessage)
		}
		if len(v.Missing) > 0 {
			fmt.Fprintf(out, "  Missing:     %v\n", v.Missing)
		}
		fmt.Fprintln(out, phaseTable(phases))
		return nil
	},
}

func productTable(products []model.Product) string {
	rows := make([][]string, 0, len(products))
	for _, p := range products {
		rows = append(rows, []string{
			p.ID,
			orDash(p.Name),
			orDash(p.Brand),
			string(p.Status),
			strconv.Itoa(int(p.CurrentStage)),
			formatConfidence(p.AIConfidence),
			p.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return renderTable(
		[]string{"ID", "Name", "Brand", "Status", "Stage", "Confidence", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func phaseTable(phases []model.PipelinePhase) string {
	rows := make([][]string, 0, len(phases))
	for _, ph := range phases {
		rows = append(rows, []string{
			ph.Stage.String(),
			string(ph.Status),
			strconv.Itoa(ph.Progress) + "%",
			strconv.Itoa(ph.RetryCount),
			orDash(ph.ErrorMessage),
		})
	}
	return renderTable(
		[]string{"Stage", "Status", "Progress", "Retries", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func formatConfidence(c *float64) string {
	if c == nil {
		return "-"
	}
	return strconv.FormatFloat(*c, 'f', 0, 64)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// renderTable draws rows under headers. Short rows are padded.
func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	if len(headers) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(toRow(headers, len(headers)))
	for _, r := range rows {
		tw.AppendRow(toRow(r, len(headers)))
	}

	configs := make([]table.ColumnConfig, len(headers))
	for i := range headers {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft}
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func toRow(cells []string, width int) table.Row {
	row := make(table.Row, width)
	for i := range row {
		if i < len(cells) {
			row[i] = cells[i]
		} else {
			row[i] = ""
		}
	}
	return row
}

func init() {
	productsListCmd.Flags().String("status", "", "filter by status (uploaded, processing, paused, completed, error)")
	productsListCmd.Flags().Int("limit", 50, "max products to show")

	productsCmd.AddCommand(productsListCmd, productsShowCmd)
	rootCmd.AddCommand(productsCmd)
}
