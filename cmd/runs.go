package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pistobot/neoscratch/pkg/config"
	"github.com/pistobot/neoscratch/pkg/database"
)

var (
	runsStatus string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs recorded in the run registry",
	Long: `List pipeline runs recorded in the PostgreSQL run registry. The registry is
configured in the runtime.database section of the params file.`,
	Args: cobra.NoArgs,
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status (running, done, aborted)")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to list (0 for all)")
}

func runRuns(cmd *cobra.Command, args []string) error {
	newLogger()

	manager := config.NewManager(paramsPath)
	if err := manager.LoadConfig(); err != nil {
		return err
	}
	cfg := manager.GetConfig()
	if !cfg.Runtime.Database.Enabled {
		return errors.New("run registry is not enabled, set runtime.database.enabled in the params file")
	}

	db, err := database.New(cfg.Runtime.Database)
	if err != nil {
		return fmt.Errorf("failed to open run registry: %w", err)
	}
	defer db.Close()

	records, err := db.QueryRuns(strings.ToUpper(runsStatus), runsLimit)
	if err != nil {
		return fmt.Errorf("failed to query run registry: %w", err)
	}
	if len(records) == 0 {
		color.Yellow("No runs recorded.")
		return nil
	}

	renderRuns(os.Stdout, records)

	color.Green("\nTotal runs: %d", len(records))
	return nil
}

var runsHeader = []string{"RUN", "BACKEND", "STATUS", "FAILED_STAGE", "STARTED", "FINISHED"}

const (
	runsStatusColumn = 2
	runsColumnGap    = "   "
)

// renderRuns pads cells on their plain text and colours them afterwards, so
// escape codes never count toward column widths.
func renderRuns(w io.Writer, records []database.RunRecord) {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.RunName,
			r.Backend,
			r.Status,
			dash(r.FailedStage),
			r.StartedAt.Format("2006-01-02 15:04:05"),
			finished(r),
		})
	}

	widths := make([]int, len(runsHeader))
	for _, row := range append([][]string{runsHeader}, rows...) {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	header := padRow(runsHeader, widths)
	fmt.Fprintln(w, color.CyanString("%s", header))
	fmt.Fprintln(w, strings.Repeat("-", len(header)))

	for i, row := range rows {
		cells := padCells(row, widths)
		cells[runsStatusColumn] = statusColor(records[i].Status)("%s", cells[runsStatusColumn])
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, runsColumnGap), " "))
	}
}

func padCells(row []string, widths []int) []string {
	cells := make([]string, len(row))
	for i, cell := range row {
		cells[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}
	return cells
}

func padRow(row []string, widths []int) string {
	return strings.TrimRight(strings.Join(padCells(row, widths), runsColumnGap), " ")
}

func statusColor(status string) func(string, ...interface{}) string {
	switch status {
	case database.StatusDone:
		return color.GreenString
	case database.StatusAborted:
		return color.RedString
	default:
		return color.YellowString
	}
}

func finished(r database.RunRecord) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Format("2006-01-02 15:04:05")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
