package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"medallion-etl/internal/app"
	"medallion-etl/internal/logicaldate"
	"medallion-etl/internal/pipeline"
)

var stageCmds = []*cobra.Command{
	newStageCmd(pipeline.StageCapture, "Capture the raw price snapshot for a logical date"),
	newStageCmd(pipeline.StageNormalize, "Normalize the raw capture of a logical date"),
	newStageCmd(pipeline.StageAggregate, "Aggregate daily metrics for a logical date"),
	newStageCmd(app.StagePipeline, "Run capture, normalize and aggregate for a logical date"),
}

func newStageCmd(stage, short string) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   stage,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := parseDate(date, logicaldate.Today())
			if err != nil {
				return fmt.Errorf("--date: %w", err)
			}
			return getApp().RunStage(cmd.Context(), stage, ds)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Logical date (YYYY-MM-DD, defaults to today UTC)")
	return cmd
}

// parseDate reads a YYYY-MM-DD flag value, returning fallback when empty.
func parseDate(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	return logicaldate.Parse(value)
}
