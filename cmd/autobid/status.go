package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amishk599/autobid/internal/model"
	"github.com/amishk599/autobid/internal/schedule"
	"github.com/amishk599/autobid/internal/status"
)

var plainStatus bool

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show the schedule and last decisions",
	Long: "Without arguments, shows every tracked job in an interactive table (or plain\n" +
		"text with --plain). With a job id, prints that job's schedule state.",
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&plainStatus, "plain", false, "print a plain text table and exit")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	coord := newCoordinator(cfg, st, logger)

	if len(args) == 1 {
		engine, err := buildEngine(cfg, st, coord, logger)
		if err != nil {
			return err
		}
		if _, err := engine.Load(ctx); err != nil {
			return err
		}
		state, err := engine.GetScheduleState(ctx, args[0])
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("job %s is not known to autobid", args[0])
		}
		if err != nil {
			return err
		}
		return status.RenderState(cmd.OutOrStdout(), state, time.Now())
	}

	states := schedule.NewStore(st.kv)
	load := func(ctx context.Context) (status.Snapshot, error) {
		return status.Collect(ctx, states, coord, time.Now())
	}
	if plainStatus {
		snap, err := load(ctx)
		if err != nil {
			return err
		}
		return status.RenderPlain(cmd.OutOrStdout(), snap)
	}
	return status.RunTUI(ctx, load)
}
