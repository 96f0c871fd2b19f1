package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amishk599/autobid/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run <job-id|all>",
	Short: "Run one cycle for a job, or for every tracked job",
	Long: "Runs a single decision cycle and prints the outcome per job.\n" +
		"\"all\" first discovers open jobs, then processes every tracked job.",
	Args: cobra.ExactArgs(1),
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	logger := setupLogger(debug)

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := buildEngine(cfg, st, newCoordinator(cfg, st, logger), logger)
	if err != nil {
		return err
	}
	if _, err := engine.Load(ctx); err != nil {
		logger.Warn("could not restore schedule", "error", err)
	}

	report, err := engine.RunCycle(ctx, args[0])

	out := cmd.OutOrStdout()
	for _, d := range report.Decisions {
		line := fmt.Sprintf("%s\t%s\t%s", d.JobID, d.Outcome, d.Reason)
		if d.Outcome == model.OutcomeSubmitted {
			line += fmt.Sprintf("\t%.2f %s", d.Amount, d.Currency)
		}
		if d.Error != "" {
			line += "\t" + d.Error
		}
		fmt.Fprintln(out, line)
	}
	if err != nil {
		if model.IsRateLimited(err) {
			fmt.Fprintln(out, "cycle stopped: marketplace rate limit is active")
			return nil
		}
		return err
	}
	return nil
}
