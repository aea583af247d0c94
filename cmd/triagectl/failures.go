package main

import (
	"errors"
	"fmt"
	"time"

	"mailtriage/internal/pipeline"
	"mailtriage/internal/repository"

	"github.com/spf13/cobra"
)

var queues = []string{pipeline.FetchQueue, pipeline.AnalysisQueue, pipeline.ResponseQueue}

var errLedgerDisabled = errors.New("postgres failure ledger is disabled (failures.postgres)")

func statsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-queue job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			infra, err := c.open(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "QUEUE\tWAITING\tDELAYED\tACTIVE\tFAILED\tREPEATS")
			for _, q := range queues {
				s, err := infra.Store.Stats(cmd.Context(), q)
				if err != nil {
					return fmt.Errorf("failed to read stats for %s: %w", q, err)
				}
				fmt.Fprintf(out, "%s\t%d\t%d\t%d\t%d\t%d\n", q, s.Waiting, s.Delayed, s.Active, s.Failed, s.Repeats)
			}
			return nil
		},
	}
}

func failuresCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Inspect terminally failed jobs",
	}
	cmd.AddCommand(failuresListCmd(c), failuresPruneCmd(c))
	return cmd
}

func failuresListCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent failed jobs of a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, _ := cmd.Flags().GetString("queue")
			limit, _ := cmd.Flags().GetInt("limit")
			fromDB, _ := cmd.Flags().GetBool("db")

			infra, err := c.open(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if fromDB {
				if infra.DB == nil {
					return errLedgerDisabled
				}
				jobs, err := repository.NewFailedJobRepository(infra.DB).List(cmd.Context(), q, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "FAILED_AT\tJOB_ID\tATTEMPTS\tREASON\tERROR")
				for _, j := range jobs {
					fmt.Fprintf(out, "%s\t%s\t%d\t%s\t%s\n", j.FailedAt.Format(time.RFC3339), j.JobID, j.Attempts, j.Reason, j.LastError)
				}
				return nil
			}

			jobs, err := infra.Store.ListFailed(cmd.Context(), q, limit)
			if err != nil {
				return fmt.Errorf("failed to list failed jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Fprintf(out, "No failed jobs in %s\n", q)
				return nil
			}
			fmt.Fprintln(out, "FAILED_AT\tJOB_ID\tATTEMPTS\tERROR")
			for _, j := range jobs {
				fmt.Fprintf(out, "%s\t%s\t%d\t%s\n", j.FinishedAt.Format(time.RFC3339), j.ID, j.Attempts, j.LastError)
			}
			return nil
		},
	}
	cmd.Flags().String("queue", pipeline.AnalysisQueue, "Queue name")
	cmd.Flags().Int("limit", 20, "Maximum number of jobs to show")
	cmd.Flags().Bool("db", false, "Read from the Postgres failure ledger instead of the queue store")
	return cmd
}

func failuresPruneCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Keep only the newest failed jobs per queue in the Postgres ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, _ := cmd.Flags().GetInt("keep")
			if keep < 0 {
				return fmt.Errorf("--keep must not be negative")
			}
			infra, err := c.open(cmd)
			if err != nil {
				return err
			}
			if infra.DB == nil {
				return errLedgerDisabled
			}
			n, err := repository.NewFailedJobRepository(infra.DB).Prune(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d failed job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().Int("keep", 1000, "Rows to keep per queue")
	return cmd
}
