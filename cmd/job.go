package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/intelcore/internal/bus"
	"github.com/Ashfaaq98/intelcore/internal/jobs"
	"github.com/Ashfaaq98/intelcore/internal/plugins"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect job trees and dispatch plugin signatures",
}

var jobRootCmd = &cobra.Command{
	Use:   "root <job-id>",
	Short: "Print the root of a job's tree",
	Long: `Print the root job of the tree a job belongs to. When the tree is corrupted
and holds several roots, the first-created root whose lineage matches is used
and a warning is logged.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobRoot,
}

var jobDispatchCmd = &cobra.Command{
	Use:   "dispatch <job-id>",
	Short: "Publish a signature for every runnable plugin scheduled on a job",
	Long: `Load the plugins scheduled for a job, together with the pivots whose related
plugins are all scheduled, and publish one signature per runnable config to the
Redis signatures stream. Without Redis the signatures are only logged.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobDispatch,
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id> <status>",
	Short: "Move a job to a new status",
	Long: `Move a job to a new status. Final statuses (reported_without_fails,
reported_with_fails, killed, failed) also stamp the analysis finish time.`,
	Args: cobra.ExactArgs(2),
	RunE: runJobStatus,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobRootCmd, jobDispatchCmd, jobStatusCmd)
}

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

func runJobRoot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}

	logger, st, cleanup, err := setup(GetConfig())
	if err != nil {
		return err
	}
	defer cleanup()

	job, err := jobs.NewRepository(st).Get(ctx, id)
	if err != nil {
		return err
	}
	root, err := jobs.NewResolver(jobs.NewPathTree(st), st, logger).GetRoot(ctx, job)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %d: root %d (path %s, status %s)\n", job.ID, root.ID, root.Path, root.Status)
	return nil
}

func runJobDispatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := GetConfig()
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}

	logger, st, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	job, err := jobs.NewRepository(st).Get(ctx, id)
	if err != nil {
		return err
	}

	repo := plugins.NewRepository(st)
	ids, err := jobs.PluginsToExecute(ctx, st.DB(), job.ID)
	if err != nil {
		return err
	}
	configs, err := repo.ListConfigsByID(ctx, ids)
	if err != nil {
		return err
	}
	pivots, err := repo.PivotsToExecute(ctx, job.ID)
	if err != nil {
		return err
	}
	configs = append(configs, pivots...)

	b := bus.NewBus(cfg.Redis.URL, logger)
	defer b.Close()

	resolver := plugins.NewResolver(st, plugins.Environment{StageCI: cfg.Stage.CI, Queues: cfg.Plugins.Queues}, logger)
	res, err := plugins.NewDispatcher(resolver, b, logger.Named("dispatch")).Dispatch(ctx, configs, job)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, sig := range res.Published {
		fmt.Fprintf(out, "published %-10s %-24s queue=%s task=%s\n", sig.Type, sig.Name, sig.RoutingKey, sig.TaskID)
	}
	for _, name := range res.Skipped {
		fmt.Fprintf(out, "skipped   %s\n", name)
	}
	for _, e := range res.Failed {
		fmt.Fprintf(out, "failed    %v\n", e)
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d plugins not runnable for job %d: %w", len(res.Failed), job.ID, plugins.ErrNotRunnable)
	}
	return nil
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	status, err := jobs.ParseStatus(args[1])
	if err != nil {
		return err
	}

	_, st, cleanup, err := setup(GetConfig())
	if err != nil {
		return err
	}
	defer cleanup()

	repo := jobs.NewRepository(st)
	if err := repo.SetStatus(ctx, id, status); err != nil {
		return err
	}
	job, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %d: %s\n", job.ID, job.Status)
	return nil
}
