package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/intelcore/internal/events"
	"github.com/Ashfaaq98/intelcore/internal/scheduler"
)

var decayKind string

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run one decay invocation over user events",
	Long: `Decay every user event whose next decay date has passed: the event's decay
counter is incremented, its data model loses one reliability point and the
next decay date is pushed forward according to the decay progression.

The invocation holds the decay lease (Redis when configured, in-process
otherwise); if another invocation holds it the run is skipped.

Examples:
  intelcore decay
  intelcore decay --kind domain`,
	RunE: runDecay,
}

func init() {
	rootCmd.AddCommand(decayCmd)
	decayCmd.Flags().StringVar(&decayKind, "kind", "all", "Event kind to decay (analyzable, domain, ip, all)")
}

func runDecay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := GetConfig()

	logger, st, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	repo := events.NewRepository(st, logger)

	var decayer scheduler.Decayer = repo
	if decayKind != "all" {
		kind, err := events.ParseKind(decayKind)
		if err != nil {
			return err
		}
		decayer = singleKind{repo: repo, kind: kind}
	}

	locker, closeLocker := newLocker(cfg, logger)
	defer closeLocker()

	sched := scheduler.New(scheduler.Config{LeaseTTL: cfg.Decay.LeaseTTL}, locker, decayer, logger)
	counts, err := sched.RunDecayOnce(ctx)
	if err != nil {
		return err
	}
	for _, kind := range events.Kinds {
		if n, ok := counts[kind]; ok {
			fmt.Fprintf(cmd.OutOrStdout(), "%-16s %d\n", kind, n)
		}
	}
	return nil
}

// singleKind restricts a decay invocation to one event kind.
type singleKind struct {
	repo *events.Repository
	kind events.Kind
}

func (s singleKind) DecayAll(ctx context.Context, f events.Filter) (map[events.Kind]int, error) {
	set, err := s.repo.Set(s.kind, f)
	if err != nil {
		return nil, err
	}
	n, err := set.Decay(ctx)
	if err != nil {
		return nil, err
	}
	return map[events.Kind]int{s.kind: n}, nil
}
