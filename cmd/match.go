package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/intelcore/internal/events"
	"github.com/Ashfaaq98/intelcore/internal/ingest"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

var matchUser string

var matchCmd = &cobra.Command{
	Use:   "match <observable>",
	Short: "List the events that match an observable",
	Long: `Classify an observable and list every analyzable event, domain wildcard and
IP wildcard that matches it. With --user only events visible to that user
(theirs and their organization's) are listed. The observable is not stored.`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)
	matchCmd.Flags().StringVar(&matchUser, "user", "", "Restrict to events visible to this user")
}

func runMatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	logger, st, cleanup, err := setup(GetConfig())
	if err != nil {
		return err
	}
	defer cleanup()

	repo := events.NewRepository(st, logger)

	var filter events.Filter
	if matchUser != "" {
		user, err := lookupUser(ctx, st, matchUser)
		if err != nil {
			return err
		}
		if filter, err = repo.VisibleForUser(ctx, user.ID); err != nil {
			return err
		}
	}

	obs := ingest.Classify(args[0])
	a := store.Analyzable{Name: obs.Name, Classification: obs.Classification}
	if existing, err := st.FindAnalyzable(ctx, obs.Name, obs.Classification); err == nil {
		a = *existing
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	var matched []events.Event
	for _, kind := range events.Kinds {
		set, err := repo.Set(kind, filter)
		if err != nil {
			return err
		}
		evs, err := set.Matches(ctx, a)
		if err != nil {
			return err
		}
		matched = append(matched, evs...)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", a.Name, a.Classification)
	printEvents(ctx, cmd.OutOrStdout(), st, matched)
	return nil
}
