package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/intelcore/internal/events"
	"github.com/Ashfaaq98/intelcore/internal/ingest"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

var (
	ruleUser        string
	ruleProgression string
	ruleDays        int
	ruleReliability int
	ruleEvaluation  string
	ruleTags        []string
	ruleStartIP     string
	ruleEndIP       string
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Create and list decaying user events",
}

var ruleDomainCmd = &cobra.Command{
	Use:   "domain <regex>",
	Short: "Create a domain wildcard rule (case-insensitive regular expression)",
	Long: `Create a domain wildcard rule. The query is a case-insensitive regular
expression searched in domain and URL observables; every existing match is
attached to the rule.

Example:
  intelcore rule domain '\.evil\.com$' --user analyst --progression inverse_exponential --days 2`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRule(cmd, func(ctx context.Context, st *store.Store, repo *events.Repository, p events.EventParams) (*events.Event, error) {
			return repo.CreateDomainWildcard(ctx, events.DomainWildcardParams{EventParams: p, Query: args[0]})
		})
	},
}

var ruleIPCmd = &cobra.Command{
	Use:   "ip [cidr]",
	Short: "Create an IP wildcard rule from a CIDR or an explicit range",
	Long: `Create an IP wildcard rule over an inclusive range, given either as a CIDR
network or with --start and --end. Every existing IP observable inside the range
is attached to the rule.

Examples:
  intelcore rule ip 10.0.0.0/8 --user analyst
  intelcore rule ip --start 192.0.2.10 --end 192.0.2.20 --user analyst`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var network string
		if len(args) == 1 {
			network = args[0]
		}
		return withRule(cmd, func(ctx context.Context, st *store.Store, repo *events.Repository, p events.EventParams) (*events.Event, error) {
			return repo.CreateIPWildcard(ctx, events.IPWildcardParams{
				EventParams: p, Network: network, StartIP: ruleStartIP, EndIP: ruleEndIP,
			})
		})
	},
}

var ruleAnalyzableCmd = &cobra.Command{
	Use:   "analyzable <observable>",
	Short: "Record an evaluation of a single observable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRule(cmd, func(ctx context.Context, st *store.Store, repo *events.Repository, p events.EventParams) (*events.Event, error) {
			obs := ingest.Classify(args[0])
			a, _, err := st.GetOrCreateAnalyzable(ctx, obs.Name, obs.Classification)
			if err != nil {
				return nil, err
			}
			return repo.CreateAnalyzableEvent(ctx, events.AnalyzableEventParams{EventParams: p, AnalyzableID: a.ID})
		})
	},
}

var ruleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the events visible to a user",
	RunE:  runRuleList,
}

func init() {
	rootCmd.AddCommand(ruleCmd)
	ruleCmd.AddCommand(ruleDomainCmd, ruleIPCmd, ruleAnalyzableCmd, ruleListCmd)

	ruleCmd.PersistentFlags().StringVar(&ruleUser, "user", "", "Owner username (required)")
	for _, c := range []*cobra.Command{ruleDomainCmd, ruleIPCmd, ruleAnalyzableCmd} {
		c.Flags().StringVar(&ruleProgression, "progression", "linear", "Decay progression (linear, inverse_exponential, fixed)")
		c.Flags().IntVar(&ruleDays, "days", 3, "Decay timedelta in days")
		c.Flags().IntVar(&ruleReliability, "reliability", events.DefaultReliability, "Initial reliability")
		c.Flags().StringVar(&ruleEvaluation, "evaluation", "malicious", "Evaluation (e.g. malicious, trusted)")
		c.Flags().StringSliceVar(&ruleTags, "tags", nil, "Comma-separated tags")
	}
	ruleIPCmd.Flags().StringVar(&ruleStartIP, "start", "", "First address of the range")
	ruleIPCmd.Flags().StringVar(&ruleEndIP, "end", "", "Last address of the range")
}

type createFunc func(ctx context.Context, st *store.Store, repo *events.Repository, p events.EventParams) (*events.Event, error)

func withRule(cmd *cobra.Command, create createFunc) error {
	ctx := cmd.Context()

	logger, st, cleanup, err := setup(GetConfig())
	if err != nil {
		return err
	}
	defer cleanup()

	user, err := lookupUser(ctx, st, ruleUser)
	if err != nil {
		return err
	}
	progression, err := events.ParseDecayProgression(ruleProgression)
	if err != nil {
		return err
	}

	repo := events.NewRepository(st, logger)
	ev, err := create(ctx, st, repo, events.EventParams{
		UserID:             user.ID,
		DecayProgression:   progression,
		DecayTimedeltaDays: ruleDays,
		DataModel: &events.DataModelInput{
			Evaluation:  ruleEvaluation,
			Reliability: ruleReliability,
			Tags:        ruleTags,
		},
	})
	if err != nil {
		if errors.Is(err, events.ErrInvalidPattern) || errors.Is(err, events.ErrInvalidIPRange) {
			return fmt.Errorf("rejected: %w", err)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "created %s event %d (attached %d observables)\n", ev.Kind, ev.ID, len(ev.AnalyzableIDs))
	return nil
}

func runRuleList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	logger, st, cleanup, err := setup(GetConfig())
	if err != nil {
		return err
	}
	defer cleanup()

	user, err := lookupUser(ctx, st, ruleUser)
	if err != nil {
		return err
	}
	repo := events.NewRepository(st, logger)
	filter, err := repo.VisibleForUser(ctx, user.ID)
	if err != nil {
		return err
	}

	var all []events.Event
	for _, kind := range events.Kinds {
		evs, err := repo.List(ctx, kind, filter)
		if err != nil {
			return err
		}
		all = append(all, evs...)
	}
	printEvents(ctx, cmd.OutOrStdout(), st, all)
	return nil
}

func printEvents(ctx context.Context, out io.Writer, st *store.Store, evs []events.Event) {
	if len(evs) == 0 {
		fmt.Fprintln(out, "No events found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tUSER\tTARGET\tPROGRESSION\tDECAYS\tNEXT DECAY")
	for _, ev := range evs {
		next := "dormant"
		if !ev.Dormant() {
			next = ev.NextDecay.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%d\t%s\n",
			ev.Kind, ev.ID, ev.UserID, eventTarget(ctx, st, ev), ev.DecayProgression, ev.DecayTimes, next)
	}
	w.Flush()
}

func eventTarget(ctx context.Context, st *store.Store, ev events.Event) string {
	switch ev.Kind {
	case events.KindDomainWildcard:
		return ev.Query
	case events.KindIPWildcard:
		if ev.Network != "" {
			return ev.Network
		}
		return strings.Join([]string{ev.StartIP, ev.EndIP}, "-")
	}
	if a, err := st.GetAnalyzable(ctx, ev.AnalyzableID); err == nil {
		return a.Name
	}
	return fmt.Sprintf("analyzable #%d", ev.AnalyzableID)
}
