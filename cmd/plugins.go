package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/intelcore/internal/plugins"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

var (
	pluginsUser string
	pluginsType string
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect plugin configuration for a user",
}

var pluginsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether each plugin config is configured and runnable for a user",
	Long: `List every plugin config with its routing queue and whether it is configured
(every required parameter has a value visible to the user, looking at the user's
own values, then the organization's, then the defaults) and runnable (also
enabled globally and for the user's organization).`,
	RunE: runPluginsStatus,
}

var pluginsParamsCmd = &cobra.Command{
	Use:   "params <type> <name>",
	Short: "Show the parameter values a plugin config resolves to for a user",
	Args:  cobra.ExactArgs(2),
	RunE:  runPluginsParams,
}

var pluginsRateLimitCmd = &cobra.Command{
	Use:   "rate-limit <type> <name>",
	Short: "Disable a plugin for the user's organization until its rate limit expires",
	Args:  cobra.ExactArgs(2),
	RunE:  runPluginsRateLimit,
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
	pluginsCmd.AddCommand(pluginsStatusCmd, pluginsParamsCmd, pluginsRateLimitCmd)

	pluginsCmd.PersistentFlags().StringVar(&pluginsUser, "user", "", "Username to resolve for (required)")
	pluginsStatusCmd.Flags().StringVar(&pluginsType, "type", "", "Restrict to one plugin type (analyzer, connector, visualizer, pivot)")
}

func newPluginResolver(cfg Config, st *store.Store) *plugins.Resolver {
	return plugins.NewResolver(st, plugins.Environment{StageCI: cfg.Stage.CI, Queues: cfg.Plugins.Queues}, nil)
}

func parseType(s string) (plugins.Type, error) {
	t := plugins.Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown plugin type %q", s)
	}
	return t, nil
}

func runPluginsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := GetConfig()

	_, st, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	user, err := lookupUser(ctx, st, pluginsUser)
	if err != nil {
		return err
	}

	var types []plugins.Type
	if pluginsType != "" {
		t, err := parseType(pluginsType)
		if err != nil {
			return err
		}
		types = append(types, t)
	}
	configs, err := plugins.NewRepository(st).ListConfigs(ctx, types...)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No plugin configs found.")
		return nil
	}

	resolver := newPluginResolver(cfg, st)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tNAME\tQUEUE\tCONFIGURED\tRUNNABLE")
	for i := range configs {
		c := &configs[i]
		configured, err := resolver.IsConfigured(ctx, c, user.ID)
		if err != nil {
			return err
		}
		runnable, err := resolver.IsRunnable(ctx, c, user.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", c.Type, c.Name, resolver.RoutingKey(c), configured, runnable)
	}
	return w.Flush()
}

func runPluginsParams(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := GetConfig()

	_, st, cleanup, err := setup(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	user, err := lookupUser(ctx, st, pluginsUser)
	if err != nil {
		return err
	}
	t, err := parseType(args[0])
	if err != nil {
		return err
	}
	c, err := plugins.NewRepository(st).GetConfigByName(ctx, t, args[1])
	if err != nil {
		return err
	}

	params, err := newPluginResolver(cfg, st).ReadConfiguredParams(ctx, c, user.ID)
	var perr *plugins.ParameterError
	if errors.As(err, &perr) {
		return fmt.Errorf("%s is not configured for %s: %w", c.Name, user.Username, err)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PARAMETER\tSOURCE\tVALUE")
	for _, p := range params {
		value := fmt.Sprint(p.Value)
		if p.Parameter.IsSecret {
			value = "********"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Parameter.Name, p.Source, value)
	}
	return w.Flush()
}

func runPluginsRateLimit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	_, st, cleanup, err := setup(GetConfig())
	if err != nil {
		return err
	}
	defer cleanup()

	user, err := lookupUser(ctx, st, pluginsUser)
	if err != nil {
		return err
	}
	m, err := st.Membership(ctx, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("user %s is not a member of any organization", user.Username)
	}
	if err != nil {
		return err
	}
	t, err := parseType(args[0])
	if err != nil {
		return err
	}
	repo := plugins.NewRepository(st)
	c, err := repo.GetConfigByName(ctx, t, args[1])
	if err != nil {
		return err
	}

	until, err := repo.DisableForRateLimit(ctx, m.OrganizationID, c.ID, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s disabled for organization %d until %s\n",
		c.Name, m.OrganizationID, until.Local().Format(time.RFC3339))
	return nil
}
