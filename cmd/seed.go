package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/events"
	"github.com/Ashfaaq98/intelcore/internal/jobs"
	"github.com/Ashfaaq98/intelcore/internal/plugins"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed sample users, plugins, rules and jobs into the database",
	Long: `Seed a small sample dataset into the SQLite database: an organization with two
users, an analyzer, a connector and a pivot, a few observables, decaying rules
and a job tree. Useful for local testing with an empty database.`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger, st, cleanup, err := setup(GetConfig())
	if err != nil {
		return err
	}
	defer cleanup()
	logger = logger.Named("seed")

	if _, err := st.GetUserByName(ctx, "analyst"); err == nil {
		logger.Info("sample data already present, skipping")
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	logger.Info("seeding sample data")

	admin, err := st.CreateUser(ctx, "admin", true)
	if err != nil {
		return err
	}
	analyst, err := st.CreateUser(ctx, "analyst", false)
	if err != nil {
		return err
	}
	org, err := st.CreateOrganization(ctx, "soc")
	if err != nil {
		return err
	}
	if _, err := st.AddMembership(ctx, admin.ID, org.ID, true, true); err != nil {
		return err
	}
	if _, err := st.AddMembership(ctx, analyst.ID, org.ID, false, false); err != nil {
		return err
	}

	pluginIDs, err := seedPlugins(ctx, plugins.NewRepository(st), admin.ID)
	if err != nil {
		return fmt.Errorf("failed to seed plugins: %w", err)
	}

	domain, _, err := st.GetOrCreateAnalyzable(ctx, "login.example.com", store.ClassificationDomain)
	if err != nil {
		return err
	}
	if _, _, err := st.GetOrCreateAnalyzable(ctx, "10.20.0.5", store.ClassificationIP); err != nil {
		return err
	}

	repo := events.NewRepository(st, logger)
	base := events.EventParams{
		UserID:             analyst.ID,
		DecayProgression:   events.Linear,
		DecayTimedeltaDays: 7,
		DataModel:          &events.DataModelInput{Evaluation: "malicious", Reliability: 8, Tags: []string{"phishing"}},
	}
	if _, err := repo.CreateAnalyzableEvent(ctx, events.AnalyzableEventParams{EventParams: base, AnalyzableID: domain.ID}); err != nil {
		return err
	}
	wildcard := base
	wildcard.DecayProgression = events.InverseExponential
	wildcard.DataModel = &events.DataModelInput{Evaluation: "suspicious", Reliability: 5}
	if _, err := repo.CreateDomainWildcard(ctx, events.DomainWildcardParams{EventParams: wildcard, Query: `\.example\.com$`}); err != nil {
		return err
	}
	if _, err := repo.CreateIPWildcard(ctx, events.IPWildcardParams{EventParams: wildcard, Network: "10.20.0.0/16"}); err != nil {
		return err
	}

	tree := jobs.NewPathTree(st)
	root, err := tree.AddRoot(ctx, jobs.NewJob{UserID: &analyst.ID, AnalyzableID: &domain.ID, Status: jobs.StatusReportedWithoutFails})
	if err != nil {
		return err
	}
	if err := jobs.NewRepository(st).SetPluginsToExecute(ctx, root.ID, pluginIDs); err != nil {
		return err
	}
	child, err := tree.AddChild(ctx, root, jobs.NewJob{UserID: &analyst.ID, Status: jobs.StatusPending})
	if err != nil {
		return err
	}

	logger.Info("seeding completed",
		zap.Int64("root_job", root.ID), zap.Int64("child_job", child.ID))
	return nil
}

// seedPlugins creates an analyzer with a required secret, a connector and a
// pivot over both. It returns the analyzer and connector ids.
func seedPlugins(ctx context.Context, repo *plugins.Repository, ownerID int64) ([]int64, error) {
	vtModule, err := repo.EnsureModule(ctx, "analyzers_manager.observable_analyzers", "vt3_get.VirusTotalv3")
	if err != nil {
		return nil, err
	}
	apiKey, err := repo.AddParameter(ctx, plugins.Parameter{
		ModuleID: vtModule.ID, Name: "api_key_name", IsSecret: true, Required: true,
		Description: "VirusTotal API key",
	})
	if err != nil {
		return nil, err
	}
	analyzer, err := repo.CreateConfig(ctx, plugins.Config{
		Type: plugins.TypeAnalyzer, Name: "VirusTotal_v3_Get_Observable", ModuleID: vtModule.ID,
		Description: "Look up an observable on VirusTotal",
	})
	if err != nil {
		return nil, err
	}
	// shared with the organization
	if _, err := repo.SetValue(ctx, plugins.Value{
		ParameterID: apiKey.ID, ConfigID: analyzer.ID, OwnerID: &ownerID, ForOrganization: true, Value: "changeme",
	}); err != nil {
		return nil, err
	}

	mispModule, err := repo.EnsureModule(ctx, "connectors_manager.connectors", "misp.MISP")
	if err != nil {
		return nil, err
	}
	connector, err := repo.CreateConfig(ctx, plugins.Config{
		Type: plugins.TypeConnector, Name: "MISP", ModuleID: mispModule.ID, SoftTimeLimit: 30,
	})
	if err != nil {
		return nil, err
	}

	pivotModule, err := repo.EnsureModule(ctx, "pivots_manager.pivots", "compare.CompareMultipleFieldsPivot")
	if err != nil {
		return nil, err
	}
	pivot, err := repo.CreateConfig(ctx, plugins.Config{
		Type: plugins.TypePivot, Name: "VirusTotalToMISP", ModuleID: pivotModule.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := repo.SetRelatedConfigs(ctx, pivot.ID, []int64{analyzer.ID, connector.ID}); err != nil {
		return nil, err
	}
	return []int64{analyzer.ID, connector.ID}, nil
}
