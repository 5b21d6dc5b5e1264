package plugins

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/intelcore/internal/jobs"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

type fixture struct {
	store  *store.Store
	repo   *Repository
	module *Module
	config *Config
	params map[string]*Parameter

	alice, bob, carol *store.User
	org               *store.Organization
}

// newFixture creates a module with a required secret, a required plain and an
// optional parameter. alice and bob share an organization, carol has none.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{store: s, repo: NewRepository(s), params: map[string]*Parameter{}}

	f.module, err = f.repo.EnsureModule(ctx, "observable_analyzers", "virustotal.VirusTotal")
	require.NoError(t, err)
	for _, p := range []Parameter{
		{Name: "api_key_name", Type: "str", IsSecret: true, Required: true},
		{Name: "url", Type: "str", Required: true},
		{Name: "timeout", Type: "int"},
	} {
		p.ModuleID = f.module.ID
		created, err := f.repo.AddParameter(ctx, p)
		require.NoError(t, err)
		f.params[p.Name] = created
	}
	f.config, err = f.repo.CreateConfig(ctx, Config{Type: TypeAnalyzer, Name: "VirusTotal", ModuleID: f.module.ID})
	require.NoError(t, err)

	f.alice, err = s.CreateUser(ctx, "alice", false)
	require.NoError(t, err)
	f.bob, err = s.CreateUser(ctx, "bob", false)
	require.NoError(t, err)
	f.carol, err = s.CreateUser(ctx, "carol", false)
	require.NoError(t, err)
	f.org, err = s.CreateOrganization(ctx, "soc")
	require.NoError(t, err)
	_, err = s.AddMembership(ctx, f.alice.ID, f.org.ID, true, true)
	require.NoError(t, err)
	_, err = s.AddMembership(ctx, f.bob.ID, f.org.ID, false, false)
	require.NoError(t, err)
	return f
}

func (f *fixture) setValue(t *testing.T, param string, owner *store.User, forOrg bool, value interface{}) {
	t.Helper()
	v := Value{ParameterID: f.params[param].ID, ConfigID: f.config.ID, ForOrganization: forOrg, Value: value}
	if owner != nil {
		v.OwnerID = &owner.ID
	}
	_, err := f.repo.SetValue(context.Background(), v)
	require.NoError(t, err)
}

func (f *fixture) resolver(env Environment) *Resolver {
	return NewResolver(f.store, env, nil)
}

func byName(rps []ResolvedParam) map[string]ResolvedParam {
	out := make(map[string]ResolvedParam, len(rps))
	for _, rp := range rps {
		out[rp.Parameter.Name] = rp
	}
	return out
}

func TestReadConfiguredParamsMissingRequired(t *testing.T) {
	f := newFixture(t)
	f.setValue(t, "url", nil, false, "https://www.virustotal.com")

	_, err := f.resolver(Environment{}).ReadConfiguredParams(context.Background(), f.config, f.carol.ID)
	require.Error(t, err)
	var perr *ParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "api_key_name", perr.Parameter)
	assert.Equal(t, "VirusTotal", perr.Plugin)
	assert.ErrorIs(t, err, ErrParameterNotConfigured)
	assert.Contains(t, err.Error(), "api_key_name")
}

func TestReadConfiguredParamsOptionalNeverBlocks(t *testing.T) {
	f := newFixture(t)
	f.setValue(t, "url", nil, false, "https://www.virustotal.com")
	f.setValue(t, "api_key_name", f.carol, false, "carol-key")

	got, err := f.resolver(Environment{}).ReadConfiguredParams(context.Background(), f.config, f.carol.ID)
	require.NoError(t, err)
	params := byName(got)
	assert.Len(t, params, 2)
	assert.NotContains(t, params, "timeout")
	assert.Equal(t, "carol-key", params["api_key_name"].Value)
	assert.Equal(t, SourceUser, params["api_key_name"].Source)
	assert.Equal(t, SourceDefault, params["url"].Source)
}

func TestResolutionOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.resolver(Environment{})

	f.setValue(t, "url", nil, false, "https://default")
	f.setValue(t, "api_key_name", nil, false, "default-key")
	f.setValue(t, "timeout", nil, false, 30)

	// secret defaults are not visible
	ok, err := res.IsConfigured(ctx, f.config, f.alice.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	f.setValue(t, "api_key_name", f.bob, true, "org-key")
	f.setValue(t, "url", f.bob, true, "https://org")

	got, err := res.ReadConfiguredParams(ctx, f.config, f.alice.ID)
	require.NoError(t, err)
	params := byName(got)
	assert.Equal(t, "org-key", params["api_key_name"].Value)
	assert.Equal(t, SourceOrganization, params["api_key_name"].Source)
	assert.Equal(t, "https://org", params["url"].Value)
	assert.Equal(t, float64(30), params["timeout"].Value)

	f.setValue(t, "api_key_name", f.alice, false, "alice-key")
	got, err = res.ReadConfiguredParams(ctx, f.config, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice-key", byName(got)["api_key_name"].Value)

	// bob's personal value is never visible to alice
	f.setValue(t, "url", f.bob, false, "https://bob")
	got, err = res.ReadConfiguredParams(ctx, f.config, f.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://org", byName(got)["url"].Value)

	// carol is outside the organization
	ok, err = res.IsConfigured(ctx, f.config, f.carol.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadConfiguredParamsStageCI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setValue(t, "url", nil, false, "https://default")
	f.setValue(t, "api_key_name", f.alice, false, "alice-key")

	_, err := f.resolver(Environment{}).ReadConfiguredParams(ctx, f.config, f.carol.ID)
	assert.ErrorIs(t, err, ErrParameterNotConfigured)

	got, err := f.resolver(Environment{StageCI: true}).ReadConfiguredParams(ctx, f.config, f.carol.ID)
	require.NoError(t, err)
	assert.Equal(t, SourceAny, byName(got)["api_key_name"].Source)

	// still fails when nothing at all is stored
	f2 := newFixture(t)
	_, err = f2.resolver(Environment{StageCI: true}).ReadConfiguredParams(ctx, f2.config, f2.carol.ID)
	var perr *ParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "api_key_name", perr.Parameter)
}

func TestIsRunnable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.resolver(Environment{})
	f.setValue(t, "url", nil, false, "https://default")
	f.setValue(t, "api_key_name", f.alice, true, "org-key")

	ok, err := res.IsRunnable(ctx, f.config, f.bob.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, f.repo.SetOrgConfig(ctx, OrgConfig{OrganizationID: f.org.ID, ConfigID: f.config.ID, Disabled: true}))
	ok, err = res.IsRunnable(ctx, f.config, f.bob.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.repo.SetOrgConfig(ctx, OrgConfig{OrganizationID: f.org.ID, ConfigID: f.config.ID}))
	require.NoError(t, f.repo.SetDisabled(ctx, f.config.ID, true))
	cfg, err := f.repo.GetConfig(ctx, f.config.ID)
	require.NoError(t, err)
	ok, err = res.IsRunnable(ctx, cfg, f.bob.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetSignatures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.resolver(Environment{})
	f.setValue(t, "url", nil, false, "https://default")
	f.setValue(t, "api_key_name", f.alice, false, "alice-key")

	disabled, err := f.repo.CreateConfig(ctx, Config{Type: TypeAnalyzer, Name: "Disabled", ModuleID: f.module.ID, Disabled: true})
	require.NoError(t, err)
	unconfigured, err := f.repo.CreateConfig(ctx, Config{Type: TypeAnalyzer, Name: "Unconfigured", ModuleID: f.module.ID})
	require.NoError(t, err)

	tree := jobs.NewPathTree(f.store)
	job, err := tree.AddRoot(ctx, jobs.NewJob{UserID: &f.alice.ID, Status: jobs.StatusPending})
	require.NoError(t, err)

	configs := []Config{*f.config, *disabled, *unconfigured}

	it := res.GetSignatures(configs, job)
	_, err = it.Next(ctx)
	assert.ErrorIs(t, err, ErrNotAnnotated)
	assert.ErrorIs(t, err, ErrNotRunnable)

	require.NoError(t, res.AnnotateRunnable(ctx, configs, f.alice.ID))
	it = res.GetSignatures(configs, job)

	sig, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "VirusTotal", sig.Name)
	assert.Equal(t, f.config.ID, sig.ConfigID)
	assert.Equal(t, "observable_analyzers.virustotal.VirusTotal", sig.Module)
	assert.Equal(t, f.alice.ID, sig.UserID)
	assert.Equal(t, job.ID, sig.JobID)
	assert.Equal(t, DefaultRoutingKey, sig.RoutingKey)
	assert.Equal(t, 60*time.Second, sig.SoftTimeLimit)
	_, err = uuid.Parse(sig.TaskID)
	assert.NoError(t, err)

	_, err = it.Next(ctx)
	var skip *SkipError
	require.True(t, errors.As(err, &skip))
	assert.Equal(t, "Disabled", skip.Plugin)
	assert.ErrorIs(t, err, ErrPluginDisabled)
	assert.False(t, errors.Is(err, ErrNotRunnable))

	_, err = it.Next(ctx)
	var notRunnable *RunnableError
	require.True(t, errors.As(err, &notRunnable))
	assert.Equal(t, "Unconfigured", notRunnable.Plugin)
	assert.False(t, errors.Is(err, ErrPluginDisabled))

	_, err = it.Next(ctx)
	assert.ErrorIs(t, err, Done)
	_, err = it.Next(ctx)
	assert.ErrorIs(t, err, Done)

	again, err := res.GetSignatures(configs, job).Next(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, sig.TaskID, again.TaskID)
}

func TestRoutingKey(t *testing.T) {
	res := NewResolver(nil, Environment{Queues: []string{"default", "long"}}, nil)
	assert.Equal(t, "long", res.RoutingKey(&Config{Name: "a", RoutingKey: "long"}))
	assert.Equal(t, DefaultRoutingKey, res.RoutingKey(&Config{Name: "b", RoutingKey: "gpu"}))
	assert.Equal(t, DefaultRoutingKey, res.RoutingKey(&Config{Name: "c"}))

	open := NewResolver(nil, Environment{}, nil)
	assert.Equal(t, "gpu", open.RoutingKey(&Config{Name: "b", RoutingKey: "gpu"}))
}
