package plugins

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Ashfaaq98/intelcore/internal/bus"
	"github.com/Ashfaaq98/intelcore/internal/jobs"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

func TestPivotsToExecute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var analyzers []*Config
	for _, name := range []string{"A1", "A2", "A3"} {
		c, err := f.repo.CreateConfig(ctx, Config{Type: TypeAnalyzer, Name: name, ModuleID: f.module.ID})
		require.NoError(t, err)
		analyzers = append(analyzers, c)
	}
	pivotModule, err := f.repo.EnsureModule(ctx, "pivots", "self_analyzable.SelfAnalyzable")
	require.NoError(t, err)
	pivot, err := f.repo.CreateConfig(ctx, Config{Type: TypePivot, Name: "test", ModuleID: pivotModule.ID})
	require.NoError(t, err)
	lonely, err := f.repo.CreateConfig(ctx, Config{Type: TypePivot, Name: "no-related", ModuleID: pivotModule.ID})
	require.NoError(t, err)
	require.NoError(t, f.repo.SetRelatedConfigs(ctx, pivot.ID, []int64{analyzers[0].ID, analyzers[1].ID}))

	job, err := jobs.NewPathTree(f.store).AddRoot(ctx, jobs.NewJob{UserID: &f.alice.ID})
	require.NoError(t, err)
	jobRepo := jobs.NewRepository(f.store)

	names := func() []string {
		pivots, err := f.repo.PivotsToExecute(ctx, job.ID)
		require.NoError(t, err)
		var out []string
		for _, p := range pivots {
			out = append(out, p.Name)
		}
		return out
	}

	for _, tc := range []struct {
		scheduled []int
		want      []string
	}{
		{[]int{0, 1}, []string{"test"}},
		{[]int{0}, nil},
		{[]int{0, 1, 2}, []string{"test"}},
		{[]int{0, 2}, nil},
	} {
		var ids []int64
		for _, i := range tc.scheduled {
			ids = append(ids, analyzers[i].ID)
		}
		require.NoError(t, jobRepo.SetPluginsToExecute(ctx, job.ID, ids))
		assert.Equal(t, tc.want, names(), "scheduled %v", tc.scheduled)
	}
	assert.NotContains(t, names(), lonely.Name)

	require.NoError(t, f.repo.SetDisabled(ctx, pivot.ID, true))
	require.NoError(t, jobRepo.SetPluginsToExecute(ctx, job.ID, []int64{analyzers[0].ID, analyzers[1].ID}))
	assert.Empty(t, names())
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, f.repo.SetOrgConfig(ctx, OrgConfig{OrganizationID: f.org.ID, ConfigID: f.config.ID}))
	_, err := f.repo.DisableForRateLimit(ctx, f.org.ID, f.config.ID, now)
	assert.ErrorIs(t, err, ErrRateLimitTimeoutMissing)

	require.NoError(t, f.repo.SetOrgConfig(ctx, OrgConfig{
		OrganizationID: f.org.ID, ConfigID: f.config.ID, RateLimitTimeout: 10 * time.Minute,
	}))
	until, err := f.repo.DisableForRateLimit(ctx, f.org.ID, f.config.ID, now)
	require.NoError(t, err)
	assert.True(t, now.Add(10*time.Minute).Equal(until))

	oc, err := GetOrgConfig(ctx, f.store.DB(), f.org.ID, f.config.ID)
	require.NoError(t, err)
	assert.True(t, oc.Disabled)
	assert.Equal(t, 10*time.Minute, oc.RateLimitTimeout)

	n, err := f.repo.EnableExpiredRateLimits(ctx, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.repo.EnableExpiredRateLimits(ctx, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	oc, err = GetOrgConfig(ctx, f.store.DB(), f.org.ID, f.config.ID)
	require.NoError(t, err)
	assert.False(t, oc.Disabled)
	assert.Nil(t, oc.RateLimitUntil)

	notes, err := f.store.ListNotifications(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Description, "VirusTotal")

	_, err = f.repo.DisableForRateLimit(ctx, f.org.ID, 999, now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type recordingBus struct {
	bus.NullBus
	mu   sync.Mutex
	msgs []bus.SignatureMessage
	err  error
}

func (b *recordingBus) PublishSignature(_ context.Context, msg bus.SignatureMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, msg)
	return nil
}

func TestDispatcher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setValue(t, "url", nil, false, "https://default")
	f.setValue(t, "api_key_name", f.alice, false, "alice-key")

	disabled, err := f.repo.CreateConfig(ctx, Config{Type: TypeConnector, Name: "MISP", ModuleID: f.module.ID, Disabled: true})
	require.NoError(t, err)
	broken, err := f.repo.CreateConfig(ctx, Config{Type: TypeAnalyzer, Name: "Broken", ModuleID: f.module.ID, RoutingKey: "gpu"})
	require.NoError(t, err)

	job, err := jobs.NewPathTree(f.store).AddRoot(ctx, jobs.NewJob{UserID: &f.alice.ID})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	b := &recordingBus{}
	d := NewDispatcher(NewResolver(f.store, Environment{}, nil), b, zap.New(core))

	res, err := d.Dispatch(ctx, []Config{*f.config, *disabled, *broken}, job)
	require.NoError(t, err)
	require.Len(t, res.Published, 1)
	assert.Equal(t, []string{"MISP"}, res.Skipped)
	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Failed[0], ErrNotRunnable)

	require.Len(t, b.msgs, 1)
	assert.Equal(t, "VirusTotal", b.msgs[0].PluginName)
	assert.Equal(t, "analyzer", b.msgs[0].PluginType)
	assert.Equal(t, job.ID, b.msgs[0].JobID)
	assert.Equal(t, res.Published[0].TaskID, b.msgs[0].TaskID)
	assert.Equal(t, 1, logs.FilterMessage("plugin skipped").Len())
	assert.Equal(t, 1, logs.FilterMessage("plugin not runnable").Len())

	b.err = errors.New("connection refused")
	_, err = d.Dispatch(ctx, []Config{*f.config}, job)
	assert.Error(t, err)

	_, err = d.Dispatch(ctx, nil, &jobs.Job{ID: 5})
	assert.Error(t, err)
}
