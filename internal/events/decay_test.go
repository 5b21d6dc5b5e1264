package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/intelcore/internal/store"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.Store
	repo  *Repository
	user  *store.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	user, err := s.CreateUser(context.Background(), "analyst", false)
	require.NoError(t, err)

	repo := NewRepository(s, nil).WithClock(func() time.Time { return testNow })
	return &fixture{store: s, repo: repo, user: user}
}

func (f *fixture) analyzable(t *testing.T, name string, c store.Classification) *store.Analyzable {
	t.Helper()
	a, _, err := f.store.GetOrCreateAnalyzable(context.Background(), name, c)
	require.NoError(t, err)
	return a
}

// analyzableEvent creates an event whose first decay is due at next.
func (f *fixture) analyzableEvent(t *testing.T, p DecayProgression, timedelta, reliability int, next time.Time) *Event {
	t.Helper()
	a := f.analyzable(t, "evil.com", store.ClassificationDomain)
	ev, err := f.repo.CreateAnalyzableEvent(context.Background(), AnalyzableEventParams{
		EventParams: EventParams{
			UserID:             f.user.ID,
			Date:               next.Add(-days(timedelta)),
			DecayProgression:   p,
			DecayTimedeltaDays: timedelta,
			DataModel:          &DataModelInput{Evaluation: "malicious", Reliability: reliability},
		},
		AnalyzableID: a.ID,
	})
	require.NoError(t, err)
	return ev
}

func (f *fixture) decay(t *testing.T, kind Kind) int {
	t.Helper()
	set, err := f.repo.Set(kind, Filter{})
	require.NoError(t, err)
	n, err := set.Decay(context.Background())
	require.NoError(t, err)
	return n
}

func (f *fixture) reload(t *testing.T, ev *Event) *Event {
	t.Helper()
	got, err := f.repo.Get(context.Background(), ev.Kind, ev.ID)
	require.NoError(t, err)
	return got
}

func TestDecayLinear(t *testing.T) {
	f := newFixture(t)
	next := testNow.Add(-time.Hour)
	ev := f.analyzableEvent(t, Linear, 7, 8, next)
	require.NotNil(t, ev.NextDecay)
	assert.True(t, next.Equal(*ev.NextDecay))

	assert.Equal(t, 1, f.decay(t, KindAnalyzable))

	got := f.reload(t, ev)
	assert.Equal(t, 1, got.DecayTimes)
	require.NotNil(t, got.DataModel)
	assert.Equal(t, 7, got.DataModel.Reliability)
	require.NotNil(t, got.NextDecay)
	assert.True(t, next.Add(7*24*time.Hour).Equal(*got.NextDecay))
}

func TestDecayInverseExponential(t *testing.T) {
	f := newFixture(t)
	next := testNow.Add(-time.Minute)
	ev := f.analyzableEvent(t, InverseExponential, 2, 5, next)

	assert.Equal(t, 1, f.decay(t, KindAnalyzable))

	got := f.reload(t, ev)
	assert.Equal(t, 1, got.DecayTimes)
	assert.Equal(t, 4, got.DataModel.Reliability)
	require.NotNil(t, got.NextDecay)
	assert.True(t, next.Add(4*24*time.Hour).Equal(*got.NextDecay))
}

func TestDecayDormancyFloor(t *testing.T) {
	f := newFixture(t)
	ev := f.analyzableEvent(t, Linear, 1, 1, testNow.Add(-time.Hour))

	assert.Equal(t, 1, f.decay(t, KindAnalyzable))
	got := f.reload(t, ev)
	assert.Equal(t, 0, got.DataModel.Reliability)
	assert.Nil(t, got.NextDecay)
	assert.True(t, got.Dormant())

	assert.Equal(t, 0, f.decay(t, KindAnalyzable))
	got = f.reload(t, ev)
	assert.Equal(t, 0, got.DataModel.Reliability)
	assert.Equal(t, 1, got.DecayTimes)
}

func TestDecayFixedExcluded(t *testing.T) {
	f := newFixture(t)
	ev := f.analyzableEvent(t, Fixed, 3, 5, testNow.AddDate(-10, 0, 0))
	require.NotNil(t, ev.NextDecay)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, f.decay(t, KindAnalyzable))
	}
	got := f.reload(t, ev)
	assert.Equal(t, 0, got.DecayTimes)
	assert.Equal(t, 5, got.DataModel.Reliability)
}

func TestDecayNotYetDue(t *testing.T) {
	f := newFixture(t)
	ev := f.analyzableEvent(t, Linear, 3, 5, testNow.Add(time.Hour))

	assert.Equal(t, 0, f.decay(t, KindAnalyzable))
	assert.Equal(t, 0, f.reload(t, ev).DecayTimes)
}

func TestDecayBatch(t *testing.T) {
	f := newFixture(t)
	next := testNow.Add(-time.Hour)
	evs := []*Event{
		f.analyzableEvent(t, Linear, 1, 3, next),
		f.analyzableEvent(t, Linear, 2, 3, next),
		f.analyzableEvent(t, InverseExponential, 3, 3, next),
	}

	assert.Equal(t, 3, f.decay(t, KindAnalyzable))

	wantNext := []time.Duration{1, 2, 9}
	for i, ev := range evs {
		got := f.reload(t, ev)
		assert.Equal(t, 1, got.DecayTimes)
		assert.Equal(t, 2, got.DataModel.Reliability)
		require.NotNil(t, got.NextDecay)
		assert.True(t, next.Add(wantNext[i]*24*time.Hour).Equal(*got.NextDecay), "event %d", i)
	}
}

func TestDecayMissingDataModel(t *testing.T) {
	f := newFixture(t)
	ev := f.analyzableEvent(t, Linear, 1, 3, testNow.Add(-time.Hour))
	_, err := f.store.DB().Exec(`UPDATE user_analyzable_events SET data_model_id = NULL WHERE id = ?`, ev.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, f.decay(t, KindAnalyzable))
	got := f.reload(t, ev)
	assert.Equal(t, 1, got.DecayTimes)
	assert.Nil(t, got.NextDecay)
	assert.Nil(t, got.DataModel)
}

func TestDecayRespectsFilter(t *testing.T) {
	f := newFixture(t)
	mine := f.analyzableEvent(t, Linear, 1, 3, testNow.Add(-time.Hour))
	other, err := f.store.CreateUser(context.Background(), "other", false)
	require.NoError(t, err)
	theirs := f.analyzableEvent(t, Linear, 1, 3, testNow.Add(-time.Hour))
	_, err = f.store.DB().Exec(`UPDATE user_analyzable_events SET user_id = ? WHERE id = ?`, other.ID, theirs.ID)
	require.NoError(t, err)

	filter, err := f.repo.VisibleForUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	set, err := f.repo.Set(KindAnalyzable, filter)
	require.NoError(t, err)
	n, err := set.Decay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 1, f.reload(t, mine).DecayTimes)
	assert.Equal(t, 0, f.reload(t, theirs).DecayTimes)
}

func TestDecayAllKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := testNow.AddDate(0, 0, -5)
	dm := &DataModelInput{Reliability: 2}

	f.analyzableEvent(t, Linear, 1, 2, testNow.Add(-time.Hour))
	_, err := f.repo.CreateDomainWildcard(ctx, DomainWildcardParams{
		EventParams: EventParams{UserID: f.user.ID, Date: past, DecayProgression: Linear, DecayTimedeltaDays: 1, DataModel: dm},
		Query:       `\.example\.org$`,
	})
	require.NoError(t, err)
	_, err = f.repo.CreateIPWildcard(ctx, IPWildcardParams{
		EventParams: EventParams{UserID: f.user.ID, Date: past, DecayProgression: Linear, DecayTimedeltaDays: 1, DataModel: dm},
		Network:     "10.0.0.0/8",
	})
	require.NoError(t, err)

	counts, err := f.repo.DecayAll(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, map[Kind]int{KindAnalyzable: 1, KindDomainWildcard: 1, KindIPWildcard: 1}, counts)
}

func TestDecayPropagatesErrors(t *testing.T) {
	f := newFixture(t)
	ev := f.analyzableEvent(t, Linear, 1, 3, testNow.Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	set, err := f.repo.Set(KindAnalyzable, Filter{})
	require.NoError(t, err)
	_, err = set.Decay(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	got := f.reload(t, ev)
	assert.Equal(t, 0, got.DecayTimes)
	assert.Equal(t, 3, got.DataModel.Reliability)
}

func TestDecayRollsBackDataModelsOnEventUpdateFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.analyzableEvent(t, Linear, 1, 3, testNow.Add(-time.Hour))

	// reliability is written before the event rows, so this fails mid-transaction
	_, err := f.store.DB().ExecContext(ctx, `CREATE TRIGGER fail_event_update
		BEFORE UPDATE ON user_analyzable_events BEGIN SELECT RAISE(ABORT, 'event update refused'); END`)
	require.NoError(t, err)

	set, err := f.repo.Set(KindAnalyzable, Filter{})
	require.NoError(t, err)
	n, err := set.Decay(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event update refused")
	assert.Zero(t, n)

	_, err = f.store.DB().ExecContext(ctx, `DROP TRIGGER fail_event_update`)
	require.NoError(t, err)

	got := f.reload(t, ev)
	assert.Equal(t, 0, got.DecayTimes)
	assert.Equal(t, 3, got.DataModel.Reliability)
	require.NotNil(t, got.NextDecay)
	assert.Equal(t, ev.NextDecay.Unix(), got.NextDecay.Unix())

	// the same events decay once the failure is gone
	assert.Equal(t, 1, f.decay(t, KindAnalyzable))
	got = f.reload(t, ev)
	assert.Equal(t, 1, got.DecayTimes)
	assert.Equal(t, 2, got.DataModel.Reliability)
}

func TestCreateEventNextDecay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.analyzable(t, "dormant.com", store.ClassificationDomain)

	dormant, err := f.repo.CreateAnalyzableEvent(ctx, AnalyzableEventParams{
		EventParams:  EventParams{UserID: f.user.ID, DecayProgression: Linear, DecayTimedeltaDays: 3, DataModel: &DataModelInput{Reliability: 0}},
		AnalyzableID: a.ID,
	})
	require.NoError(t, err)
	assert.Nil(t, dormant.NextDecay)
	assert.True(t, testNow.Equal(dormant.Date))

	live, err := f.repo.CreateAnalyzableEvent(ctx, AnalyzableEventParams{
		EventParams:  EventParams{UserID: f.user.ID, DecayProgression: Linear, DecayTimedeltaDays: 3, DataModel: &DataModelInput{Reliability: 4}},
		AnalyzableID: a.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, live.NextDecay)
	assert.True(t, testNow.AddDate(0, 0, 3).Equal(*live.NextDecay))

	_, err = f.repo.CreateAnalyzableEvent(ctx, AnalyzableEventParams{
		EventParams:  EventParams{UserID: f.user.ID, DecayProgression: Linear},
		AnalyzableID: a.ID,
	})
	assert.ErrorIs(t, err, ErrMissingDataModel)

	_, err = f.repo.CreateAnalyzableEvent(ctx, AnalyzableEventParams{
		EventParams:  EventParams{UserID: f.user.ID, DecayTimedeltaDays: -1, DataModel: &DataModelInput{Reliability: 1}},
		AnalyzableID: a.ID,
	})
	assert.Error(t, err)

	_, err = f.repo.CreateAnalyzableEvent(ctx, AnalyzableEventParams{
		EventParams:  EventParams{UserID: f.user.ID, DataModel: &DataModelInput{Reliability: 1}},
		AnalyzableID: 9999,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAnalyzableEventDataModelKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, tc := range []struct {
		name string
		c    store.Classification
		want DataModelKind
	}{
		{"1.1.1.1", store.ClassificationIP, DataModelIP},
		{"d41d8cd98f00b204e9800998ecf8427e", store.ClassificationHash, DataModelFile},
		{"https://x.org/a", store.ClassificationURL, DataModelDomain},
	} {
		a := f.analyzable(t, tc.name, tc.c)
		ev, err := f.repo.CreateAnalyzableEvent(ctx, AnalyzableEventParams{
			EventParams:  EventParams{UserID: f.user.ID, DataModel: &DataModelInput{Reliability: 1}},
			AnalyzableID: a.ID,
		})
		require.NoError(t, err)
		got := f.reload(t, ev)
		assert.Equal(t, tc.want, got.DataModelKind, tc.name)
		require.NotNil(t, got.DataModel)
		assert.Equal(t, tc.want, got.DataModel.Kind)
	}
}

func TestDecayStep(t *testing.T) {
	assert.Equal(t, 7, decayStep(Linear, 7, 3))
	assert.Equal(t, 4, decayStep(InverseExponential, 2, 1))
	assert.Equal(t, 8, decayStep(InverseExponential, 2, 2))
	assert.Equal(t, 0, decayStep(Fixed, 2, 2))
	assert.Equal(t, maxDecayDays, decayStep(InverseExponential, 30, 10))
	assert.Equal(t, 1, decayStep(InverseExponential, 1, 50))
	assert.Equal(t, 0, decayStep(InverseExponential, 0, 1))
}

func TestListUsesFilter(t *testing.T) {
	f := newFixture(t)
	ev := f.analyzableEvent(t, Linear, 1, 3, testNow)

	all, err := f.repo.List(context.Background(), KindAnalyzable, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	none, err := f.repo.List(context.Background(), KindAnalyzable, Filter{UserIDs: []int64{}})
	require.NoError(t, err)
	assert.Empty(t, none)

	byID, err := f.repo.List(context.Background(), KindAnalyzable, Filter{IDs: []int64{ev.ID}})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, ev.ID, byID[0].ID)

	_, err = f.repo.Get(context.Background(), KindAnalyzable, ev.ID+100)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.repo.List(context.Background(), Kind("bogus"), Filter{})
	assert.ErrorIs(t, err, ErrUnknownKind)

	var count int
	require.NoError(t, f.store.DB().QueryRow(`SELECT COUNT(*) FROM domain_data_models`).Scan(&count))
	assert.Equal(t, 1, count)
}
