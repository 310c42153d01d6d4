package schedule_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/logging"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/schedule"
	"github.com/trentd187/jms/internal/store/storetest"
)

func appearances(m schedule.Matrix) map[int]int {
	out := map[int]int{}
	for _, row := range m {
		for _, t := range row {
			out[t]++
		}
	}
	return out
}

func assertNoRepeats(t *testing.T, m schedule.Matrix) {
	t.Helper()
	for r, row := range m {
		seen := map[int]bool{}
		for _, team := range row {
			assert.False(t, seen[team], "team %d twice in match %d", team, r+1)
			seen[team] = true
		}
	}
}

func TestGenerateQuals_SixTeams(t *testing.T) {
	teams := []int{1, 2, 3, 4, 5, 6}
	q, err := schedule.GenerateQuals(context.Background(), teams, schedule.QualOptions{
		MatchesPerTeam: 2, TeamSteps: 10000, StationSteps: 10000, Seed: 7,
	})
	require.NoError(t, err)

	require.Len(t, q.Matrix, 2)
	assert.Equal(t, 4, len(q.Matrix)*2, "alliance rows")
	for _, team := range teams {
		assert.Equal(t, 2, appearances(q.Matrix)[team])
	}
	assertNoRepeats(t, q.Matrix)
	assert.Empty(t, q.Surrogate)
	assert.Zero(t, q.StationCost)

	// Zero station cost means no team plays the same station twice.
	for _, team := range teams {
		var stations []int
		for _, row := range q.Matrix {
			for c, v := range row {
				if v == team {
					stations = append(stations, c)
				}
			}
		}
		assert.NotEqual(t, stations[0], stations[1], "team %d", team)
	}
}

func TestGenerateQuals_Surrogates(t *testing.T) {
	teams := make([]int, 31)
	for i := range teams {
		teams[i] = i + 1
	}
	q, err := schedule.GenerateQuals(context.Background(), teams, schedule.QualOptions{
		MatchesPerTeam: 5, TeamSteps: 20000, StationSteps: 20000, Seed: 11,
	})
	require.NoError(t, err)

	require.Len(t, q.Matrix, schedule.NumMatches(31, 5))
	assertNoRepeats(t, q.Matrix)

	counts := appearances(q.Matrix)
	extra := 0
	for _, team := range teams {
		switch counts[team] {
		case 5:
		case 6:
			extra++
		default:
			t.Fatalf("team %d plays %d times", team, counts[team])
		}
	}
	assert.Equal(t, 1, extra)
	assert.Len(t, q.Surrogate, 1)

	matches := schedule.ToMatches(q)
	var surrogates []int
	for _, m := range matches {
		require.NoError(t, m.Validate())
		surrogates = append(surrogates, m.Surrogates...)
	}
	require.Len(t, surrogates, 1)
	assert.Equal(t, 6, counts[surrogates[0]])
}

func TestGenerateQuals_AnnealingLowersCost(t *testing.T) {
	teams := make([]int, 24)
	for i := range teams {
		teams[i] = 1000 + i
	}
	seedOnly, err := schedule.GenerateQuals(context.Background(), teams, schedule.QualOptions{MatchesPerTeam: 8, Seed: 5})
	require.NoError(t, err)
	annealed, err := schedule.GenerateQuals(context.Background(), teams, schedule.QualOptions{
		MatchesPerTeam: 8, TeamSteps: 30000, StationSteps: 30000, Seed: 5,
	})
	require.NoError(t, err)

	assert.Less(t, annealed.TeamCost, seedOnly.TeamCost)
	assert.LessOrEqual(t, annealed.StationCost, seedOnly.StationCost)
	for _, team := range teams {
		assert.Equal(t, 8, appearances(annealed.Matrix)[team])
	}
}

func TestGenerateQuals_ProgressAndStop(t *testing.T) {
	var reports []schedule.Progress
	stop := errors.New("stop")
	_, err := schedule.GenerateQuals(context.Background(), []int{1, 2, 3, 4, 5, 6, 7, 8}, schedule.QualOptions{
		MatchesPerTeam: 3, TeamSteps: 5000, StationSteps: 5000, Seed: 1,
		OnProgress: func(p schedule.Progress) error {
			reports = append(reports, p)
			if p.Phase == schedule.PhaseStation && p.Step >= 2*schedule.ProgressEvery {
				return stop
			}
			return nil
		},
	})
	require.ErrorIs(t, err, stop)

	for _, p := range reports {
		assert.Zero(t, p.Step%schedule.ProgressEvery)
	}
	assert.Equal(t, schedule.PhaseTeam, reports[0].Phase)
	assert.Equal(t, schedule.PhaseStation, reports[len(reports)-1].Phase)
}

func TestGenerateQuals_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := schedule.GenerateQuals(ctx, []int{1, 2, 3, 4, 5, 6}, schedule.QualOptions{MatchesPerTeam: 2, TeamSteps: 10})
	assert.Equal(t, jmserr.CancellationRequested, jmserr.KindOf(err))
}

func TestGenerateQuals_TooFewTeams(t *testing.T) {
	_, err := schedule.GenerateQuals(context.Background(), []int{1, 2, 3}, schedule.QualOptions{MatchesPerTeam: 2})
	assert.Equal(t, jmserr.Malformed, jmserr.KindOf(err))
}

func newService(t *testing.T) (*schedule.Service, *models.DB) {
	t.Helper()
	db := models.NewDB(storetest.New(t))
	return schedule.New(db, schedule.WithLogger(logging.Discard()), schedule.WithSeed(3)), db
}

func createTeams(t *testing.T, db *models.DB, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := db.CreateTeam(context.Background(), i, models.TeamUpdate{})
		require.NoError(t, err)
	}
}

func TestService_GenerateQualsWritesMatches(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()
	createTeams(t, db, 6)
	stale := models.NewMatch(models.MatchQualification, 1, 9, []int{1, 2, 3}, []int{4, 5, 6})
	require.NoError(t, db.Matches.Insert(ctx, stale.ID, stale))

	matches, err := svc.GenerateQuals(ctx, schedule.QualGenRequest{
		TeamAnnealSteps: 10000, StationAnnealSteps: 10000, MatchesPerTeam: 2,
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)

	stored, err := db.MatchesOfType(ctx, models.MatchQualification)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "qm_1_1", stored[0].ID)
	assert.Equal(t, "qm_1_2", stored[1].ID)

	job, ok, err := db.MatchGenJob.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, job.Running)
	assert.Equal(t, 1.0, job.Progress)
}

func TestService_UsesEventMatchesPerTeam(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()
	createTeams(t, db, 12)
	_, err := db.UpdateEvent(ctx, models.EventDetailsUpdate{QualMatchesPerTeam: ptr(3)})
	require.NoError(t, err)

	matches, err := svc.GenerateQuals(ctx, schedule.QualGenRequest{})
	require.NoError(t, err)
	assert.Len(t, matches, 6)
}

func TestService_OneJobAtATime(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()
	createTeams(t, db, 6)
	require.NoError(t, db.MatchGenJob.Set(ctx, models.MatchGenJob{Running: true}))

	_, err := svc.GenerateQuals(ctx, schedule.QualGenRequest{MatchesPerTeam: 2})
	assert.Equal(t, jmserr.IllegalStateChange, jmserr.KindOf(err))
}

func TestService_DeletingJobCancels(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()
	createTeams(t, db, 40)

	done := make(chan error, 1)
	go func() {
		_, err := svc.GenerateQuals(ctx, schedule.QualGenRequest{
			TeamAnnealSteps: 1 << 30, StationAnnealSteps: 1 << 30, MatchesPerTeam: 10,
		})
		done <- err
	}()

	require.Eventually(t, func() bool {
		job, ok, err := db.MatchGenJob.Peek(ctx)
		return err == nil && ok && job.Progress > 0
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, svc.CancelQualGen(ctx))

	select {
	case err := <-done:
		assert.Equal(t, jmserr.CancellationRequested, jmserr.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("generation kept running after the job was deleted")
	}
	quals, err := db.MatchesOfType(ctx, models.MatchQualification)
	require.NoError(t, err)
	assert.Empty(t, quals)
}

func TestService_RunClearsStaleJob(t *testing.T) {
	svc, db := newService(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, db.MatchGenJob.Set(ctx, models.MatchGenJob{Running: true, Progress: 0.4}))

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	require.Eventually(t, func() bool {
		ok, err := db.MatchGenJob.Exists(ctx)
		return err == nil && !ok
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestService_NoJobsAfterShutdown(t *testing.T) {
	svc, db := newService(t)
	createTeams(t, db, 6)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	err := svc.StartQualGen(context.Background(), schedule.QualGenRequest{MatchesPerTeam: 2})
	assert.Equal(t, jmserr.CancellationRequested, jmserr.KindOf(err))
	ok, err := db.MatchGenJob.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "a refused start does not claim the job")
}

func TestService_StartQualGenRunsInBackground(t *testing.T) {
	svc, db := newService(t)
	createTeams(t, db, 6)

	require.NoError(t, svc.StartQualGen(context.Background(), schedule.QualGenRequest{MatchesPerTeam: 2}))
	require.Eventually(t, func() bool {
		job, ok, err := db.MatchGenJob.Peek(context.Background())
		return err == nil && ok && !job.Running && job.Progress == 1.0
	}, 10*time.Second, 10*time.Millisecond)
}

func ptr[T any](v T) *T { return &v }
