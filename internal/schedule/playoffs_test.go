package schedule_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/schedule"
)

func TestSeedOrder(t *testing.T) {
	assert.Equal(t, []int{1, 2}, schedule.SeedOrder(2))
	assert.Equal(t, []int{1, 4, 2, 3}, schedule.SeedOrder(4))
	assert.Equal(t, []int{1, 8, 4, 5, 2, 7, 3, 6}, schedule.SeedOrder(8))
}

// playoffSetup stores n full alliances and the playoff mode.
func playoffSetup(t *testing.T, mode models.PlayoffMode) (*schedule.Service, *models.DB) {
	t.Helper()
	svc, db := newService(t)
	ctx := context.Background()
	var teams [][]int
	for a := 1; a <= mode.NAlliances; a++ {
		teams = append(teams, []int{a*10 + 1, a*10 + 2, a*10 + 3})
	}
	_, err := db.SetAlliances(ctx, teams)
	require.NoError(t, err)
	require.NoError(t, db.PlayoffMode.Set(ctx, mode))
	return svc, db
}

// decide commits a result for matchID won by side, or a tie when side is "".
func decide(t *testing.T, db *models.DB, matchID string, side models.Alliance) {
	t.Helper()
	score := models.MatchScore{Red: models.LiveScore{Teleop: 20}, Blue: models.LiveScore{Teleop: 20}}
	switch side {
	case models.Red:
		score.Red.Teleop = 30
	case models.Blue:
		score.Blue.Teleop = 30
	}
	ctx := context.Background()
	require.NoError(t, db.Committed.Insert(ctx, matchID, models.CommittedMatchScores{
		MatchID: matchID, MatchType: models.MatchPlayoff, Scores: []models.MatchScore{score},
	}))
	_, err := db.Matches.Update(ctx, matchID, func(m *models.Match, exists bool) error {
		require.True(t, exists, "match %s", matchID)
		m.Played = true
		return nil
	})
	require.NoError(t, err)
}

func playoffMatches(t *testing.T, db *models.DB) map[string]models.Match {
	t.Helper()
	ms, err := db.MatchesOfType(context.Background(), models.MatchPlayoff)
	require.NoError(t, err)
	out := map[string]models.Match{}
	for _, m := range ms {
		out[m.ID] = m
	}
	return out
}

func sides(m models.Match) [2]int { return [2]int{*m.RedAlliance, *m.BlueAlliance} }

func TestBracket_FourAlliancesToFinal(t *testing.T) {
	svc, db := playoffSetup(t, models.PlayoffMode{Kind: models.ModeBracket, NAlliances: 4})
	ctx := context.Background()

	require.NoError(t, svc.UpdatePlayoffs(ctx))
	ms := playoffMatches(t, db)
	require.Len(t, ms, 2)
	assert.Equal(t, [2]int{1, 4}, sides(ms["pm_1_1"]))
	assert.Equal(t, [2]int{2, 3}, sides(ms["pm_2_1"]))
	assert.Equal(t, []int{11, 12, 13}, ms["pm_1_1"].Teams(models.Red))

	decide(t, db, "pm_1_1", models.Red)
	decide(t, db, "pm_2_1", models.Red)
	require.NoError(t, svc.UpdatePlayoffs(ctx))

	ms = playoffMatches(t, db)
	require.Len(t, ms, 3)
	final, ok := ms["pm_3_1"]
	require.True(t, ok)
	assert.Equal(t, "Final", final.Name)
	assert.Equal(t, [2]int{1, 2}, sides(final))

	_, ok, err := db.PlayoffResult.Peek(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	decide(t, db, "pm_3_1", models.Blue)
	require.NoError(t, svc.UpdatePlayoffs(ctx))
	res, ok, err := db.PlayoffResult.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.PlayoffResult{Winner: 2, Finalist: 1}, res)
	assert.Len(t, playoffMatches(t, db), 3)
}

func TestBracket_UpdateIsIdempotent(t *testing.T) {
	svc, db := playoffSetup(t, models.PlayoffMode{Kind: models.ModeBracket, NAlliances: 8})
	ctx := context.Background()

	require.NoError(t, svc.UpdatePlayoffs(ctx))
	decide(t, db, "pm_1_1", models.Red)
	decide(t, db, "pm_2_1", models.Blue)
	require.NoError(t, svc.UpdatePlayoffs(ctx))
	first := playoffMatches(t, db)

	require.NoError(t, svc.UpdatePlayoffs(ctx))
	assert.Equal(t, first, playoffMatches(t, db))
	assert.Len(t, first, 5)
	assert.Equal(t, [2]int{1, 5}, sides(first["pm_5_1"]))
}

func TestBracket_TieIsReplayed(t *testing.T) {
	svc, db := playoffSetup(t, models.PlayoffMode{Kind: models.ModeBracket, NAlliances: 2})
	ctx := context.Background()

	require.NoError(t, svc.UpdatePlayoffs(ctx))
	decide(t, db, "pm_1_1", "")
	require.NoError(t, svc.UpdatePlayoffs(ctx))

	ms := playoffMatches(t, db)
	require.Contains(t, ms, "pm_1_2")
	assert.Equal(t, "Final (2)", ms["pm_1_2"].Name)
}

func TestBracket_ByesForMissingSeeds(t *testing.T) {
	svc, db := playoffSetup(t, models.PlayoffMode{Kind: models.ModeBracket, NAlliances: 3})
	require.NoError(t, svc.UpdatePlayoffs(context.Background()))

	ms := playoffMatches(t, db)
	require.Len(t, ms, 1, "seed 1 has a bye")
	assert.Equal(t, [2]int{2, 3}, sides(ms["pm_2_1"]))
}

func TestDoubleBracket_EightAlliances(t *testing.T) {
	svc, db := playoffSetup(t, models.DefaultPlayoffMode())
	ctx := context.Background()

	require.NoError(t, svc.UpdatePlayoffs(ctx))
	ms := playoffMatches(t, db)
	require.Len(t, ms, 4)
	assert.Equal(t, [2]int{1, 8}, sides(ms["pm_1_1"]))
	assert.Equal(t, [2]int{4, 5}, sides(ms["pm_2_1"]))
	assert.Equal(t, [2]int{2, 7}, sides(ms["pm_3_1"]))
	assert.Equal(t, [2]int{3, 6}, sides(ms["pm_4_1"]))

	// Higher seeds win round one.
	for _, id := range []string{"pm_1_1", "pm_2_1", "pm_3_1", "pm_4_1"} {
		decide(t, db, id, models.Red)
	}
	require.NoError(t, svc.UpdatePlayoffs(ctx))
	ms = playoffMatches(t, db)
	require.Len(t, ms, 8)
	assert.Equal(t, [2]int{8, 5}, sides(ms["pm_5_1"]), "lower bracket: losers of 1 and 2")
	assert.Equal(t, [2]int{7, 6}, sides(ms["pm_6_1"]))
	assert.Equal(t, [2]int{1, 4}, sides(ms["pm_7_1"]))
	assert.Equal(t, [2]int{2, 3}, sides(ms["pm_8_1"]))
}

func TestDoubleBracket_FourAlliancesWithAwards(t *testing.T) {
	svc, db := playoffSetup(t, models.PlayoffMode{Kind: models.ModeDoubleBracket, NAlliances: 4, Awards: true})
	ctx := context.Background()

	require.NoError(t, svc.UpdatePlayoffs(ctx))
	ms := playoffMatches(t, db)
	require.Len(t, ms, 2, "round one is all byes")
	assert.Equal(t, [2]int{1, 4}, sides(ms["pm_7_1"]))
	assert.Equal(t, [2]int{2, 3}, sides(ms["pm_8_1"]))

	play := func(id string, side models.Alliance) {
		decide(t, db, id, side)
		require.NoError(t, svc.UpdatePlayoffs(ctx))
	}
	play("pm_7_1", models.Red) // 1 beats 4
	play("pm_8_1", models.Red) // 2 beats 3
	ms = playoffMatches(t, db)
	assert.Equal(t, [2]int{1, 2}, sides(ms["pm_11_1"]))
	assert.Equal(t, [2]int{3, 4}, sides(ms["pm_12_1"]), "lower bracket byes carry 4 and 3 through")

	play("pm_11_1", models.Red)  // 1 to the final
	play("pm_12_1", models.Blue) // 4 stays alive
	ms = playoffMatches(t, db)
	assert.Equal(t, [2]int{2, 4}, sides(ms["pm_13_1"]))

	play("pm_13_1", models.Red) // 2 reaches the final
	ms = playoffMatches(t, db)
	assert.Equal(t, [2]int{1, 2}, sides(ms["pm_14_1"]))

	// Best of three: a tie does not count.
	play("pm_14_1", models.Blue)
	play("pm_14_2", "")
	play("pm_14_3", models.Red)
	_, ok, err := db.PlayoffResult.Peek(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	play("pm_14_4", models.Blue)

	res, ok, err := db.PlayoffResult.Peek(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.PlayoffResult{Winner: 2, Finalist: 1}, res)

	award, ok, err := db.Awards.Get(ctx, "playoff-winner")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, schedule.AwardWinner, award.Name)
	require.Len(t, award.Recipients, 3)
	assert.Equal(t, 21, *award.Recipients[0].Team)
}

func TestRoundRobin_FinalBetweenTopTwo(t *testing.T) {
	svc, db := playoffSetup(t, models.PlayoffMode{Kind: models.ModeRoundRobin, NAlliances: 4})
	ctx := context.Background()

	require.NoError(t, svc.UpdatePlayoffs(ctx))
	ms := playoffMatches(t, db)
	require.Len(t, ms, 6)

	pairs := map[[2]int]bool{}
	for _, m := range ms {
		pairs[sides(m)] = true
	}
	assert.Len(t, pairs, 6, "every pair meets once")

	// Alliance 3 wins everything, 4 beats 1 and 2, 1 and 2 tie.
	for id, m := range ms {
		red, blue := *m.RedAlliance, *m.BlueAlliance
		switch {
		case red == 3 || blue == 3:
			decide(t, db, id, sideOf(m, 3))
		case red == 4 || blue == 4:
			decide(t, db, id, sideOf(m, 4))
		default:
			decide(t, db, id, "")
		}
	}
	require.NoError(t, svc.UpdatePlayoffs(ctx))
	ms = playoffMatches(t, db)
	require.Len(t, ms, 7)
	assert.Equal(t, [2]int{3, 4}, sides(ms["pm_7_1"]))
}

func sideOf(m models.Match, alliance int) models.Alliance {
	if *m.RedAlliance == alliance {
		return models.Red
	}
	return models.Blue
}

func TestRoundRobin_OddAlliancesSitOut(t *testing.T) {
	f := schedule.RoundRobin(5)
	seen := map[[2]int]bool{}
	for _, s := range f.Series[:len(f.Series)-1] {
		pair := [2]int{s.Red.Seed, s.Blue.Seed}
		assert.False(t, seen[pair], "pair %v repeated", pair)
		seen[pair] = true
	}
	assert.Len(t, seen, 10)
}

func TestUpdatePlayoffs_AllianceIncomplete(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()
	_, err := db.SetAlliances(ctx, [][]int{{1, 2, 3}, {4, 5}})
	require.NoError(t, err)
	require.NoError(t, db.PlayoffMode.Set(ctx, models.PlayoffMode{Kind: models.ModeBracket, NAlliances: 2}))

	err = svc.UpdatePlayoffs(ctx)
	require.Error(t, err)
	assert.Equal(t, jmserr.PlayoffError, jmserr.KindOf(err))
	assert.Contains(t, err.Error(), jmserr.ReasonAllianceIncomplete)
}

func TestUpdatePlayoffs_PlayedWithoutResult(t *testing.T) {
	svc, db := playoffSetup(t, models.PlayoffMode{Kind: models.ModeBracket, NAlliances: 2})
	ctx := context.Background()
	require.NoError(t, svc.UpdatePlayoffs(ctx))
	_, err := db.Matches.Update(ctx, "pm_1_1", func(m *models.Match, _ bool) error {
		m.Played = true
		return nil
	})
	require.NoError(t, err)

	err = svc.UpdatePlayoffs(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), jmserr.ReasonResultMissing)
}

func TestResetPlayoffs(t *testing.T) {
	svc, db := playoffSetup(t, models.PlayoffMode{Kind: models.ModeBracket, NAlliances: 2})
	ctx := context.Background()
	require.NoError(t, svc.UpdatePlayoffs(ctx))
	decide(t, db, "pm_1_1", models.Red)
	require.NoError(t, svc.UpdatePlayoffs(ctx))
	_, err := db.Alliances.Update(ctx, 1, func(a *models.PlayoffAlliance, _ bool) error {
		a.Ready = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, svc.ResetPlayoffs(ctx))
	assert.Empty(t, playoffMatches(t, db))
	_, ok, err := db.PlayoffResult.Peek(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	a, _, err := db.Alliances.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, a.Ready)
}
