package models_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/store/storetest"
)

func newDB(t *testing.T) *models.DB {
	return models.NewDB(storetest.New(t))
}

func ptr[T any](v T) *T { return &v }

func TestCreateTeam_GeneratesWPAKey(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	team, err := db.CreateTeam(ctx, 4414, models.TeamUpdate{Name: ptr("HighTide")})
	require.NoError(t, err)
	assert.Len(t, team.WPAKey, models.WPAKeyLength)
	assert.Regexp(t, "^[A-Za-z0-9]+$", team.WPAKey)
	assert.Equal(t, "4414", team.DisplayNumber)
	assert.True(t, team.Schedule)

	again, err := db.UpdateTeam(ctx, 4414, models.TeamUpdate{Schedule: ptr(false)})
	require.NoError(t, err)
	assert.Equal(t, team.WPAKey, again.WPAKey, "key survives unrelated updates")
	assert.Equal(t, "HighTide", *again.Name)
	assert.False(t, again.Schedule)

	regen, err := db.UpdateTeam(ctx, 4414, models.TeamUpdate{RegenWPAKey: true})
	require.NoError(t, err)
	assert.NotEqual(t, team.WPAKey, regen.WPAKey)
}

func TestCreateTeam_RejectsNonPositive(t *testing.T) {
	_, err := newDB(t).CreateTeam(context.Background(), 0, models.TeamUpdate{})
	assert.Equal(t, jmserr.Malformed, jmserr.KindOf(err))
}

func TestTeamUpdate_EmptyStringClears(t *testing.T) {
	team := models.Team{Number: 1, Name: ptr("x"), WPAKey: "k"}
	require.NoError(t, models.TeamUpdate{Name: ptr("")}.Apply(&team))
	assert.Nil(t, team.Name)
}

func TestEntitiesRoundTripThroughStore(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	m := models.NewMatch(models.MatchQualification, 1, 3, []int{1, 2, 3}, []int{4, 5, 6})
	m.Surrogates = []int{3}
	require.NoError(t, db.Matches.Insert(ctx, m.ID, m))
	got, ok, err := db.Matches.Get(ctx, "qm_1_3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m, got)

	st := models.AllianceStation{ID: models.AllianceStationID{Alliance: models.Blue, Station: 2}, Team: ptr(254), Bypass: true}
	require.NoError(t, db.Stations.Insert(ctx, st.ID, st))
	assert.Equal(t, "db:station:B2", db.Stations.Key(st.ID))
	back, ok, err := db.Stations.Get(ctx, st.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st, back)

	mode := models.PlayoffMode{Kind: models.ModeBracket, NAlliances: 4}
	require.NoError(t, db.PlayoffMode.Set(ctx, mode))
	gotMode, err := db.PlayoffMode.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, mode, gotMode)
}

func TestSettingsConfigureReadBack(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	net := models.NetworkingSettings{RouterUsername: "root", RouterPassword: "pw", RouterIP: "10.0.100.2", AdminSSID: ptr("jms-admin")}
	require.NoError(t, db.Networking.Set(ctx, net))
	gotNet, err := db.Networking.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, net, gotNet)

	backup := models.BackupSettings{Enabled: true, IntervalMinutes: 5, Retain: 3}
	require.NoError(t, db.Backup.Set(ctx, backup))
	gotBackup, err := db.Backup.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, backup, gotBackup)

	tba := models.TBASettings{AuthID: ptr("id"), AuthSecret: ptr("secret")}
	require.NoError(t, db.TBA.Set(ctx, tba))
	gotTBA, err := db.TBA.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, tba, gotTBA)
}

func TestMatchIDs(t *testing.T) {
	assert.Equal(t, "qm_1_12", models.MatchID(models.MatchQualification, 1, 12))
	assert.Equal(t, "pm_13_2", models.MatchID(models.MatchPlayoff, 13, 2))

	typ, set, num, err := models.ParseMatchID("p_1_4")
	require.NoError(t, err)
	assert.Equal(t, models.MatchPractice, typ)
	assert.Equal(t, 1, set)
	assert.Equal(t, 4, num)

	_, _, _, err = models.ParseMatchID("x_1")
	assert.Equal(t, jmserr.Malformed, jmserr.KindOf(err))
}

func TestMatchValidate_TeamTwice(t *testing.T) {
	m := models.NewMatch(models.MatchQualification, 1, 1, []int{1, 2, 3}, []int{3, 4, 5})
	assert.Error(t, m.Validate())
}

func TestScoreUpdate_Apply(t *testing.T) {
	var s models.LiveScore
	require.NoError(t, models.ScoreUpdate{Element: models.ElementAuto, Op: models.OpIncrement}.Apply(&s))
	require.NoError(t, models.ScoreUpdate{Element: models.ElementAuto, Op: models.OpIncrement, Value: 4}.Apply(&s))
	assert.Equal(t, 5, s.Auto)

	require.NoError(t, models.ScoreUpdate{Element: models.ElementAuto, Op: models.OpDecrement, Value: 10}.Apply(&s))
	assert.Equal(t, 0, s.Auto, "never negative")

	require.NoError(t, models.ScoreUpdate{Element: models.ElementTeleop, Op: models.OpSet, Value: 42}.Apply(&s))
	assert.Equal(t, 42, s.Teleop)

	err := models.ScoreUpdate{Element: "cargo", Op: models.OpSet}.Apply(&s)
	assert.Equal(t, jmserr.Malformed, jmserr.KindOf(err))
}

func TestScoreConfig_DerivePenaltiesAndBonus(t *testing.T) {
	cfg := models.DefaultScoreConfig()
	red, blue := cfg.Derive(models.MatchScore{
		Red:  models.LiveScore{Auto: 10, Teleop: 5, Fouls: 1},
		Blue: models.LiveScore{Teleop: 15, Endgame: 20, TechFouls: 1},
	})
	assert.Equal(t, 10+5+12, red.TotalScore)
	assert.Equal(t, 15+20+5, blue.TotalScore)
	assert.Equal(t, 2, red.BonusRP)
	assert.Equal(t, 1, blue.BonusRP)
}

func TestSortRankings(t *testing.T) {
	rs := []models.TeamRanking{
		{Team: 5, Played: 2, RP: 4, AutoPoints: 10},
		{Team: 3, Played: 1, RP: 2, AutoPoints: 10},
		{Team: 9, Played: 2, RP: 6},
		{Team: 1, Played: 2, RP: 4, AutoPoints: 10, EndgamePoints: 5},
		{Team: 2, Played: 0},
	}
	models.SortRankings(rs)
	var order []int
	for _, r := range rs {
		order = append(order, r.Team)
	}
	assert.Equal(t, []int{9, 1, 3, 5, 2}, order)
}

func TestTakeSound_AtMostOnce(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	require.NoError(t, db.SetSound(ctx, "buzzer"))

	var mu sync.Mutex
	takes := 0
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, ok, err := db.TakeSound(ctx)
			assert.NoError(t, err)
			if ok {
				assert.Equal(t, "buzzer", s)
				mu.Lock()
				takes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, takes)
}

func TestSetScene_Validates(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	assert.Error(t, db.SetScene(ctx, models.Scene{Kind: models.SceneMatchResults}))
	require.NoError(t, db.SetScene(ctx, models.Scene{Kind: models.SceneMatchResults, MatchID: "qm_1_1"}))
	a, err := db.Audience.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "qm_1_1", a.Scene.MatchID)
}

func TestSetAlliances_RejectsSharedTeam(t *testing.T) {
	db := newDB(t)
	_, err := db.SetAlliances(context.Background(), [][]int{{1, 2, 3}, {4, 2, 6}})
	assert.Equal(t, jmserr.Malformed, jmserr.KindOf(err))
}

func TestPermissions_AdminImpliesAll(t *testing.T) {
	admin := models.User{Permissions: []models.Permission{models.PermAdmin}}
	scorer := models.User{Permissions: []models.Permission{models.PermScoring}}
	for _, p := range models.AllPermissions {
		assert.True(t, admin.Has(p))
	}
	assert.True(t, scorer.Has(models.PermScoring))
	assert.False(t, scorer.Has(models.PermManageTeams))
	assert.True(t, scorer.HasAny())
}

func TestAuth_LoginAndRevoke(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	auth := models.NewAuthenticator(db, "test-secret", time.Hour)
	require.NoError(t, auth.EnsureAdmin(ctx, "hunter2"))

	_, _, err := auth.Login(ctx, "admin", "wrong")
	assert.Equal(t, jmserr.Unauthenticated, jmserr.KindOf(err))

	tok, user, err := auth.Login(ctx, "admin", "hunter2")
	require.NoError(t, err)
	assert.Empty(t, user.PasswordHash)

	who, err := models.MaybeToken(tok).Auth(ctx, auth)
	require.NoError(t, err)
	assert.Equal(t, "admin", who.Username)

	require.NoError(t, auth.Revoke(ctx, models.MaybeToken(tok)))
	_, err = models.MaybeToken(tok).Auth(ctx, auth)
	assert.Equal(t, jmserr.Unauthenticated, jmserr.KindOf(err))

	_, err = models.MaybeToken("").Auth(ctx, auth)
	assert.Equal(t, jmserr.Unauthenticated, jmserr.KindOf(err))

	other := models.NewAuthenticator(db, "other-secret", time.Hour)
	tok2, err := auth.Issue(ctx, "admin")
	require.NoError(t, err)
	_, err = models.MaybeToken(tok2).Auth(ctx, other)
	assert.Equal(t, jmserr.Unauthenticated, jmserr.KindOf(err), "signature from another secret")
}
