package tba_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/logging"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/store/storetest"
	"github.com/trentd187/jms/internal/tba"
)

type received struct {
	path, id, sig string
	body          []byte
}

type fakeServer struct {
	*httptest.Server
	mu     sync.Mutex
	got    []received
	status int
}

func newServer(t *testing.T) *fakeServer {
	f := &fakeServer{status: http.StatusOK}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.got = append(f.got, received{r.URL.Path, r.Header.Get("X-TBA-Auth-Id"), r.Header.Get("X-TBA-Auth-Sig"), body})
		status := f.status
		f.mu.Unlock()
		w.WriteHeader(status)
		if status >= 400 {
			_, _ = w.Write([]byte(`{"Error": "bad auth"}`))
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) requests() []received {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]received(nil), f.got...)
}

func setup(t *testing.T, srv *fakeServer, code string) (*tba.Publisher, *models.DB) {
	t.Helper()
	ctx := context.Background()
	db := models.NewDB(storetest.New(t))
	if code != "" {
		_, err := db.UpdateEvent(ctx, models.EventDetailsUpdate{Code: &code})
		require.NoError(t, err)
	}
	url := srv.URL
	require.NoError(t, db.TBA.Set(ctx, models.TBASettings{AuthID: ptr("id-1"), AuthSecret: ptr("s3cret"), BaseURL: &url}))
	for _, n := range []int{254, 1114} {
		_, err := db.CreateTeam(ctx, n, models.TeamUpdate{})
		require.NoError(t, err)
	}
	p := tba.New(db, tba.WithLogger(logging.Discard()), tba.WithRate(rate.Inf, 1))
	return p, db
}

func TestIssue_NoEventCodeIsSilent(t *testing.T) {
	srv := newServer(t)
	p, _ := setup(t, srv, "")

	require.NoError(t, p.Issue(context.Background(), tba.NounTeamList))
	assert.Empty(t, srv.requests())
}

func TestIssue_NoCredentialsIsSilent(t *testing.T) {
	srv := newServer(t)
	p, db := setup(t, srv, "2026nzch")
	require.NoError(t, db.TBA.Set(context.Background(), models.TBASettings{}))

	require.NoError(t, p.PublishAll(context.Background()))
	assert.Empty(t, srv.requests())
}

func TestIssue_SignsAndPosts(t *testing.T) {
	srv := newServer(t)
	p, _ := setup(t, srv, "2026nzch")

	require.NoError(t, p.Issue(context.Background(), tba.NounTeamList))
	reqs := srv.requests()
	require.Len(t, reqs, 1)
	r := reqs[0]
	assert.Equal(t, "/api/trusted/v1/event/2026nzch/team_list/update", r.path)
	assert.Equal(t, "id-1", r.id)
	assert.Equal(t, tba.Sign("s3cret", r.path, r.body), r.sig)
	assert.JSONEq(t, `["frc254","frc1114"]`, string(r.body))
}

func TestSign(t *testing.T) {
	// md5("secret/path{}")
	assert.Equal(t, "71befe6466d540bdbd61a89037bda772", tba.Sign("secret", "/path", []byte("{}")))
}

func TestIssue_UnchangedPayloadSkipped(t *testing.T) {
	srv := newServer(t)
	p, db := setup(t, srv, "2026nzch")
	ctx := context.Background()

	require.NoError(t, p.Issue(ctx, tba.NounTeamList))
	require.NoError(t, p.Issue(ctx, tba.NounTeamList))
	assert.Len(t, srv.requests(), 1)

	_, err := db.CreateTeam(ctx, 4414, models.TeamUpdate{})
	require.NoError(t, err)
	require.NoError(t, p.Issue(ctx, tba.NounTeamList))
	assert.Len(t, srv.requests(), 2)

	require.NoError(t, p.Forget(ctx))
	require.NoError(t, p.Issue(ctx, tba.NounTeamList))
	assert.Len(t, srv.requests(), 3)
}

func TestIssue_RejectedIsRetried(t *testing.T) {
	srv := newServer(t)
	srv.status = http.StatusUnauthorized
	p, _ := setup(t, srv, "2026nzch")
	ctx := context.Background()

	err := p.Issue(ctx, tba.NounTeamList)
	assert.Equal(t, jmserr.PublishRejected, jmserr.KindOf(err))
	assert.Contains(t, err.Error(), "401")

	srv.mu.Lock()
	srv.status = http.StatusOK
	srv.mu.Unlock()
	require.NoError(t, p.Issue(ctx, tba.NounTeamList))
	assert.Len(t, srv.requests(), 2, "a rejected payload is not remembered")
}

func TestPublishAll_Payloads(t *testing.T) {
	srv := newServer(t)
	p, db := setup(t, srv, "2026nzch")
	ctx := context.Background()

	_, err := db.SetAlliances(ctx, [][]int{{254, 1114}})
	require.NoError(t, err)
	m := models.NewMatch(models.MatchQualification, 1, 1, []int{254}, []int{1114})
	require.NoError(t, db.Matches.Insert(ctx, m.ID, m))
	require.NoError(t, db.Committed.Insert(ctx, m.ID, models.CommittedMatchScores{
		MatchID: m.ID, MatchType: models.MatchQualification,
		Scores: []models.MatchScore{{Red: models.LiveScore{Teleop: 7, Fouls: 1}}},
	}))
	require.NoError(t, db.Rankings.Insert(ctx, 254, models.TeamRanking{Team: 254, Played: 1, Win: 1, RP: 2}))
	award := models.NewAward("Winner")
	award.Recipients = []models.AwardRecipient{{Team: ptr(254)}}
	require.NoError(t, db.Awards.Insert(ctx, award.ID, award))

	require.NoError(t, p.PublishAll(ctx))
	bodies := map[string]string{}
	for _, r := range srv.requests() {
		bodies[r.path] = string(r.body)
	}
	prefix := "/api/trusted/v1/event/2026nzch/"
	require.Len(t, bodies, len(tba.Nouns))

	assert.JSONEq(t, `[["frc254","frc1114"]]`, bodies[prefix+"alliance_selections/update"])
	assert.JSONEq(t, `{"webcasts":[]}`, bodies[prefix+"info/update"])
	assert.JSONEq(t, `[{"name_str":"Winner","team_key":"frc254","awardee":null}]`, bodies[prefix+"awards/update"])

	var matches []struct {
		CompLevel string `json:"comp_level"`
		Alliances map[string]struct {
			Teams []string `json:"teams"`
			Score int      `json:"score"`
		} `json:"alliances"`
	}
	require.NoError(t, json.Unmarshal([]byte(bodies[prefix+"matches/update"]), &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, "qm", matches[0].CompLevel)
	assert.Equal(t, 7, matches[0].Alliances["red"].Score)
	assert.Equal(t, 5, matches[0].Alliances["blue"].Score)
	assert.Equal(t, []string{"frc1114"}, matches[0].Alliances["blue"].Teams)

	var ranks struct {
		Rankings []struct {
			TeamKey string `json:"team_key"`
			Rank    int    `json:"rank"`
		} `json:"rankings"`
	}
	require.NoError(t, json.Unmarshal([]byte(bodies[prefix+"rankings/update"]), &ranks))
	require.Len(t, ranks.Rankings, 1)
	assert.Equal(t, "frc254", ranks.Rankings[0].TeamKey)
}

func TestIssue_UnknownNoun(t *testing.T) {
	srv := newServer(t)
	p, _ := setup(t, srv, "2026nzch")
	err := p.Issue(context.Background(), "robots")
	assert.Equal(t, jmserr.Malformed, jmserr.KindOf(err))
}

func ptr[T any](v T) *T { return &v }
