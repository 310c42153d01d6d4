package arena_test

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trentd187/jms/internal/arena"
	"github.com/trentd187/jms/internal/bus"
	"github.com/trentd187/jms/internal/bus/bustest"
	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/logging"
	"github.com/trentd187/jms/internal/models"
	"github.com/trentd187/jms/internal/store/storetest"
)

var (
	sigEstop        = models.ArenaSignal{Kind: models.SignalEstop}
	sigEstopReset   = models.ArenaSignal{Kind: models.SignalEstopReset}
	sigPrestart     = models.ArenaSignal{Kind: models.SignalPrestart}
	sigPrestartUndo = models.ArenaSignal{Kind: models.SignalPrestartUndo}
	sigArm          = models.ArenaSignal{Kind: models.SignalMatchArm}
	sigArmForce     = models.ArenaSignal{Kind: models.SignalMatchArm, Force: true}
	sigPlay         = models.ArenaSignal{Kind: models.SignalMatchPlay}
	sigCommit       = models.ArenaSignal{Kind: models.SignalMatchCommit}
)

func state(k models.StateKind) models.ArenaState { return models.ArenaState{Kind: k} }

func TestTransition_Allowed(t *testing.T) {
	loaded := arena.Conditions{MatchLoaded: true}
	ready := arena.Conditions{MatchLoaded: true, NetReady: true}

	cases := []struct {
		name string
		from models.ArenaState
		sig  models.ArenaSignal
		cond arena.Conditions
		want models.StateKind
	}{
		{"prestart", state(models.StateIdle), sigPrestart, loaded, models.StatePrestart},
		{"undo", state(models.StatePrestart), sigPrestartUndo, loaded, models.StateIdle},
		{"arm when ready", models.ArenaState{Kind: models.StatePrestart, NetReady: true}, sigArm, ready, models.StateMatchArmed},
		{"arm forced", state(models.StatePrestart), sigArmForce, loaded, models.StateMatchArmed},
		{"play", state(models.StateMatchArmed), sigPlay, loaded, models.StateMatchPlay},
		{"commit", state(models.StateMatchComplete), sigCommit, loaded, models.StateIdle},
		{"estop from play", state(models.StateMatchPlay), sigEstop, loaded, models.StateEstop},
		{"estop from idle", state(models.StateIdle), sigEstop, loaded, models.StateEstop},
		{"estop reset", state(models.StateEstop), sigEstopReset, loaded, models.StateReset},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			next, err := arena.Transition(c.from, c.sig, c.cond)
			require.NoError(t, err)
			assert.Equal(t, c.want, next.Kind)
		})
	}
}

func TestTransition_Refused(t *testing.T) {
	cases := []struct {
		name string
		from models.ArenaState
		sig  models.ArenaSignal
		kind jmserr.Kind
	}{
		{"prestart without match", state(models.StateIdle), sigPrestart, jmserr.MatchNotLoaded},
		{"arm not ready", state(models.StatePrestart), sigArm, jmserr.IllegalStateChange},
		{"play from idle", state(models.StateIdle), sigPlay, jmserr.IllegalStateChange},
		{"commit mid match", state(models.StateMatchPlay), sigCommit, jmserr.IllegalStateChange},
		{"undo after arm", state(models.StateMatchArmed), sigPrestartUndo, jmserr.IllegalStateChange},
		{"estop reset when not stopped", state(models.StateIdle), sigEstopReset, jmserr.IllegalStateChange},
		{"prestart from estop", state(models.StateEstop), sigPrestart, jmserr.IllegalStateChange},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			next, err := arena.Transition(c.from, c.sig, arena.Conditions{})
			assert.Equal(t, c.kind, jmserr.KindOf(err))
			assert.Equal(t, c.from, next, "refused signals leave the state alone")
		})
	}
}

func TestSettle_ResetGoesIdle(t *testing.T) {
	next, ok := arena.Settle(arena.Boot())
	assert.True(t, ok)
	assert.Equal(t, models.ArenaState{Kind: models.StateIdle, NetReady: false}, next)

	_, ok = arena.Settle(next)
	assert.False(t, ok)
}

// Random walks over the transition function: whenever MatchComplete is reached, the
// three states before it are Prestart, MatchArmed and MatchPlay in that order.
func TestTransition_PathToCompleteIsOrdered(t *testing.T) {
	signals := []models.ArenaSignal{
		sigEstop, sigEstopReset, sigPrestart, sigPrestartUndo, sigArm, sigArmForce, sigPlay, sigCommit,
		{Kind: "matchEnd"},
	}
	rng := rand.New(rand.NewPCG(1, 2))
	completions := 0

	for walk := 0; walk < 2000; walk++ {
		s, _ := arena.Settle(arena.Boot())
		path := []models.StateKind{models.StateReset, s.Kind}
		for step := 0; step < 40; step++ {
			cond := arena.Conditions{MatchLoaded: rng.IntN(4) > 0, NetReady: rng.IntN(2) == 0}
			next, err := arena.Transition(s, signals[rng.IntN(len(signals))], cond)
			if err != nil {
				continue
			}
			if settled, ok := arena.Settle(next); ok {
				path = append(path, next.Kind)
				next = settled
			}
			s = next
			path = append(path, s.Kind)
			if s.Kind == models.StateMatchComplete {
				completions++
				n := len(path)
				require.GreaterOrEqual(t, n, 4)
				assert.Equal(t, []models.StateKind{models.StatePrestart, models.StateMatchArmed, models.StateMatchPlay}, path[n-4:n-1])
			}
		}
	}
	assert.Positive(t, completions)
}

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type harness struct {
	svc   *arena.Service
	db    *models.DB
	bus   *bus.Bus
	br    *bustest.Broker
	clock fakeClock
	ctx   context.Context
}

func start(t *testing.T) *harness {
	t.Helper()
	db := models.NewDB(storetest.New(t))
	b, br := bustest.NewBus(t, "arena")
	clock := clockwork.NewFakeClock()
	svc := arena.New(db, b, arena.WithClock(clock), arena.WithLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	m := models.NewMatch(models.MatchQualification, 1, 1, []int{1, 2, 3}, []int{4, 5, 6})
	require.NoError(t, db.Matches.Insert(ctx, m.ID, m))

	h := &harness{svc: svc, db: db, bus: b, br: br, clock: clock, ctx: ctx}
	v, err := svc.State(ctx)
	require.NoError(t, err)
	require.Equal(t, models.StateIdle, v.State.Kind, "boot ends in Idle")
	return h
}

func (h *harness) signal(t *testing.T, sig models.ArenaSignal) models.ArenaState {
	t.Helper()
	st, err := h.svc.Signal(h.ctx, sig)
	require.NoError(t, err)
	return st
}

func (h *harness) armed(t *testing.T) {
	t.Helper()
	_, err := h.svc.LoadMatch(h.ctx, "qm_1_1")
	require.NoError(t, err)
	h.signal(t, sigPrestart)
	h.signal(t, sigArmForce)
}

func TestService_FullMatchRunsToComplete(t *testing.T) {
	h := start(t)
	events, err := bus.Subscribe[arena.MatchEvent](h.ctx, h.bus, bus.TopicMatchEvent, bus.SubscribeOptions{})
	require.NoError(t, err)

	h.armed(t)
	assert.Equal(t, models.StateMatchPlay, h.signal(t, sigPlay).Kind)

	h.clock.Advance(153 * time.Second)

	require.Eventually(t, func() bool {
		v, err := h.svc.State(h.ctx)
		return err == nil && v.State.Kind == models.StateMatchComplete
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, h.br.Published(bus.TopicMatchTick), 1500)

	var names []string
	for m := range events {
		names = append(names, m.Value.Event)
		if m.Value.Event == arena.EventMatchEnd {
			break
		}
	}
	assert.Equal(t, []string{
		arena.EventMatchStart, arena.EventAutoEnd, arena.EventTeleopStart,
		arena.EventEndgameStart, arena.EventMatchEnd,
	}, names)
}

func TestService_TicksFollowTheClock(t *testing.T) {
	h := start(t)
	ticks, err := bus.Subscribe[arena.MatchTick](h.ctx, h.bus, bus.TopicMatchTick, bus.SubscribeOptions{})
	require.NoError(t, err)

	h.armed(t)
	h.signal(t, sigPlay)
	h.clock.Advance(time.Second)

	var seqs []int
	for m := range ticks {
		seqs = append(seqs, m.Value.Seq)
		if m.Value.Seq == 10 {
			assert.Equal(t, int64(1000), m.Value.ElapsedMS)
			assert.Equal(t, arena.PhaseAuto, m.Value.Phase)
			break
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, seqs)
}

func TestService_EstopDuringPlayAborts(t *testing.T) {
	h := start(t)
	events, err := bus.Subscribe[arena.MatchEvent](h.ctx, h.bus, bus.TopicMatchEvent, bus.SubscribeOptions{})
	require.NoError(t, err)

	h.armed(t)
	h.signal(t, sigPlay)
	h.clock.Advance(20 * time.Second)

	assert.Equal(t, models.StateEstop, h.signal(t, sigEstop).Kind)

	for m := range events {
		if m.Value.Event == arena.EventMatchAbort {
			assert.Equal(t, "qm_1_1", m.Value.MatchID)
			assert.Equal(t, int64(20000), m.Value.ElapsedMS)
			break
		}
	}

	_, err = h.svc.Signal(h.ctx, sigPrestart)
	assert.Equal(t, jmserr.IllegalStateChange, jmserr.KindOf(err), "only EstopReset leaves Estop")

	assert.Equal(t, models.StateIdle, h.signal(t, sigEstopReset).Kind, "Reset settles to Idle")

	h.clock.Advance(200 * time.Second)
	v, err := h.svc.State(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateIdle, v.State.Kind, "an aborted timer never completes the match")
}

func TestService_ArmNeedsNetworkUnlessForced(t *testing.T) {
	h := start(t)
	_, err := h.svc.LoadMatch(h.ctx, "qm_1_1")
	require.NoError(t, err)
	h.signal(t, sigPrestart)

	_, err = h.svc.Signal(h.ctx, sigArm)
	assert.Equal(t, jmserr.IllegalStateChange, jmserr.KindOf(err))

	for team := 1; team <= 6; team++ {
		require.NoError(t, h.svc.IngestReport(h.ctx, models.DriverStationReport{Team: team, RadioPing: true, RobotPing: true, RioPing: true}))
	}
	assert.Equal(t, models.StateMatchArmed, h.signal(t, sigArm).Kind)
}

func TestService_StaleReportsAreNotReady(t *testing.T) {
	h := start(t)
	_, err := h.svc.LoadMatch(h.ctx, "qm_1_1")
	require.NoError(t, err)
	h.signal(t, sigPrestart)

	for team := 1; team <= 6; team++ {
		require.NoError(t, h.svc.IngestReport(h.ctx, models.DriverStationReport{Team: team, RadioPing: true, RobotPing: true}))
	}
	h.clock.Advance(3 * time.Second)

	_, err = h.svc.Signal(h.ctx, sigArm)
	assert.Equal(t, jmserr.IllegalStateChange, jmserr.KindOf(err))

	_, err = h.svc.SetStation(h.ctx, models.AllianceStationID{Alliance: models.Red, Station: 1}, models.AllianceStationUpdate{Bypass: ptr(true)})
	require.NoError(t, err)
	_, err = h.svc.Signal(h.ctx, sigArm)
	assert.Error(t, err, "one bypass does not cover the other five stations")
}

func TestService_PrestartAssignsStations(t *testing.T) {
	h := start(t)
	_, err := h.svc.LoadMatch(h.ctx, "qm_1_1")
	require.NoError(t, err)
	h.signal(t, sigPrestart)

	v, err := h.svc.State(h.ctx)
	require.NoError(t, err)
	require.Len(t, v.Stations, 6)
	for i, st := range v.Stations {
		require.NotNil(t, st.Team)
		assert.Equal(t, i+1, *st.Team, "station %s", st.ID)
	}
	assert.False(t, v.State.NetReady)
}

func TestService_PrestartWithoutMatch(t *testing.T) {
	h := start(t)
	_, err := h.svc.Signal(h.ctx, sigPrestart)
	assert.Equal(t, jmserr.MatchNotLoaded, jmserr.KindOf(err))
}

func TestService_CommitPublishesAndUnloads(t *testing.T) {
	h := start(t)
	published, err := bus.Subscribe[arena.ScoresPublished](h.ctx, h.bus, bus.TopicScoresPublish,
		bus.SubscribeOptions{Group: "core-scoring-publish", Durable: true})
	require.NoError(t, err)

	h.armed(t)
	h.signal(t, sigPlay)
	h.clock.Advance(arena.MatchDuration)
	require.Eventually(t, func() bool {
		v, err := h.svc.State(h.ctx)
		return err == nil && v.State.Kind == models.StateMatchComplete
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.StateIdle, h.signal(t, sigCommit).Kind)

	for m := range published {
		assert.Equal(t, "qm_1_1", m.Value.MatchID)
		require.NoError(t, m.Ack())
		break
	}

	stored, ok, err := h.db.Matches.Get(h.ctx, "qm_1_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.Played)

	v, err := h.svc.State(h.ctx)
	require.NoError(t, err)
	assert.Nil(t, v.Match)
}

func TestService_LoadOnlyWhileIdle(t *testing.T) {
	h := start(t)
	h.armed(t)
	_, err := h.svc.LoadMatch(h.ctx, "qm_1_1")
	assert.Equal(t, jmserr.IllegalStateChange, jmserr.KindOf(err))
	assert.Equal(t, jmserr.IllegalStateChange, jmserr.KindOf(h.svc.UnloadMatch(h.ctx)))
}

func TestService_ElectronicsLatchAndReset(t *testing.T) {
	h := start(t)
	r2 := models.AllianceStationID{Alliance: models.Red, Station: 2}

	_, err := h.svc.Electronics(h.ctx, arena.ElectronicsUpdate{Stations: []arena.ElectronicsStationUpdate{{Station: r2, Estop: true}}})
	require.NoError(t, err)
	st, _, err := h.db.Stations.Get(h.ctx, r2)
	require.NoError(t, err)
	assert.True(t, st.Estop)

	require.NoError(t, h.svc.ResetEstops(h.ctx))
	st, _, err = h.db.Stations.Get(h.ctx, r2)
	require.NoError(t, err)
	assert.False(t, st.Estop)

	s, err := h.svc.Electronics(h.ctx, arena.ElectronicsUpdate{FieldEstop: true})
	require.NoError(t, err)
	assert.Equal(t, models.StateEstop, s.Kind)
}

func TestClient_OverTheBus(t *testing.T) {
	h := start(t)
	_, err := h.bus.ServeAsync(h.ctx, arena.ServiceName, h.svc.Mux())
	require.NoError(t, err)
	client := arena.Client{Bus: h.br.Attach(t, "core")}

	_, err = client.Signal(h.ctx, sigPrestart)
	assert.Equal(t, jmserr.MatchNotLoaded, jmserr.KindOf(err))

	m, err := client.LoadMatch(h.ctx, "qm_1_1")
	require.NoError(t, err)
	assert.Equal(t, "qm_1_1", m.ID)

	st, err := client.Signal(h.ctx, sigPrestart)
	require.NoError(t, err)
	assert.Equal(t, models.StatePrestart, st.Kind)

	v, err := client.State(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "qm_1_1", v.Match.ID)
}

func ptr[T any](v T) *T { return &v }
