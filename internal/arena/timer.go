package arena

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/trentd187/jms/internal/bus"
)

// Match timing, measured from the start of MatchPlay.
const (
	TickInterval  = 100 * time.Millisecond
	AutoDuration  = 15 * time.Second
	PauseDuration = 3 * time.Second
	TeleopEnd     = 153 * time.Second
	EndgameLength = 30 * time.Second
	MatchDuration = TeleopEnd
)

// Phase events published on bus.TopicMatchEvent.
const (
	EventMatchStart   = "match_start"
	EventAutoEnd      = "auto_end"
	EventTeleopStart  = "teleop_start"
	EventEndgameStart = "endgame_start"
	EventMatchEnd     = "match_end"
	EventMatchAbort   = "match_abort"
)

type phaseEvent struct {
	at   time.Duration
	name string
}

var phaseEvents = []phaseEvent{
	{AutoDuration, EventAutoEnd},
	{AutoDuration + PauseDuration, EventTeleopStart},
	{TeleopEnd - EndgameLength, EventEndgameStart},
	{TeleopEnd, EventMatchEnd},
}

// Phase names carried in ticks.
const (
	PhaseAuto    = "auto"
	PhasePause   = "pause"
	PhaseTeleop  = "teleop"
	PhaseEndgame = "endgame"
	PhaseDone    = "done"
)

// PhaseAt returns the match phase at elapsed.
func PhaseAt(elapsed time.Duration) string {
	switch {
	case elapsed < AutoDuration:
		return PhaseAuto
	case elapsed < AutoDuration+PauseDuration:
		return PhasePause
	case elapsed < TeleopEnd-EndgameLength:
		return PhaseTeleop
	case elapsed < TeleopEnd:
		return PhaseEndgame
	}
	return PhaseDone
}

// MatchTick is published every TickInterval of match play.
type MatchTick struct {
	MatchID     string `json:"match_id"`
	Seq         int    `json:"seq"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	RemainingMS int64  `json:"remaining_ms"`
	Phase       string `json:"phase"`
}

// MatchEvent marks a phase boundary or an abort.
type MatchEvent struct {
	MatchID   string    `json:"match_id"`
	Event     string    `json:"event"`
	Time      time.Time `json:"time"`
	ElapsedMS int64     `json:"elapsed_ms"`
}

// matchTimer publishes ticks and phase events for one match. Missed ticker fires are
// caught up from the elapsed time, so the tick count always follows the clock.
type matchTimer struct {
	bus     *bus.Bus
	clock   clockwork.Clock
	ticker  clockwork.Ticker
	matchID string
	t0      time.Time
	onEnd   func(ctx context.Context)
	onError func(err error)
}

func (t *matchTimer) run(ctx context.Context) {
	defer t.ticker.Stop()
	sent, next := 0, 0
	total := int(MatchDuration / TickInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.ticker.Chan():
		}

		elapsed := t.clock.Since(t.t0)
		for want := min(int(elapsed/TickInterval), total); sent < want; {
			sent++
			at := time.Duration(sent) * TickInterval
			t.publish(ctx, bus.TopicMatchTick, MatchTick{
				MatchID:     t.matchID,
				Seq:         sent,
				ElapsedMS:   at.Milliseconds(),
				RemainingMS: (MatchDuration - at).Milliseconds(),
				Phase:       PhaseAt(at),
			})
		}
		for next < len(phaseEvents) && elapsed >= phaseEvents[next].at {
			ev := phaseEvents[next]
			t.publish(ctx, bus.TopicMatchEvent, MatchEvent{
				MatchID:   t.matchID,
				Event:     ev.name,
				Time:      t.t0.Add(ev.at),
				ElapsedMS: ev.at.Milliseconds(),
			})
			next++
		}
		if elapsed >= MatchDuration {
			t.onEnd(ctx)
			return
		}
	}
}

func (t *matchTimer) publish(ctx context.Context, topic string, v any) {
	if err := t.bus.Publish(ctx, topic, v); err != nil && ctx.Err() == nil {
		t.onError(err)
	}
}
