package arena

import (
	"context"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
)

// netReady is true when every station is bypassed, empty, or has a fresh report showing
// radio and robot up.
func (s *Service) netReady(ctx context.Context) (bool, error) {
	stations, err := s.db.Stations.All(ctx)
	if err != nil {
		return false, err
	}
	now := s.clock.Now()
	for _, st := range stations {
		if st.Bypass || st.Team == nil {
			continue
		}
		rep, ok, err := s.db.DSReports.Get(ctx, *st.Team)
		if err != nil {
			return false, err
		}
		if !ok || now.Sub(rep.Time) > ReportStaleAfter || !rep.Healthy() {
			return false, nil
		}
	}
	return true, nil
}

// refreshNetReady updates net_ready on states that carry it.
func (s *Service) refreshNetReady(ctx context.Context) error {
	if !CarriesNetReady(s.rec.State.Kind) {
		return nil
	}
	// Prestart and MatchComplete are entered with net_ready=false and flip here.
	ready, err := s.netReady(ctx)
	if err != nil {
		return err
	}
	if ready == s.rec.State.NetReady {
		return nil
	}
	s.rec.State.NetReady = ready
	s.rec.Updated = s.clock.Now()
	return s.persist(ctx)
}

func (s *Service) netReadyLoop(ctx context.Context) error {
	t := s.clock.NewTicker(NetReadyInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			_, err := s.do(ctx, func(ctx context.Context) (any, error) { return nil, s.refreshNetReady(ctx) })
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("net ready refresh failed", "error", err)
			}
		}
	}
}

// IngestReport stores a driver station report, stamping it with the arena clock.
func (s *Service) IngestReport(ctx context.Context, r models.DriverStationReport) error {
	if r.Team <= 0 {
		return jmserr.Newf(jmserr.Malformed, "report for team %d", r.Team)
	}
	r.Time = s.clock.Now()
	return s.db.DSReports.Insert(ctx, r.Team, r)
}

// LoadMatch loads a scheduled match. Only allowed while Idle.
func (s *Service) LoadMatch(ctx context.Context, matchID string) (models.Match, error) {
	v, err := s.do(ctx, func(ctx context.Context) (any, error) {
		if err := s.requireIdle("load a match"); err != nil {
			return nil, err
		}
		m, ok, err := s.db.Matches.Get(ctx, matchID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, jmserr.Newf(jmserr.MatchNotLoaded, "no match %s", matchID)
		}
		s.rec.Match = &m
		return m, s.persist(ctx)
	})
	if err != nil {
		return models.Match{}, err
	}
	return v.(models.Match), nil
}

// LoadTestMatch loads an unscheduled test match that keeps the operator's stations.
func (s *Service) LoadTestMatch(ctx context.Context) (models.Match, error) {
	v, err := s.do(ctx, func(ctx context.Context) (any, error) {
		if err := s.requireIdle("load a match"); err != nil {
			return nil, err
		}
		m := models.NewMatch(models.MatchTest, 1, 1, nil, nil)
		s.rec.Match = &m
		return m, s.persist(ctx)
	})
	if err != nil {
		return models.Match{}, err
	}
	return v.(models.Match), nil
}

// UnloadMatch clears the loaded match. Only allowed while Idle.
func (s *Service) UnloadMatch(ctx context.Context) error {
	_, err := s.do(ctx, func(ctx context.Context) (any, error) {
		if err := s.requireIdle("unload a match"); err != nil {
			return nil, err
		}
		s.rec.Match = nil
		return nil, s.persist(ctx)
	})
	return err
}

func (s *Service) requireIdle(what string) error {
	if s.rec.State.Kind != models.StateIdle {
		return jmserr.Newf(jmserr.IllegalStateChange, "cannot %s in %s", what, s.rec.State)
	}
	return nil
}

// View is the arena as shown to operators.
type View struct {
	State    models.ArenaState        `json:"state"`
	Match    *models.Match            `json:"match,omitempty"`
	Stations []models.AllianceStation `json:"stations"`
}

// State returns the current view.
func (s *Service) State(ctx context.Context) (View, error) {
	v, err := s.do(ctx, func(ctx context.Context) (any, error) {
		stations, err := s.stations(ctx)
		return View{State: s.rec.State, Match: s.rec.Match, Stations: stations}, err
	})
	if err != nil {
		return View{}, err
	}
	return v.(View), nil
}

func (s *Service) stations(ctx context.Context) ([]models.AllianceStation, error) {
	out := make([]models.AllianceStation, 0, len(models.AllStations))
	for _, id := range models.AllStations {
		st, ok, err := s.db.Stations.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			st = models.AllianceStation{ID: id}
		}
		out = append(out, st)
	}
	return out, nil
}

// SetStation edits one station. Teams can only change before the match is armed.
func (s *Service) SetStation(ctx context.Context, id models.AllianceStationID, u models.AllianceStationUpdate) (models.AllianceStation, error) {
	v, err := s.do(ctx, func(ctx context.Context) (any, error) {
		if u.Team != nil {
			switch s.rec.State.Kind {
			case models.StateIdle, models.StatePrestart:
			default:
				return nil, jmserr.Newf(jmserr.IllegalStateChange, "cannot change teams in %s", s.rec.State)
			}
		}
		return s.db.Stations.Update(ctx, id, func(st *models.AllianceStation, _ bool) error {
			st.ID = id
			u.Apply(st)
			return nil
		})
	})
	if err != nil {
		return models.AllianceStation{}, err
	}
	return v.(models.AllianceStation), nil
}

// ElectronicsUpdate is a report from field hardware: station stop buttons and the
// field e-stop.
type ElectronicsUpdate struct {
	FieldEstop bool                       `json:"field_estop,omitempty"`
	Stations   []ElectronicsStationUpdate `json:"stations,omitempty" validate:"dive"`
}

// ElectronicsStationUpdate carries the stop buttons of one station.
type ElectronicsStationUpdate struct {
	Station models.AllianceStationID `json:"station"`
	Estop   bool                     `json:"estop"`
	Astop   bool                     `json:"astop"`
}

// Electronics applies a hardware report. Pressed station buttons latch until reset;
// a field e-stop sends the Estop signal.
func (s *Service) Electronics(ctx context.Context, u ElectronicsUpdate) (models.ArenaState, error) {
	v, err := s.do(ctx, func(ctx context.Context) (any, error) {
		for _, su := range u.Stations {
			if !su.Estop && !su.Astop {
				continue
			}
			if _, err := s.db.Stations.Update(ctx, su.Station, func(st *models.AllianceStation, _ bool) error {
				st.ID = su.Station
				st.Estop = st.Estop || su.Estop
				st.Astop = st.Astop || su.Astop
				return nil
			}); err != nil {
				return nil, err
			}
		}
		if u.FieldEstop {
			return s.signal(ctx, models.ArenaSignal{Kind: models.SignalEstop})
		}
		return s.rec.State, nil
	})
	if err != nil {
		return models.ArenaState{}, err
	}
	return v.(models.ArenaState), nil
}

// ResetEstops releases every station e-stop and a-stop. Refused during match play.
func (s *Service) ResetEstops(ctx context.Context) error {
	_, err := s.do(ctx, func(ctx context.Context) (any, error) {
		if s.rec.State.Kind == models.StateMatchPlay {
			return nil, jmserr.New(jmserr.IllegalStateChange, "cannot reset e-stops during MatchPlay")
		}
		return nil, s.clearStops(ctx)
	})
	return err
}
