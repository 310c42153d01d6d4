package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/trentd187/jms/internal/jmserr"
)

// --- Arena states and signals ---

// StateKind discriminates ArenaState.
type StateKind string

const (
	StateInit          StateKind = "Init"
	StateReset         StateKind = "Reset"
	StateIdle          StateKind = "Idle"
	StateEstop         StateKind = "Estop"
	StatePrestart      StateKind = "Prestart"
	StateMatchArmed    StateKind = "MatchArmed"
	StateMatchPlay     StateKind = "MatchPlay"
	StateMatchComplete StateKind = "MatchComplete"
)

// ArenaState is the global arena state. NetReady is carried by Idle, Prestart and
// MatchComplete.
type ArenaState struct {
	Kind     StateKind `json:"kind"`
	NetReady bool      `json:"net_ready,omitempty"`
}

func (s ArenaState) String() string {
	switch s.Kind {
	case StateIdle, StatePrestart, StateMatchComplete:
		return fmt.Sprintf("%s{net_ready=%t}", s.Kind, s.NetReady)
	}
	return string(s.Kind)
}

// SignalKind discriminates ArenaSignal.
type SignalKind string

const (
	SignalEstop        SignalKind = "Estop"
	SignalEstopReset   SignalKind = "EstopReset"
	SignalPrestart     SignalKind = "Prestart"
	SignalPrestartUndo SignalKind = "PrestartUndo"
	SignalMatchArm     SignalKind = "MatchArm"
	SignalMatchPlay    SignalKind = "MatchPlay"
	SignalMatchCommit  SignalKind = "MatchCommit"
)

// ArenaSignal is an operator request to move the arena. Force only applies to MatchArm.
type ArenaSignal struct {
	Kind  SignalKind `json:"kind" validate:"required,oneof=Estop EstopReset Prestart PrestartUndo MatchArm MatchPlay MatchCommit"`
	Force bool       `json:"force,omitempty"`
}

func (s ArenaSignal) String() string {
	if s.Kind == SignalMatchArm {
		return fmt.Sprintf("MatchArm{force=%t}", s.Force)
	}
	return string(s.Kind)
}

// ArenaRecord is the persisted arena state, written only by the arena service.
type ArenaRecord struct {
	State      ArenaState `json:"state"`
	Match      *Match     `json:"match,omitempty"` // loaded match
	MatchStart *time.Time `json:"match_start,omitempty"`
	Updated    time.Time  `json:"updated"`
}

// --- Alliance stations ---

// AllianceStationID names one of the six driver stations, encoded as "R1".."B3".
type AllianceStationID struct {
	Alliance Alliance
	Station  int // 1..3
}

// AllStations lists the stations in R1..R3, B1..B3 order.
var AllStations = []AllianceStationID{
	{Red, 1}, {Red, 2}, {Red, 3}, {Blue, 1}, {Blue, 2}, {Blue, 3},
}

func (id AllianceStationID) String() string {
	c := "R"
	if id.Alliance == Blue {
		c = "B"
	}
	return fmt.Sprintf("%s%d", c, id.Station)
}

// ParseStationID parses "R1".."B3".
func ParseStationID(s string) (AllianceStationID, error) {
	if len(s) != 2 || s[1] < '1' || s[1] > '3' {
		return AllianceStationID{}, jmserr.Newf(jmserr.Malformed, "bad station %q", s)
	}
	id := AllianceStationID{Station: int(s[1] - '0')}
	switch s[0] {
	case 'R', 'r':
		id.Alliance = Red
	case 'B', 'b':
		id.Alliance = Blue
	default:
		return AllianceStationID{}, jmserr.Newf(jmserr.Malformed, "bad station %q", s)
	}
	return id, nil
}

func (id AllianceStationID) MarshalJSON() ([]byte, error) { return json.Marshal(id.String()) }

func (id *AllianceStationID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseStationID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// AllianceStation is the per-station state held by the arena.
type AllianceStation struct {
	ID     AllianceStationID `json:"id"`
	Team   *int              `json:"team,omitempty"`
	Bypass bool              `json:"bypass"`
	Estop  bool              `json:"estop"`
	Astop  bool              `json:"astop"`
}

// AllianceStationUpdate carries optional station changes. A Team of 0 empties the station.
type AllianceStationUpdate struct {
	Team   *int  `json:"team,omitempty" validate:"omitempty,gte=0"`
	Bypass *bool `json:"bypass,omitempty"`
	Estop  *bool `json:"estop,omitempty"`
	Astop  *bool `json:"astop,omitempty"`
}

// Apply merges u into s.
func (u AllianceStationUpdate) Apply(s *AllianceStation) {
	if u.Team != nil {
		if *u.Team == 0 {
			s.Team = nil
		} else {
			t := *u.Team
			s.Team = &t
		}
	}
	if u.Bypass != nil {
		s.Bypass = *u.Bypass
	}
	if u.Estop != nil {
		s.Estop = *u.Estop
	}
	if u.Astop != nil {
		s.Astop = *u.Astop
	}
}

// DriverStationReport is the latest health report from a team's driver station.
type DriverStationReport struct {
	Team      int       `json:"team" validate:"gt=0"`
	RadioPing bool      `json:"radio_ping"`
	RioPing   bool      `json:"rio_ping"`
	RobotPing bool      `json:"robot_ping"`
	Battery   float64   `json:"battery"`
	Estop     bool      `json:"estop"`
	Mode      string    `json:"mode,omitempty"`
	Time      time.Time `json:"time"`
}

// Healthy reports whether the radio and robot are both reachable.
func (r DriverStationReport) Healthy() bool { return r.RadioPing && r.RobotPing }
