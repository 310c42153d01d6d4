// Package models defines the documents JMS keeps in the store and typed accessors for them.
//
// Every entity is either a Table (rows keyed "<prefix>:<id>") or a Singleton (one document
// at a fixed key). DB groups the accessors so a service holds one handle:
//
//	db := models.NewDB(st)
//	team, ok, err := db.Teams.Get(ctx, 254)
//
// Entities that operators edit piecemeal have an explicit *Update message with optional
// fields. Apply overwrites only the fields that are set, and the Update* helpers on DB
// persist the merge atomically through store.Update.
package models

import (
	"context"

	"github.com/trentd187/jms/internal/store"
)

// Store keys of singletons and prefixes of tables.
const (
	KeyTeams          = "db:team"
	KeyMatches        = "db:match"
	KeyAlliances      = "db:alliance"
	KeyCommitted      = "db:committed"
	KeyRankings       = "db:ranking"
	KeyAwards         = "db:award"
	KeyTickets        = "db:ticket"
	KeyComponents     = "db:component"
	KeyUsers          = "db:user"
	KeyTokens         = "db:token"
	KeyStations       = "db:station"
	KeyDSReports      = "db:ds"
	KeyLiveScore      = "live_score"
	KeyPlayoffMode    = "db:playoff_mode"
	KeyPlayoffResult  = "db:playoff_result"
	KeyAudience       = "db:audience"
	KeyEvent          = "db:event"
	KeyNetworking     = "db:settings:networking"
	KeyBackup         = "db:settings:backup"
	KeyTBA            = "db:settings:tba"
	KeyScoreConfig    = "db:score_config"
	KeyArena          = "arena:state"
	KeyMatchGenJob    = "job:match_gen:working"
	KeyScoreLock      = "__score_update_lock"
	KeyTBAPublished   = "tba:published"
	KeyBackupLastTime = "backup:last"
)

// DB bundles the typed accessors over one store.
type DB struct {
	Store *store.Store

	Teams      store.Table[int, Team]
	Matches    store.Table[string, Match]
	Alliances  store.Table[int, PlayoffAlliance]
	Committed  store.Table[string, CommittedMatchScores]
	Rankings   store.Table[int, TeamRanking]
	Awards     store.Table[string, Award]
	Tickets    store.Table[string, SupportTicket]
	Components store.Table[string, JmsComponent]
	Users      store.Table[string, User]
	Tokens     store.Table[string, Token]
	Stations   store.Table[AllianceStationID, AllianceStation]
	DSReports  store.Table[int, DriverStationReport]

	LiveScore     store.Singleton[MatchScore]
	PlayoffMode   store.Singleton[PlayoffMode]
	PlayoffResult store.Singleton[PlayoffResult]
	Audience      store.Singleton[AudienceDisplay]
	Event         store.Singleton[EventDetails]
	Networking    store.Singleton[NetworkingSettings]
	Backup        store.Singleton[BackupSettings]
	TBA           store.Singleton[TBASettings]
	ScoreConfig   store.Singleton[ScoreConfig]
	Arena         store.Singleton[ArenaRecord]
	MatchGenJob   store.Singleton[MatchGenJob]
	TBAPublished  store.Singleton[map[string]string]
}

// NewDB binds every accessor to st.
func NewDB(st *store.Store) *DB {
	return &DB{
		Store: st,

		Teams:      store.NewTable[int, Team](st, KeyTeams),
		Matches:    store.NewTable[string, Match](st, KeyMatches),
		Alliances:  store.NewTable[int, PlayoffAlliance](st, KeyAlliances),
		Committed:  store.NewTable[string, CommittedMatchScores](st, KeyCommitted),
		Rankings:   store.NewTable[int, TeamRanking](st, KeyRankings),
		Awards:     store.NewTable[string, Award](st, KeyAwards),
		Tickets:    store.NewTable[string, SupportTicket](st, KeyTickets),
		Components: store.NewTable[string, JmsComponent](st, KeyComponents),
		Users:      store.NewTable[string, User](st, KeyUsers),
		Tokens:     store.NewTable[string, Token](st, KeyTokens),
		Stations:   store.NewTable[AllianceStationID, AllianceStation](st, KeyStations),
		DSReports:  store.NewTable[int, DriverStationReport](st, KeyDSReports),

		LiveScore:     store.NewSingleton(st, KeyLiveScore, func() MatchScore { return MatchScore{} }),
		PlayoffMode:   store.NewSingleton(st, KeyPlayoffMode, DefaultPlayoffMode),
		PlayoffResult: store.NewSingleton[PlayoffResult](st, KeyPlayoffResult, nil),
		Audience:      store.NewSingleton(st, KeyAudience, func() AudienceDisplay { return AudienceDisplay{Scene: Scene{Kind: SceneBlank}} }),
		Event:         store.NewSingleton(st, KeyEvent, DefaultEventDetails),
		Networking:    store.NewSingleton(st, KeyNetworking, DefaultNetworkingSettings),
		Backup:        store.NewSingleton(st, KeyBackup, DefaultBackupSettings),
		TBA:           store.NewSingleton[TBASettings](st, KeyTBA, nil),
		ScoreConfig:   store.NewSingleton(st, KeyScoreConfig, DefaultScoreConfig),
		Arena:         store.NewSingleton(st, KeyArena, func() ArenaRecord { return ArenaRecord{State: ArenaState{Kind: StateInit}} }),
		MatchGenJob:   store.NewSingleton[MatchGenJob](st, KeyMatchGenJob, nil),
		TBAPublished:  store.NewSingleton(st, KeyTBAPublished, func() map[string]string { return map[string]string{} }),
	}
}

// Watch streams coalesced change notices for every key under prefix.
func (db *DB) Watch(ctx context.Context, prefix string) (<-chan store.Change, error) {
	return db.Store.Watch(ctx, prefix)
}
