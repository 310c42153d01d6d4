package schedule

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
)

// Source says where one side of a series comes from. Exactly one field is set.
type Source struct {
	Seed   int // alliance id
	Winner int // set number of an earlier series
	Loser  int
	Rank   int // place in the round robin standings
}

func seed(n int) Source   { return Source{Seed: n} }
func winner(s int) Source { return Source{Winner: s} }
func loser(s int) Source  { return Source{Loser: s} }

// Series is a head-to-head between two alliances, played until one side has Wins wins.
// Ties never count and cause another game, unless Ties is set, in which case the first
// decided game ends the series either way.
type Series struct {
	Set  int
	Name string
	Red  Source
	Blue Source
	Wins int
	Ties bool
}

// Format is a playoff laid out as series in dependency order. Final is the set number
// whose result decides the playoffs.
type Format struct {
	Series []Series
	Final  int
}

// FormatFor builds the format of a playoff mode.
func FormatFor(mode models.PlayoffMode) (Format, error) {
	if err := mode.Validate(); err != nil {
		return Format{}, err
	}
	switch mode.Kind {
	case models.ModeBracket:
		return Bracket(mode.NAlliances), nil
	case models.ModeDoubleBracket:
		return DoubleBracket(), nil
	case models.ModeRoundRobin:
		return RoundRobin(mode.NAlliances), nil
	}
	return Format{}, jmserr.Playoff(jmserr.ReasonInvalidMode)
}

// SeedOrder is the standard bracket order for size (a power of two): adjacent pairs
// meet in the first round, and seeds 1 and 2 can only meet in the final.
func SeedOrder(size int) []int {
	order := []int{1}
	for n := 1; n < size; n *= 2 {
		next := make([]int, 0, 2*len(order))
		for _, s := range order {
			next = append(next, s, 2*n+1-s)
		}
		order = next
	}
	return order
}

// Bracket is single elimination for n alliances. Missing seeds are byes.
func Bracket(n int) Format {
	size := 2
	for size < n {
		size *= 2
	}
	order := SeedOrder(size)
	var f Format
	var round []int
	set := 0
	for i := 0; i < len(order); i += 2 {
		set++
		f.Series = append(f.Series, Series{
			Set: set, Name: roundName(size, set),
			Red: seed(order[i]), Blue: seed(order[i+1]), Wins: 1,
		})
		round = append(round, set)
	}
	for teams := size / 2; len(round) > 1; teams /= 2 {
		var next []int
		for i := 0; i < len(round); i += 2 {
			set++
			f.Series = append(f.Series, Series{
				Set: set, Name: roundName(teams, len(next)+1),
				Red: winner(round[i]), Blue: winner(round[i+1]), Wins: 1,
			})
			next = append(next, set)
		}
		round = next
	}
	f.Final = set
	return f
}

func roundName(teams, i int) string {
	switch teams {
	case 2:
		return "Final"
	case 4:
		return fmt.Sprintf("Semifinal %d", i)
	case 8:
		return fmt.Sprintf("Quarterfinal %d", i)
	}
	return fmt.Sprintf("Round of %d Match %d", teams, i)
}

// DoubleBracket is the eight-alliance double elimination bracket: upper rounds 1, 2 and
// 4, lower rounds 2 through 5, then a best-of-three final. Alliances beyond n are byes.
func DoubleBracket() Format {
	s := func(set int, name string, red, blue Source) Series {
		return Series{Set: set, Name: name, Red: red, Blue: blue, Wins: 1}
	}
	return Format{
		Series: []Series{
			s(1, "Match 1 (R1 Upper)", seed(1), seed(8)),
			s(2, "Match 2 (R1 Upper)", seed(4), seed(5)),
			s(3, "Match 3 (R1 Upper)", seed(2), seed(7)),
			s(4, "Match 4 (R1 Upper)", seed(3), seed(6)),
			s(5, "Match 5 (R2 Lower)", loser(1), loser(2)),
			s(6, "Match 6 (R2 Lower)", loser(3), loser(4)),
			s(7, "Match 7 (R2 Upper)", winner(1), winner(2)),
			s(8, "Match 8 (R2 Upper)", winner(3), winner(4)),
			s(9, "Match 9 (R3 Lower)", loser(7), winner(6)),
			s(10, "Match 10 (R3 Lower)", loser(8), winner(5)),
			s(11, "Match 11 (R4 Upper)", winner(7), winner(8)),
			s(12, "Match 12 (R4 Lower)", winner(10), winner(9)),
			s(13, "Match 13 (R5 Lower)", loser(11), winner(12)),
			{Set: 14, Name: "Final", Red: winner(11), Blue: winner(13), Wins: 2},
		},
		Final: 14,
	}
}

// RoundRobin pairs every alliance with every other once using the circle method, then
// plays a final between the top two of the standings.
func RoundRobin(n int) Format {
	ids := make([]int, 0, n+1)
	for i := 1; i <= n; i++ {
		ids = append(ids, i)
	}
	if n%2 == 1 {
		ids = append(ids, 0) // bye
	}
	var f Format
	set := 0
	rounds := len(ids) - 1
	for r := 1; r <= rounds; r++ {
		k := 0
		for i := 0; i < len(ids)/2; i++ {
			a, b := ids[i], ids[len(ids)-1-i]
			if a == 0 || b == 0 {
				continue
			}
			set++
			k++
			f.Series = append(f.Series, Series{
				Set: set, Name: fmt.Sprintf("Round Robin %d-%d", r, k),
				Red: seed(min(a, b)), Blue: seed(max(a, b)), Wins: 1, Ties: true,
			})
		}
		// Rotate everything but the first entry.
		last := ids[len(ids)-1]
		copy(ids[2:], ids[1:len(ids)-1])
		ids[1] = last
	}
	set++
	f.Series = append(f.Series, Series{Set: set, Name: "Final", Red: Source{Rank: 1}, Blue: Source{Rank: 2}, Wins: 1})
	f.Final = set
	return f
}

// Game is one playoff match and, once committed, its result.
type Game struct {
	Match     models.Match
	Done      bool
	Winner    models.Alliance // "" for a tie
	RedScore  int
	BlueScore int
}

// Outcome is what an evaluation asks for: matches to create and, once the final is
// decided, the result.
type Outcome struct {
	NewMatches []models.Match
	Result     *models.PlayoffResult
}

type resolution struct {
	done   bool
	winner int // 0 when the series was a bye for both sides
	loser  int // 0 for a bye
}

// Standing is an alliance's round robin record.
type Standing struct {
	Alliance int
	Win      int
	Loss     int
	Tie      int
	Score    int
}

func (s Standing) points() int { return 2*s.Win + s.Tie }

// Evaluate walks the format against the games played so far. Only the first n seeds
// are present; teams maps each alliance id to its members. games is keyed by set number
// and ordered by match number.
func (f Format) Evaluate(n int, teams map[int][]int, games map[int][]Game) (Outcome, error) {
	var out Outcome
	res := map[int]resolution{}
	standings, rrDone := f.standings(games)

	resolve := func(src Source) (int, bool) {
		switch {
		case src.Seed > 0:
			if src.Seed > n {
				return 0, true
			}
			return src.Seed, true
		case src.Winner > 0:
			r := res[src.Winner]
			return r.winner, r.done
		case src.Loser > 0:
			r := res[src.Loser]
			return r.loser, r.done
		case src.Rank > 0:
			if !rrDone || src.Rank > len(standings) {
				return 0, false
			}
			return standings[src.Rank-1].Alliance, true
		}
		return 0, false
	}

	for _, s := range f.Series {
		red, rok := resolve(s.Red)
		blue, bok := resolve(s.Blue)
		if !rok || !bok {
			continue
		}
		switch {
		case red == 0 && blue == 0:
			res[s.Set] = resolution{done: true}
			continue
		case red == 0:
			res[s.Set] = resolution{done: true, winner: blue}
			continue
		case blue == 0:
			res[s.Set] = resolution{done: true, winner: red}
			continue
		}
		for _, id := range []int{red, blue} {
			if len(teams[id]) == 0 {
				return Outcome{}, jmserr.Newf(jmserr.PlayoffError, "%s: alliance %d has no teams", jmserr.ReasonAllianceIncomplete, id)
			}
		}

		played := games[s.Set]
		var redWins, blueWins, decided int
		pending := false
		for _, g := range played {
			if !g.Done {
				pending = true
				break
			}
			decided++
			switch g.Winner {
			case models.Red:
				redWins++
			case models.Blue:
				blueWins++
			}
		}
		switch {
		case redWins >= s.Wins:
			res[s.Set] = resolution{done: true, winner: red, loser: blue}
		case blueWins >= s.Wins:
			res[s.Set] = resolution{done: true, winner: blue, loser: red}
		case s.Ties && decided > 0:
			res[s.Set] = resolution{done: true}
		case !pending:
			out.NewMatches = append(out.NewMatches, newGame(s, len(played)+1, red, blue, teams))
		}
	}

	if r := res[f.Final]; r.done && r.winner != 0 {
		out.Result = &models.PlayoffResult{Winner: r.winner, Finalist: r.loser}
	}
	return out, nil
}

func newGame(s Series, game, red, blue int, teams map[int][]int) models.Match {
	m := models.NewMatch(models.MatchPlayoff, s.Set, game, teams[red], teams[blue])
	m.Name = s.Name
	if game > 1 {
		m.Name = fmt.Sprintf("%s (%d)", s.Name, game)
	}
	m.RedAlliance, m.BlueAlliance = &red, &blue
	return m
}

// standings ranks the alliances by round robin record, then cumulative score, then
// seed. The boolean is false while any round robin game is still to be played.
func (f Format) standings(games map[int][]Game) ([]Standing, bool) {
	by := map[int]*Standing{}
	get := func(id int) *Standing {
		if by[id] == nil {
			by[id] = &Standing{Alliance: id}
		}
		return by[id]
	}
	complete, seen := true, false
	for _, s := range f.Series {
		if !s.Ties {
			continue
		}
		seen = true
		red, blue := get(s.Red.Seed), get(s.Blue.Seed)
		var g *Game
		for i := range games[s.Set] {
			if games[s.Set][i].Done {
				g = &games[s.Set][i]
				break
			}
		}
		if g == nil {
			complete = false
			continue
		}
		red.Score += g.RedScore
		blue.Score += g.BlueScore
		switch g.Winner {
		case models.Red:
			red.Win++
			blue.Loss++
		case models.Blue:
			blue.Win++
			red.Loss++
		default:
			red.Tie++
			blue.Tie++
		}
	}
	if !seen {
		return nil, false
	}
	out := make([]Standing, 0, len(by))
	for _, s := range by {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Standing) int {
		if c := cmp.Compare(b.points(), a.points()); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Alliance, b.Alliance)
	})
	return out, complete
}
