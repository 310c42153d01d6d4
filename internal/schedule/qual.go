// Package schedule generates match schedules: the qualification schedule by two-phase
// simulated annealing, and playoff brackets that grow as results come in.
package schedule

import (
	"context"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/trentd187/jms/internal/jmserr"
)

// Stations per match, in column order R1 R2 R3 B1 B2 B3.
const (
	Stations            = 6
	StationsPerAlliance = 3
)

// ProgressEvery is the number of annealing steps between progress reports.
const ProgressEvery = 1024

// Annealing phases.
const (
	PhaseTeam    = "team"
	PhaseStation = "station"
)

// Row is one match: six team numbers by station.
type Row [Stations]int

// Matrix is a qualification schedule, one row per match.
type Matrix []Row

// Clone returns a deep copy.
func (m Matrix) Clone() Matrix { return slices.Clone(m) }

// Progress is reported every ProgressEvery steps of each phase.
type Progress struct {
	Phase string
	Step  int
	Steps int
	Cost  float64
}

// QualOptions tune a generation run.
type QualOptions struct {
	MatchesPerTeam int
	TeamSteps      int
	StationSteps   int
	// Seed fixes the random source. Zero picks a random seed.
	Seed uint64
	// OnProgress is called every ProgressEvery steps. Returning an error stops the run.
	OnProgress func(Progress) error
}

// QualSchedule is the output of a run.
type QualSchedule struct {
	Matrix Matrix
	// Surrogate marks the cells whose appearance does not count towards rankings.
	Surrogate   map[Cell]bool
	TeamCost    float64
	StationCost float64
}

// Cell addresses one station of one match.
type Cell struct{ Row, Col int }

// NumMatches is the number of matches needed so every team plays matchesPerTeam times.
func NumMatches(teams, matchesPerTeam int) int {
	return (teams*matchesPerTeam + Stations - 1) / Stations
}

// SeedMatrix lays the teams out round-robin in shuffled order so every team appears
// matchesPerTeam times and no match repeats a team. Cells left over in the last match
// are filled with surrogate appearances of the first teams in the order.
func SeedMatrix(teams []int, matchesPerTeam int, rng *rand.Rand) (Matrix, []int, error) {
	if len(teams) < Stations {
		return nil, nil, jmserr.Newf(jmserr.Malformed, "need at least %d schedulable teams, have %d", Stations, len(teams))
	}
	if matchesPerTeam < 1 {
		return nil, nil, jmserr.Newf(jmserr.Malformed, "matches per team must be positive, got %d", matchesPerTeam)
	}
	order := slices.Clone(teams)
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	n := NumMatches(len(order), matchesPerTeam)
	extra := n*Stations - len(order)*matchesPerTeam
	seq := make([]int, 0, n*Stations)
	for range matchesPerTeam {
		seq = append(seq, order...)
	}
	surrogates := slices.Clone(order[:extra])
	seq = append(seq, surrogates...)

	m := make(Matrix, n)
	for i, t := range seq {
		m[i/Stations][i%Stations] = t
	}
	return m, surrogates, nil
}

// GenerateQuals seeds and anneals a qualification schedule for teams.
func GenerateQuals(ctx context.Context, teams []int, opts QualOptions) (QualSchedule, error) {
	rng := newRand(opts.Seed)
	m, surrogates, err := SeedMatrix(teams, opts.MatchesPerTeam, rng)
	if err != nil {
		return QualSchedule{}, err
	}
	a := newAnnealer(m, rng, opts.OnProgress)
	if err := a.teamPhase(ctx, opts.TeamSteps); err != nil {
		return QualSchedule{}, err
	}
	if err := a.stationPhase(ctx, opts.StationSteps); err != nil {
		return QualSchedule{}, err
	}
	return QualSchedule{
		Matrix:      a.m,
		Surrogate:   markSurrogates(a.m, surrogates),
		TeamCost:    a.teamCost(),
		StationCost: a.stationCost(),
	}, nil
}

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// markSurrogates flags the third appearance of each surrogate team, or its last when it
// plays fewer than three times.
func markSurrogates(m Matrix, teams []int) map[Cell]bool {
	out := map[Cell]bool{}
	for _, t := range teams {
		var cells []Cell
		for r, row := range m {
			for c, v := range row {
				if v == t {
					cells = append(cells, Cell{r, c})
				}
			}
		}
		if len(cells) == 0 {
			continue
		}
		out[cells[min(2, len(cells)-1)]] = true
	}
	return out
}

// annealer keeps pair and station tallies in step with the matrix so a move is costed
// from the teams it touches.
type annealer struct {
	m          Matrix
	rng        *rand.Rand
	onProgress func(Progress) error

	idx      map[int]int // team number -> tally index
	partner  [][]int
	opponent [][]int
	pSum     []int
	pSq      []int
	oSum     []int
	oSq      []int
	station  [][Stations]int
	appear   []int
}

func newAnnealer(m Matrix, rng *rand.Rand, onProgress func(Progress) error) *annealer {
	a := &annealer{m: m.Clone(), rng: rng, onProgress: onProgress, idx: map[int]int{}}
	for _, row := range a.m {
		for _, t := range row {
			if _, ok := a.idx[t]; !ok {
				a.idx[t] = len(a.idx)
			}
		}
	}
	n := len(a.idx)
	a.partner, a.opponent = square(n), square(n)
	a.pSum, a.pSq = make([]int, n), make([]int, n)
	a.oSum, a.oSq = make([]int, n), make([]int, n)
	a.station = make([][Stations]int, n)
	a.appear = make([]int, n)
	for r := range a.m {
		a.addRow(r, 1)
		for c, t := range a.m[r] {
			a.station[a.idx[t]][c]++
			a.appear[a.idx[t]]++
		}
	}
	return a
}

func square(n int) [][]int {
	out := make([][]int, n)
	for i := range out {
		out[i] = make([]int, n)
	}
	return out
}

func sameAlliance(c1, c2 int) bool { return c1/StationsPerAlliance == c2/StationsPerAlliance }

// addRow adds (d=1) or removes (d=-1) the pairings of one match.
func (a *annealer) addRow(r, d int) {
	row := a.m[r]
	for i := 0; i < Stations; i++ {
		for j := i + 1; j < Stations; j++ {
			x, y := a.idx[row[i]], a.idx[row[j]]
			if sameAlliance(i, j) {
				bump(a.partner, a.pSum, a.pSq, x, y, d)
			} else {
				bump(a.opponent, a.oSum, a.oSq, x, y, d)
			}
		}
	}
}

func bump(counts [][]int, sum, sq []int, x, y, d int) {
	for _, p := range [2][2]int{{x, y}, {y, x}} {
		c := counts[p[0]][p[1]]
		counts[p[0]][p[1]] = c + d
		sum[p[0]] += d
		sq[p[0]] += (c+d)*(c+d) - c*c
	}
}

// variance of a team's counts over the other n-1 teams.
func variance(sum, sq, n int) float64 {
	if n <= 0 {
		return 0
	}
	mean := float64(sum) / float64(n)
	return float64(sq)/float64(n) - mean*mean
}

func (a *annealer) teamVar(i int) float64 {
	others := len(a.idx) - 1
	return variance(a.pSum[i], a.pSq[i], others) + variance(a.oSum[i], a.oSq[i], others)
}

func (a *annealer) teamCost() float64 {
	var c float64
	for _, i := range a.idx {
		c += a.teamVar(i)
	}
	return c
}

// stationVar is the variance of a team's station counts above the least achievable for
// its number of appearances, so a perfectly spread team costs zero.
func (a *annealer) stationVar(i int) float64 {
	var sum, sq int
	for _, c := range a.station[i] {
		sum += c
		sq += c * c
	}
	v := variance(sum, sq, Stations) - minStationVar(a.appear[i])
	if v < 1e-9 {
		return 0
	}
	return v
}

func minStationVar(k int) float64 {
	q, r := k/Stations, k%Stations
	sq := r*(q+1)*(q+1) + (Stations-r)*q*q
	return variance(k, sq, Stations)
}

func (a *annealer) stationCost() float64 {
	var c float64
	for _, i := range a.idx {
		c += a.stationVar(i)
	}
	return c
}

func (a *annealer) touched(rows ...int) []int {
	var out []int
	for _, r := range rows {
		for _, t := range a.m[r] {
			if i := a.idx[t]; !slices.Contains(out, i) {
				out = append(out, i)
			}
		}
	}
	return out
}

func (a *annealer) accept(delta, temp float64) bool {
	if delta <= 0 {
		return true
	}
	if temp <= 0 {
		return false
	}
	return a.rng.Float64() < math.Exp(-delta/temp)
}

// temperature decays linearly from 1 to 0 over steps.
func temperature(step, steps int) float64 {
	return 1 - float64(step)/float64(steps)
}

func (a *annealer) checkpoint(ctx context.Context, phase string, step, steps int, cost float64) error {
	if err := ctx.Err(); err != nil {
		return jmserr.Wrap(jmserr.CancellationRequested, err, "qualification generation cancelled")
	}
	if step%ProgressEvery != 0 || a.onProgress == nil {
		return nil
	}
	return a.onProgress(Progress{Phase: phase, Step: step, Steps: steps, Cost: cost})
}

// teamPhase swaps cells holding different teams to balance partners and opponents.
func (a *annealer) teamPhase(ctx context.Context, steps int) error {
	if steps <= 0 {
		return nil
	}
	cost := a.teamCost()
	best, bestCost := a.m.Clone(), cost
	cells := len(a.m) * Stations
	for step := 0; step < steps; step++ {
		if err := a.checkpoint(ctx, PhaseTeam, step, steps, cost); err != nil {
			return err
		}
		p, q := a.rng.IntN(cells), a.rng.IntN(cells)
		r1, c1, r2, c2 := p/Stations, p%Stations, q/Stations, q%Stations
		t1, t2 := a.m[r1][c1], a.m[r2][c2]
		if t1 == t2 || (r1 != r2 && (slices.Contains(a.m[r1][:], t2) || slices.Contains(a.m[r2][:], t1))) {
			continue
		}
		delta := a.swapCells(r1, c1, r2, c2)
		if !a.accept(delta, temperature(step, steps)) {
			a.swapCells(r1, c1, r2, c2)
			continue
		}
		cost += delta
		if cost < bestCost-1e-12 {
			best, bestCost = a.m.Clone(), cost
		}
	}
	a.reset(best)
	return nil
}

// swapCells swaps two cells and returns the change in team cost.
func (a *annealer) swapCells(r1, c1, r2, c2 int) float64 {
	rows := []int{r1}
	if r2 != r1 {
		rows = append(rows, r2)
	}
	teams := a.touched(rows...)
	var before float64
	for _, i := range teams {
		before += a.teamVar(i)
	}
	for _, r := range rows {
		a.addRow(r, -1)
	}
	a.moveStation(r1, c1, -1)
	a.moveStation(r2, c2, -1)
	a.m[r1][c1], a.m[r2][c2] = a.m[r2][c2], a.m[r1][c1]
	a.moveStation(r1, c1, 1)
	a.moveStation(r2, c2, 1)
	for _, r := range rows {
		a.addRow(r, 1)
	}
	var after float64
	for _, i := range teams {
		after += a.teamVar(i)
	}
	return after - before
}

func (a *annealer) moveStation(r, c, d int) {
	a.station[a.idx[a.m[r][c]]][c] += d
}

// reset replaces the matrix and rebuilds every tally.
func (a *annealer) reset(m Matrix) {
	fresh := newAnnealer(m, a.rng, a.onProgress)
	*a = *fresh
}

// stationPhase permutes stations inside each match without changing who partners or
// opposes whom: two slots of one alliance trade places, or the alliances trade sides.
func (a *annealer) stationPhase(ctx context.Context, steps int) error {
	if steps <= 0 {
		return nil
	}
	cost := a.stationCost()
	best, bestCost := a.m.Clone(), cost
	for step := 0; step < steps; step++ {
		if err := a.checkpoint(ctx, PhaseStation, step, steps, cost); err != nil {
			return err
		}
		r := a.rng.IntN(len(a.m))
		var perm [Stations]int
		if a.rng.IntN(StationsPerAlliance+1) == 0 {
			perm = [Stations]int{3, 4, 5, 0, 1, 2}
		} else {
			side := a.rng.IntN(2) * StationsPerAlliance
			i, j := side+a.rng.IntN(StationsPerAlliance), side+a.rng.IntN(StationsPerAlliance)
			if i == j {
				continue
			}
			perm = [Stations]int{0, 1, 2, 3, 4, 5}
			perm[i], perm[j] = j, i
		}
		old := a.m[r]
		delta := a.permuteRow(r, perm)
		if !a.accept(delta, temperature(step, steps)) {
			a.setRow(r, old)
			continue
		}
		cost += delta
		if cost < bestCost-1e-12 {
			best, bestCost = a.m.Clone(), cost
		}
	}
	a.reset(best)
	return nil
}

// permuteRow moves the team at perm[c] into column c and returns the station cost change.
func (a *annealer) permuteRow(r int, perm [Stations]int) float64 {
	var next Row
	for c := range next {
		next[c] = a.m[r][perm[c]]
	}
	teams := a.touched(r)
	var before float64
	for _, i := range teams {
		before += a.stationVar(i)
	}
	a.setRow(r, next)
	var after float64
	for _, i := range teams {
		after += a.stationVar(i)
	}
	return after - before
}

// setRow replaces a row's station order. Pair tallies are unchanged because the row
// keeps its alliances.
func (a *annealer) setRow(r int, row Row) {
	for c := range Stations {
		a.moveStation(r, c, -1)
	}
	a.m[r] = row
	for c := range Stations {
		a.moveStation(r, c, 1)
	}
}
