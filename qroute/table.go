package qroute

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/encodeous/qaodv/perf"
	"github.com/encodeous/qaodv/state"
)

// ErrUnknownDestination is returned when a destination was never registered with AddDestination
var ErrUnknownDestination = errors.New("destination not registered with the estimator")

// Table holds the estimates of one traffic class. Rows are destinations, columns are neighbours.
// It is not safe for concurrent use.
type Table struct {
	self netip.Addr
	cfg  state.QLearnCfg

	neighbours  []netip.Addr
	unavailable map[netip.Addr]bool
	// every row is aligned with neighbours
	rows map[netip.Addr][]*Entry
}

func NewTable(self netip.Addr, cfg state.QLearnCfg) *Table {
	return &Table{
		self:        self,
		cfg:         cfg,
		unavailable: make(map[netip.Addr]bool),
		rows:        make(map[netip.Addr][]*Entry),
	}
}

func (t *Table) Neighbours() []netip.Addr {
	return slices.Clone(t.neighbours)
}

func (t *Table) KnowsDestination(dst netip.Addr) bool {
	_, ok := t.rows[dst]
	return ok
}

// Destinations returns every registered destination in address order
func (t *Table) Destinations() []netip.Addr {
	dsts := make([]netip.Addr, 0, len(t.rows))
	for dst := range t.rows {
		dsts = append(dsts, dst)
	}
	slices.SortFunc(dsts, func(a, b netip.Addr) int {
		return a.Compare(b)
	})
	return dsts
}

// Entry returns the live estimate for dst through nb
func (t *Table) Entry(dst, nb netip.Addr) (*Entry, bool) {
	row, ok := t.rows[dst]
	if !ok {
		return nil, false
	}
	i := slices.Index(t.neighbours, nb)
	if i < 0 {
		return nil, false
	}
	return row[i], true
}

func (t *Table) available(nb netip.Addr) bool {
	return !t.unavailable[nb]
}

// AddNeighbour makes nb selectable again, adding a column for it if it is new.
// A new column starts slightly worse than the best estimate of each row.
func (t *Table) AddNeighbour(nb netip.Addr) {
	if nb == t.self || !nb.IsValid() {
		return
	}
	if t.unavailable[nb] {
		delete(t.unavailable, nb)
		for _, row := range t.rows {
			for _, e := range row {
				if e.NextHop == nb {
					e.Unavailable = false
				}
			}
		}
	}
	if slices.Contains(t.neighbours, nb) {
		return
	}
	for dst, row := range t.rows {
		var estimate time.Duration
		switch {
		case dst == nb:
			estimate = 0
		case len(row) == 0:
			estimate = state.NewNeighbourIncrement
		default:
			estimate = slices.MinFunc(row, func(a, b *Entry) int {
				return compareEstimate(a, b)
			}).Estimate + state.NewNeighbourIncrement
		}
		t.rows[dst] = append(row, newEntry(nb, estimate))
	}
	t.neighbours = append(t.neighbours, nb)
}

// MarkNeighbourDown excludes nb from selection until it is added again
func (t *Table) MarkNeighbourDown(nb netip.Addr) {
	t.unavailable[nb] = true
	for _, row := range t.rows {
		for _, e := range row {
			if e.NextHop == nb {
				e.Unavailable = true
			}
		}
	}
}

// Unconverge drops the convergence of every entry whose neighbour is down
func (t *Table) Unconverge() {
	for _, row := range t.rows {
		for _, e := range row {
			if e.Converged && e.Unavailable {
				e.Unconverge()
			}
		}
	}
}

// AddDestination creates the row for dst, returning false if it already exists.
// The neighbour via is seeded with estimate, every other neighbour slightly worse.
// An invalid via seeds every neighbour with zero.
func (t *Table) AddDestination(via, dst netip.Addr, estimate time.Duration) bool {
	if t.KnowsDestination(dst) {
		return false
	}
	row := make([]*Entry, len(t.neighbours))
	for i, nb := range t.neighbours {
		var v time.Duration
		switch {
		case !via.IsValid():
			v = state.QInitialVia
		case nb == via:
			v = estimate
		default:
			v = estimate + state.QInitialNotVia
		}
		e := newEntry(nb, v)
		e.Unavailable = t.unavailable[nb]
		row[i] = e
	}
	t.rows[dst] = row
	return true
}

// NextValue computes the updated estimate for dst through via without storing it
func (t *Table) NextValue(via, dst netip.Addr, queue, travel, next time.Duration) (time.Duration, error) {
	if !slices.Contains(t.neighbours, via) {
		t.AddNeighbour(via)
	}
	t.AddDestination(via, dst, travel)
	e, ok := t.Entry(dst, via)
	if !ok {
		return 0, fmt.Errorf("%w: %s via %s", ErrUnknownDestination, dst, via)
	}
	if e.Estimate == 0 {
		queue = 0
	}
	discount := t.cfg.Gamma
	if discount == 0 {
		discount = 1
	}
	reward := float64(travel) + float64(queue) + discount*float64(next)
	v := (1-t.cfg.Alpha)*float64(e.Estimate) + t.cfg.Alpha*reward
	return clampDuration(v), nil
}

// Update folds one feedback sample into the estimate for dst through via
func (t *Table) Update(via, dst netip.Addr, queue, travel, next time.Duration) error {
	v, err := t.NextValue(via, dst, queue, travel, next)
	if err != nil {
		return err
	}
	e, _ := t.Entry(dst, via)
	e.SetValue(v, t.cfg.ConvergenceThreshold, t.cfg.LearnMoreThreshold)
	e.SetCoeffTally((1 - t.cfg.Alpha) * e.CoeffTally)
	t.reseed(dst, v)
	return nil
}

// reseed moves entries still at their initial offset next to the first measured value
func (t *Table) reseed(dst netip.Addr, v time.Duration) {
	for _, e := range t.rows[dst] {
		if e.Estimate == state.QInitialNotVia {
			e.Estimate = v + state.QInitialNotVia
		}
	}
}

// SetValue overwrites the estimate for dst through via, re-evaluating convergence
func (t *Table) SetValue(dst, via netip.Addr, v time.Duration) error {
	e, ok := t.Entry(dst, via)
	if !ok {
		return fmt.Errorf("%w: %s via %s", ErrUnknownDestination, dst, via)
	}
	e.SetValue(v, t.cfg.ConvergenceThreshold, t.cfg.LearnMoreThreshold)
	return nil
}

// ChangeValuesFromZero biases an untrained row towards nextHop. Rows with any learned value are left alone.
func (t *Table) ChangeValuesFromZero(dst, nextHop netip.Addr) {
	row, ok := t.rows[dst]
	if !ok {
		return
	}
	for _, e := range row {
		if e.Estimate != 0 {
			return
		}
	}
	for _, e := range row {
		if e.NextHop != nextHop {
			e.Estimate = state.QInitialNotVia
		}
	}
}

// HasConverged reports whether every available estimate for dst has converged,
// or with bestOnly, whether the lowest one has.
func (t *Table) HasConverged(dst netip.Addr, bestOnly bool) bool {
	row, ok := t.rows[dst]
	if !ok {
		return false
	}
	var best *Entry
	for _, e := range row {
		if e.Unavailable {
			continue
		}
		if !bestOnly {
			if !e.HasConverged() {
				return false
			}
			continue
		}
		if best == nil || e.Estimate < best.Estimate {
			best = e
		}
	}
	if bestOnly {
		return best != nil && best.HasConverged()
	}
	return true
}

// AllBlacklisted reports whether no available neighbour may be used for dst
func (t *Table) AllBlacklisted(dst netip.Addr) bool {
	if dst == t.self {
		return false
	}
	for _, e := range t.rows[dst] {
		if e.usable() {
			return false
		}
	}
	return true
}

func (t *Table) anyReachable() bool {
	for _, nb := range t.neighbours {
		if t.available(nb) {
			return true
		}
	}
	return false
}

func sentinel() *Entry {
	return newEntry(state.NoNeighboursReachable, state.NoNeighboursReachableCost)
}

// Best returns the lowest usable estimate for dst. Ties go to prefer when it is one of them.
// Destinations that cannot be reached through any neighbour yield the NoNeighboursReachable sentinel.
func (t *Table) Best(dst, prefer netip.Addr) (*Entry, error) {
	if dst == t.self {
		return newEntry(t.self, 0), nil
	}
	row, ok := t.rows[dst]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, dst)
	}
	if !t.anyReachable() {
		return sentinel(), nil
	}
	var best *Entry
	for _, e := range row {
		if !e.usable() {
			continue
		}
		if best == nil || e.Estimate < best.Estimate || (e.Estimate == best.Estimate && e.NextHop == prefer) {
			best = e
		}
	}
	if best == nil {
		return sentinel(), nil
	}
	return best, nil
}

// Random returns a uniformly chosen available estimate for dst, restricted to the
// unconverged ones unless the whole row has converged.
func (t *Table) Random(rng *rand.Rand, dst netip.Addr, unconvergedOnly bool) (*Entry, error) {
	if dst == t.self {
		return newEntry(t.self, 0), nil
	}
	row, ok := t.rows[dst]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, dst)
	}
	if unconvergedOnly && t.HasConverged(dst, false) {
		unconvergedOnly = false
	}
	candidates := make([]*Entry, 0, len(row))
	for _, e := range row {
		if e.Unavailable {
			continue
		}
		if unconvergedOnly && e.HasConverged() {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return sentinel(), nil
	}
	return candidates[rng.IntN(len(candidates))], nil
}

// LearnLess reports whether the probe rate towards dst may be lowered
func (t *Table) LearnLess(dst netip.Addr, now time.Time) bool {
	if t.AllBlacklisted(dst) {
		return true
	}
	best, err := t.Best(dst, netip.Addr{})
	if err != nil || best.NextHop == state.NoNeighboursReachable {
		return false
	}
	if !best.LearnLess(now) {
		return false
	}
	agree := false
	for _, e := range t.rows[dst] {
		if e.LearnLess(now) {
			agree = true
		}
	}
	return agree
}

// LearnMore reports whether the best estimate towards dst moved enough to probe harder
func (t *Table) LearnMore(dst netip.Addr, now time.Time) bool {
	if t.AllBlacklisted(dst) {
		return false
	}
	best, err := t.Best(dst, netip.Addr{})
	if err != nil || best.NextHop == state.NoNeighboursReachable {
		return false
	}
	return best.LearnMore(now)
}

func (t *Table) String() string {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("%-16s", t.self))
	for _, nb := range t.neighbours {
		sb.WriteString(fmt.Sprintf(" | %24s", nb))
	}
	for _, dst := range t.Destinations() {
		sb.WriteString(fmt.Sprintf("\n%-16s", dst))
		for _, e := range t.rows[dst] {
			sb.WriteString(fmt.Sprintf(" | %24s", e.flag()+e.Estimate.String()))
		}
	}
	return sb.String()
}

func compareEstimate(a, b *Entry) int {
	switch {
	case a.Estimate < b.Estimate:
		return -1
	case a.Estimate > b.Estimate:
		return 1
	}
	return 0
}

func clampDuration(v float64) time.Duration {
	if v >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	if v <= 0 {
		return 0
	}
	return time.Duration(v)
}

func perfChange(change float64) {
	if math.IsInf(change, 0) || math.IsNaN(change) {
		return
	}
	perf.EstimateUpdateDelta.Add(min(change, 10) * 100)
}
