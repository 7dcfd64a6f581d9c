// Package routing picks one concrete weighted backend route for a
// requested model alias.
package routing

import (
	"math/rand/v2"
	"sort"
	"sync/atomic"

	"github.com/routegate/routegate/internal/domain"
)

// candidateGroup holds every route sharing one alias, with cumulative
// weights precomputed for binary-search selection.
type candidateGroup struct {
	routes []domain.Route
	prefix []float64
	total  float64
}

type table struct {
	groups map[string]*candidateGroup
}

// Selector chooses among routes sharing a model alias with probability
// weight/Σweights. Reads go against an immutable snapshot; Swap replaces
// the whole table atomically, so a hot reload never mutates routes in
// place under a concurrent request.
type Selector struct {
	tab atomic.Pointer[table]
}

func NewSelector(routes []domain.Route) *Selector {
	s := &Selector{}
	s.Swap(routes)
	return s
}

// Swap atomically replaces the route table with a new snapshot. Weights
// are taken literally; the config loader defaults unset weights to 1
// before routes reach the selector.
func (s *Selector) Swap(routes []domain.Route) {
	groups := make(map[string]*candidateGroup)
	for _, r := range routes {
		g, ok := groups[r.Alias]
		if !ok {
			g = &candidateGroup{}
			groups[r.Alias] = g
		}
		w := max(r.Weight, 0)
		g.routes = append(g.routes, r)
		g.total += w
		g.prefix = append(g.prefix, g.total)
	}
	s.tab.Store(&table{groups: groups})
}

// Select returns exactly one route for the alias, weighted-random. When
// every candidate weight is zero the draw is uniform. No candidate yields
// domain.ErrRouteNotFound.
func (s *Selector) Select(alias string) (domain.Route, error) {
	tab := s.tab.Load()
	g, ok := tab.groups[alias]
	if !ok || len(g.routes) == 0 {
		return domain.Route{}, domain.ErrRouteNotFound
	}

	if len(g.routes) == 1 {
		return g.routes[0], nil
	}

	if g.total <= 0 {
		return g.routes[rand.IntN(len(g.routes))], nil
	}

	// r is in [0, total); candidate i owns the interval
	// [prefix[i-1], prefix[i]).
	r := rand.Float64() * g.total
	idx := sort.Search(len(g.prefix), func(i int) bool { return g.prefix[i] > r })
	if idx >= len(g.routes) {
		idx = len(g.routes) - 1
	}
	return g.routes[idx], nil
}

// Aliases returns the model aliases the current table can serve.
func (s *Selector) Aliases() []string {
	tab := s.tab.Load()
	aliases := make([]string, 0, len(tab.groups))
	for alias := range tab.groups {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}
