// Package pairs implements Component E: the registry of (pair, source)
// records the engine is actively serving, with two reverse indices kept in
// lock-step with the main registration map and channel-based
// pair-added/pair-removed events consumed by the streaming coordinator.
package pairs

import (
	"sync"
	"time"

	"github.com/marketfeed/quoteproxy/internal/metrics"
	"github.com/marketfeed/quoteproxy/internal/quote"
)

// Event is delivered on pair-added/pair-removed.
type Event struct {
	Added  bool
	Source string
	Pair   quote.Pair
}

type regKey struct {
	source string
	pair   string
}

// Registry tracks every (pair, source) the engine is serving.
type Registry struct {
	mu sync.Mutex

	regs map[regKey]*quote.PairRegistration

	// Reverse indices, maintained in lock-step with regs.
	bySource map[string]map[string]struct{} // source -> set<pairKey>
	byPair   map[string]map[string]struct{} // pairKey -> set<source>

	events chan Event
	prom   *metrics.Registry
}

// New creates an empty Registry. events has a generous buffer — per spec §9
// dropping pair-added/removed on overflow is acceptable since subsequent
// state reconciliation is cheap, unlike the cache's stale-batch channel.
func New(prom *metrics.Registry) *Registry {
	return &Registry{
		regs:     make(map[regKey]*quote.PairRegistration),
		bySource: make(map[string]map[string]struct{}),
		byPair:   make(map[string]map[string]struct{}),
		events:   make(chan Event, 4096),
		prom:     prom,
	}
}

// Events returns the channel pair-added/pair-removed events are delivered on.
func (r *Registry) Events() <-chan Event { return r.events }

// TrackQuoteRequest records an incoming client request, creating the
// registration on first sight and emitting pair-added.
func (r *Registry) TrackQuoteRequest(source string, pair quote.Pair) {
	now := time.Now()
	key := regKey{source, pair.Key()}

	r.mu.Lock()
	reg, ok := r.regs[key]
	if !ok {
		reg = &quote.PairRegistration{
			Pair: pair, Source: source, RegisteredAt: now, LastRequestAt: now,
		}
		r.regs[key] = reg
		r.indexAdd(source, pair.Key())
		r.mu.Unlock()

		r.emit(Event{Added: true, Source: source, Pair: pair})
		r.updateGauges()
		return
	}
	reg.LastRequestAt = now
	r.mu.Unlock()
}

// TrackSuccessfulFetch updates LastFetchAt in place. Safe no-op if the
// registration is absent.
func (r *Registry) TrackSuccessfulFetch(source string, pair quote.Pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.regs[regKey{source, pair.Key()}]; ok {
		reg.LastFetchAt = time.Now()
	}
}

// TrackResponse updates LastResponseAt in place. Safe no-op if absent.
func (r *Registry) TrackResponse(source string, pair quote.Pair) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.regs[regKey{source, pair.Key()}]; ok {
		reg.LastResponseAt = time.Now()
	}
}

// GetPairsBySource returns every pair currently registered for source.
func (r *Registry) GetPairsBySource(source string) []quote.Pair {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []quote.Pair
	for key := range r.bySource[source] {
		if reg, ok := r.regs[regKey{source, key}]; ok {
			out = append(out, reg.Pair)
		}
	}
	return out
}

// GetPairsBySourceWithTimestamps returns the full registrations for source,
// ordered ascending by LastFetchAt (oldest first) — the ordering the batch
// coordinator (Component G) relies on.
func (r *Registry) GetPairsBySourceWithTimestamps(source string) []quote.PairRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]quote.PairRegistration, 0, len(r.bySource[source]))
	for key := range r.bySource[source] {
		if reg, ok := r.regs[regKey{source, key}]; ok {
			out = append(out, *reg)
		}
	}
	sortByLastFetchAt(out)
	return out
}

// GetSourcesByPair returns every source currently serving pair.
func (r *Registry) GetSourcesByPair(pair quote.Pair) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for src := range r.byPair[pair.Key()] {
		out = append(out, src)
	}
	return out
}

// GetAllRegistrations returns a snapshot of every registration.
func (r *Registry) GetAllRegistrations() []quote.PairRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]quote.PairRegistration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, *reg)
	}
	return out
}

// RemovePairSource removes the (pair, source) registration, updating both
// indices atomically and emitting pair-removed. No-op if absent.
func (r *Registry) RemovePairSource(source string, pair quote.Pair) {
	key := regKey{source, pair.Key()}

	r.mu.Lock()
	_, ok := r.regs[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.regs, key)
	r.indexRemove(source, pair.Key())
	r.mu.Unlock()

	r.emit(Event{Added: false, Source: source, Pair: pair})
	r.updateGauges()
}

// CleanupInactivePairs removes every registration whose LastRequestAt is
// older than inactiveTimeout, returning the count removed.
func (r *Registry) CleanupInactivePairs(inactiveTimeout time.Duration) int {
	cutoff := time.Now().Add(-inactiveTimeout)

	var removed []regKey
	r.mu.Lock()
	for key, reg := range r.regs {
		if reg.LastRequestAt.Before(cutoff) {
			removed = append(removed, key)
		}
	}
	for _, key := range removed {
		delete(r.regs, key)
		r.indexRemove(key.source, key.pair)
	}
	r.mu.Unlock()

	for _, key := range removed {
		base, quoteSym := splitPairKey(key.pair)
		r.emit(Event{Added: false, Source: key.source, Pair: quote.Pair{Base: base, Quote: quoteSym}})
	}
	if len(removed) > 0 {
		r.updateGauges()
	}
	return len(removed)
}

// indexAdd/indexRemove must be called with r.mu held.
func (r *Registry) indexAdd(source, pairKey string) {
	if r.bySource[source] == nil {
		r.bySource[source] = make(map[string]struct{})
	}
	r.bySource[source][pairKey] = struct{}{}

	if r.byPair[pairKey] == nil {
		r.byPair[pairKey] = make(map[string]struct{})
	}
	r.byPair[pairKey][source] = struct{}{}
}

func (r *Registry) indexRemove(source, pairKey string) {
	if set, ok := r.bySource[source]; ok {
		delete(set, pairKey)
		if len(set) == 0 {
			delete(r.bySource, source)
		}
	}
	if set, ok := r.byPair[pairKey]; ok {
		delete(set, source)
		if len(set) == 0 {
			delete(r.byPair, pairKey)
		}
	}
}

// emit delivers ev, dropping it if the channel is full (spec §9: acceptable
// for pair-added/removed, unlike the cache's stale-batch channel).
func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
	}
}

func (r *Registry) updateGauges() {
	if r.prom == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for source, set := range r.bySource {
		r.prom.SetTrackedPairsTotal(source, len(set))
	}
	r.prom.SetPairsTotal(len(r.byPair))
}

func sortByLastFetchAt(regs []quote.PairRegistration) {
	for i := 1; i < len(regs); i++ {
		for j := i; j > 0 && regs[j].LastFetchAt.Before(regs[j-1].LastFetchAt); j-- {
			regs[j], regs[j-1] = regs[j-1], regs[j]
		}
	}
}

func splitPairKey(pairKey string) (base, quoteSym string) {
	for i := 0; i < len(pairKey); i++ {
		if pairKey[i] == '/' {
			return pairKey[:i], pairKey[i+1:]
		}
	}
	return pairKey, ""
}
