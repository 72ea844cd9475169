// Package correlate detects ordered multi-event patterns per correlation key
// and emits correlation-match events.
//
// Each (rule, key) pair owns a list of pending states in creation order. An
// incoming event advances the earliest pending state that accepts it, or
// starts a new one when it matches the first step. Pending states whose time
// bound elapses are expired either by a later event on the same key or by
// Sweep.
package correlate

import (
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	engerrors "github.com/randalmurphal/eventengine/pkg/eventengine/errors"
	"github.com/randalmurphal/eventengine/pkg/eventengine/event"
	"github.com/randalmurphal/eventengine/pkg/eventengine/observability"
)

// Result reports the effect of one ingested event.
type Result struct {
	// Matches are the emitted correlation-match events.
	Matches []event.Event

	// Completed holds the final snapshot of every state that matched.
	Completed []Snapshot

	// Expired holds states retired because the event fell outside their bound.
	Expired []Snapshot
}

const shardCount = 32

type shard struct {
	mu     sync.Mutex
	states map[stateKey][]*state
}

// Correlator matches correlation rules. It is safe for concurrent use; ingests
// on the same (rule, key) are serialized.
type Correlator struct {
	rules  atomic.Pointer[[]*compiledRule]
	shards [shardCount]shard
	logger *slog.Logger
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// New creates a correlator. Any invalid rule fails construction.
func New(rules []Rule, opts ...Option) (*Correlator, error) {
	c := &Correlator{logger: slog.Default()}
	for i := range c.shards {
		c.shards[i].states = make(map[stateKey][]*state)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = observability.EnrichLogger(c.logger, "correlator")

	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	c.rules.Store(&compiled)
	return c, nil
}

func compileRules(rules []Rule) ([]*compiledRule, error) {
	seen := make(map[string]struct{}, len(rules))
	out := make([]*compiledRule, 0, len(rules))
	var errs []error
	for _, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[r.ID]; dup {
			errs = append(errs, &engerrors.RuleConfigError{RuleID: r.ID, Message: "duplicate rule id"})
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, cr)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Rules returns the active rules in order.
func (c *Correlator) Rules() []Rule {
	compiled := *c.rules.Load()
	out := make([]Rule, len(compiled))
	for i, cr := range compiled {
		out[i] = cr.Rule
	}
	return out
}

// SetRules atomically replaces the rule set. Pending states of rules that were
// removed, or whose steps no longer fit, are discarded.
func (c *Correlator) SetRules(rules []Rule) error {
	compiled, err := compileRules(rules)
	if err != nil {
		return err
	}
	byID := make(map[string]*compiledRule, len(compiled))
	for _, cr := range compiled {
		byID[cr.ID] = cr
	}
	c.rules.Store(&compiled)

	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for k, states := range sh.states {
			cr, ok := byID[k.rule]
			if !ok {
				delete(sh.states, k)
				continue
			}
			kept := states[:0]
			for _, st := range states {
				if st.next < len(cr.steps) {
					kept = append(kept, st)
				}
			}
			if len(kept) == 0 {
				delete(sh.states, k)
			} else {
				sh.states[k] = kept
			}
		}
		sh.mu.Unlock()
	}
	return nil
}

func (c *Correlator) shardFor(k stateKey) *shard {
	h := xxhash.New()
	_, _ = h.WriteString(k.rule)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(k.key)
	return &c.shards[h.Sum64()%shardCount]
}

// Ingest applies evt to every rule. Rules are independent: one event may
// advance states of several rules, but at most one state per (rule, key).
func (c *Correlator) Ingest(evt event.Event) (Result, error) {
	var (
		res  Result
		errs []error
	)
	for _, cr := range *c.rules.Load() {
		if !cr.matchesAnyStep(evt) {
			continue
		}
		key, ok := cr.keyOf(evt)
		if !ok {
			continue
		}
		completed, expired := c.apply(cr, stateKey{rule: cr.ID, key: key}, evt)
		res.Expired = append(res.Expired, expired...)
		if completed == nil {
			continue
		}
		res.Completed = append(res.Completed, *completed)
		matchEvt, err := matchEvent(cr, *completed, evt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		observability.LogCorrelationMatch(c.logger, cr.ID, key, len(completed.EventIDs), completed.Duration())
		res.Matches = append(res.Matches, matchEvt)
	}
	observability.LogCorrelationExpired(c.logger, len(res.Expired))
	return res, errors.Join(errs...)
}

func (c *Correlator) apply(cr *compiledRule, k stateKey, evt event.Event) (*Snapshot, []Snapshot) {
	ts := evt.Time()
	sh := c.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var expired []Snapshot
	live := sh.states[k][:0:0]
	for _, st := range sh.states[k] {
		if ts.Sub(st.first) > cr.Within {
			expired = append(expired, st.snapshot(k, StateExpired))
			continue
		}
		live = append(live, st)
	}

	var completed *Snapshot
	accepted := false
	for i, st := range live {
		if ts.Before(st.last) || !cr.steps[st.next].Match(evt) {
			continue
		}
		accepted = true
		st.eventIDs = append(st.eventIDs, evt.ID())
		st.last = ts
		st.next++
		if st.next == len(cr.steps) {
			snap := st.snapshot(k, StateMatched)
			completed = &snap
			live = append(live[:i], live[i+1:]...)
		}
		break
	}

	if !accepted && cr.steps[0].Match(evt) {
		st := &state{
			next:     1,
			eventIDs: []string{evt.ID()},
			first:    ts,
			last:     ts,
		}
		if len(cr.steps) == 1 {
			snap := st.snapshot(k, StateMatched)
			completed = &snap
		} else {
			live = append(live, st)
		}
	}

	if len(live) == 0 {
		delete(sh.states, k)
	} else {
		sh.states[k] = live
	}
	return completed, expired
}

// Sweep expires every pending state whose bound elapsed before now. Expired
// states are retired without emitting anything.
func (c *Correlator) Sweep(now time.Time) []Snapshot {
	within := make(map[string]time.Duration)
	for _, cr := range *c.rules.Load() {
		within[cr.ID] = cr.Within
	}

	var expired []Snapshot
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for k, states := range sh.states {
			bound, ok := within[k.rule]
			kept := states[:0]
			for _, st := range states {
				if !ok || now.Sub(st.first) > bound {
					expired = append(expired, st.snapshot(k, StateExpired))
					continue
				}
				kept = append(kept, st)
			}
			if len(kept) == 0 {
				delete(sh.states, k)
			} else {
				sh.states[k] = kept
			}
		}
		sh.mu.Unlock()
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].First.Before(expired[j].First) })
	observability.LogCorrelationExpired(c.logger, len(expired))
	return expired
}

// States returns the pending states for (ruleID, key), oldest first.
func (c *Correlator) States(ruleID, key string) []Snapshot {
	k := stateKey{rule: ruleID, key: key}
	sh := c.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	states := sh.states[k]
	out := make([]Snapshot, len(states))
	for i, st := range states {
		out[i] = st.snapshot(k, StatePending)
	}
	return out
}

// Pending returns the total number of pending states.
func (c *Correlator) Pending() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for _, states := range sh.states {
			n += len(states)
		}
		sh.mu.Unlock()
	}
	return n
}

func matchEvent(cr *compiledRule, snap Snapshot, trigger event.Event) (event.Event, error) {
	ids := make(map[string]event.Value, len(snap.EventIDs))
	for i, id := range snap.EventIDs {
		ids[strconv.Itoa(i)] = event.StringValue(id)
	}
	seconds := snap.Duration().Seconds()
	return trigger.Derive(event.TypeCorrelationMatch, cr.Severity, event.DerivedSource("correlator"),
		event.WithTimestamp(snap.Last),
		event.WithAttributes(map[string]event.Value{
			"rule_id":          event.StringValue(cr.ID),
			"correlation_key":  event.StringValue(snap.Key),
			"event_ids":        event.MapValue(ids),
			"event_count":      event.IntValue(int64(len(snap.EventIDs))),
			"duration_seconds": event.NumberValue(seconds),
			"metric_key":       event.StringValue("correlation:" + cr.ID),
			"value":            event.NumberValue(seconds),
		}),
	)
}
