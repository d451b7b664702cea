package queue

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/busybox42/elemta-queue/internal/scheduler"
)

// pending is a transition that could not be completed. When done is set
// its side effects happened and only storing it is left; otherwise it is
// committed again from the start.
type pending struct {
	next scheduler.State
	fx   scheduler.Effects
	done bool
}

type entry struct {
	state scheduler.State
	// busy is set while a transition of this state is being committed.
	busy bool
	// stuck marks an InFlight state whose requeue could not be stored; it
	// is requeued again by the next refresh.
	stuck   bool
	unsaved *pending
}

func (e *entry) idle() bool {
	return !e.busy && e.unsaved == nil
}

// workset tracks every non-terminal state and the in-flight counters. All
// pop and mark decisions are made under its mutex.
type workset struct {
	mu      sync.Mutex
	entries map[string]*entry
	// gone holds states that left the set, with the time they left, so that
	// a store listing taken before they left cannot bring them back.
	gone         map[string]time.Time
	perDomain    map[string]int
	inFlight     int
	maxInFlight  int
	maxPerDomain int
}

func newWorkset(maxInFlight, maxPerDomain int) *workset {
	return &workset{
		entries:      make(map[string]*entry),
		gone:         make(map[string]time.Time),
		perDomain:    make(map[string]int),
		maxInFlight:  maxInFlight,
		maxPerDomain: maxPerDomain,
	}
}

// set replaces the state of e and keeps the in-flight counters in step.
func (w *workset) set(e *entry, s scheduler.State) {
	if e.state.Status == scheduler.StatusInFlight {
		w.inFlight--
		w.perDomain[e.state.Domain]--
		if w.perDomain[e.state.Domain] <= 0 {
			delete(w.perDomain, e.state.Domain)
		}
	}
	if s.Status == scheduler.StatusInFlight {
		w.inFlight++
		w.perDomain[s.Domain]++
	}
	e.state = s
}

func (w *workset) add(s scheduler.State) {
	if s.IsTerminal() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[s.ID]
	if !ok {
		e = &entry{}
		w.entries[s.ID] = e
	}
	w.set(e, s)
}

func (w *workset) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = make(map[string]*entry)
	w.gone = make(map[string]time.Time)
	w.perDomain = make(map[string]int)
	w.inFlight = 0
}

// claimed is a state marked InFlight by claim, with the state it replaced.
type claimed struct {
	prev scheduler.State
	next scheduler.State
}

// claim marks up to max due Queued states InFlight, oldest first, within
// the global and per-domain limits. Claimed entries stay busy until
// release or revert.
func (w *workset) claim(now time.Time, max int) []claimed {
	w.mu.Lock()
	defer w.mu.Unlock()

	var due []*entry
	for _, e := range w.entries {
		if e.idle() && e.state.Due(now) {
			due = append(due, e)
		}
	}
	slices.SortFunc(due, func(a, b *entry) int {
		if c := a.state.NextAttempt.Compare(b.state.NextAttempt); c != 0 {
			return c
		}
		return cmp.Compare(a.state.ID, b.state.ID)
	})

	var out []claimed
	for _, e := range due {
		if len(out) >= max {
			break
		}
		if w.maxInFlight > 0 && w.inFlight >= w.maxInFlight {
			break
		}
		if w.maxPerDomain > 0 && w.perDomain[e.state.Domain] >= w.maxPerDomain {
			continue
		}
		next := e.state.Clone()
		next.Status = scheduler.StatusInFlight
		next.UpdatedAt = now
		out = append(out, claimed{prev: e.state, next: next})
		w.set(e, next)
		e.busy = true
	}
	return out
}

func (w *workset) revert(c claimed) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[c.prev.ID]; ok {
		w.set(e, c.prev)
		e.busy = false
	}
}

// release clears the busy mark without changing the state.
func (w *workset) release(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[id]; ok {
		e.busy = false
	}
}

type beginResult int

const (
	beginOK beginResult = iota
	beginUntracked
	beginNotInFlight
	beginBusy
	beginUnsaved
)

// begin reserves an InFlight state for a report. For beginUnsaved the
// pending transition is returned instead and is reserved as well.
func (w *workset) begin(id string) (scheduler.State, *pending, beginResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[id]
	switch {
	case !ok:
		return scheduler.State{}, nil, beginUntracked
	case e.busy:
		return e.state, nil, beginBusy
	case e.unsaved != nil:
		e.busy = true
		return e.state, e.unsaved, beginUnsaved
	case e.state.Status != scheduler.StatusInFlight:
		return e.state, nil, beginNotInFlight
	}
	e.busy = true
	return e.state.Clone(), nil, beginOK
}

// finish records a stored transition. Terminal states leave the work set.
func (w *workset) finish(next scheduler.State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[next.ID]
	if !ok {
		return
	}
	w.set(e, next)
	e.busy = false
	e.stuck = false
	e.unsaved = nil
	if next.IsTerminal() {
		delete(w.entries, next.ID)
		w.gone[next.ID] = time.Now()
	}
}

// fail records a transition that could not be stored. p is the transition
// to retry, or nil when nothing happened yet.
func (w *workset) fail(id string, p *pending) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[id]
	if !ok {
		return
	}
	e.busy = false
	e.unsaved = p
	e.stuck = p == nil && e.state.Status == scheduler.StatusInFlight
}

type transition struct {
	next scheduler.State
	fx   scheduler.Effects
}

// tick applies the scheduler tick to idle waiting states and reserves the
// ones that changed.
func (w *workset) tick(p scheduler.Policy, now time.Time) []transition {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []transition
	for _, e := range w.entries {
		if !e.idle() {
			continue
		}
		next, fx := p.Tick(e.state, now)
		if !fx.Terminal && next.Status == e.state.Status {
			continue
		}
		e.busy = true
		out = append(out, transition{next: next, fx: fx})
	}
	return out
}

// flush reserves idle waiting states of domain ("" for all) that are not
// yet due and reschedules them to now.
func (w *workset) flush(domain string, now time.Time) []scheduler.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []scheduler.State
	for _, e := range w.entries {
		if !e.idle() || (domain != "" && e.state.Domain != domain) {
			continue
		}
		if e.state.Status != scheduler.StatusDeferred && !(e.state.Status == scheduler.StatusQueued && e.state.NextAttempt.After(now)) {
			continue
		}
		e.busy = true
		out = append(out, scheduler.Reschedule(e.state, now))
	}
	return out
}

// stuck reserves InFlight states whose move back to Queued could not be stored.
func (w *workset) stuck() []scheduler.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []scheduler.State
	for _, e := range w.entries {
		if e.stuck && !e.busy {
			e.busy = true
			out = append(out, e.state.Clone())
		}
	}
	return out
}

// unsavedTransitions reserves and returns transitions waiting to be stored.
func (w *workset) unsavedTransitions() []pending {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []pending
	for _, e := range w.entries {
		if e.unsaved != nil && !e.busy {
			e.busy = true
			out = append(out, *e.unsaved)
		}
	}
	return out
}

// adopt takes a stored state written by someone else: unknown states are
// added and idle waiting states are replaced by newer stored versions.
// InFlight stored states and states that already left the set are left
// alone. It reports whether s was taken.
func (w *workset) adopt(s scheduler.State) bool {
	if s.IsTerminal() || s.Status == scheduler.StatusInFlight {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.gone[s.ID]; ok {
		return false
	}
	e, ok := w.entries[s.ID]
	if !ok {
		e = &entry{}
		w.entries[s.ID] = e
		w.set(e, s)
		return true
	}
	if !e.idle() || e.state.Status == scheduler.StatusInFlight || !s.UpdatedAt.After(e.state.UpdatedAt) {
		return false
	}
	w.set(e, s)
	return true
}

func (w *workset) get(id string) (scheduler.State, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[id]
	if !ok {
		return scheduler.State{}, false
	}
	return e.state.Clone(), true
}

type worksetStats struct {
	byStatus  map[scheduler.Status]int
	perDomain map[string]int
	inFlight  int
	unsaved   int
	total     int
}

func (w *workset) stats() worksetStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := worksetStats{
		byStatus:  make(map[scheduler.Status]int),
		perDomain: make(map[string]int, len(w.perDomain)),
		inFlight:  w.inFlight,
		total:     len(w.entries),
	}
	for _, e := range w.entries {
		st.byStatus[e.state.Status]++
		if e.unsaved != nil {
			st.unsaved++
		}
	}
	for d, n := range w.perDomain {
		st.perDomain[d] = n
	}
	return st
}

func (w *workset) remove(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[id]
	if !ok {
		return
	}
	w.set(e, scheduler.State{})
	delete(w.entries, id)
	w.gone[id] = time.Now()
}

// forget drops the record of states that left the set before since. A
// listing started after since no longer contains them.
func (w *workset) forget(since time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, at := range w.gone {
		if at.Before(since) {
			delete(w.gone, id)
		}
	}
}

func (w *workset) inFlightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}
