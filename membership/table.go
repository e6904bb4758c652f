// Package membership holds the authoritative local view of cluster
// membership: which peers are alive, suspect, or faulty, and at which
// incarnation. It applies SWIM's incarnation-based conflict-resolution
// rules and emits a stream of membership events for dissemination.
package membership

import (
	"context"
	"math"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/swimcore/internal/generic"
)

type entry struct {
	status            Status
	incarnation       uint64
	suspicionDeadline time.Time
}

// Table is the local, authoritative membership view. All mutations and the
// eviction sweep are serialized behind a single mutex, matching a
// single-actor scheduling model — lock contention is not a concern here
// since mutations happen at most once per protocol period per member.
type Table struct {
	mut    sync.RWMutex
	logger kitlog.Logger

	selfID  ID
	entries map[ID]entry
	evictAt map[ID]time.Time

	protocolPeriod time.Duration
	suspicionMult  int

	piggyback    []Event
	maxPiggyback int

	eventsCh chan Event
}

// New creates a Table whose local member is selfID, initially alive at
// incarnation 0.
func New(selfID ID, conf Config) *Table {
	logger := conf.Logger
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}

	suspicionMult := conf.SuspicionMultiplier
	if suspicionMult <= 0 {
		suspicionMult = 3
	}

	maxPiggyback := conf.MaxPiggyback
	if maxPiggyback <= 0 {
		maxPiggyback = 64
	}

	eventBuf := conf.EventBuffer
	if eventBuf <= 0 {
		eventBuf = 256
	}

	t := &Table{
		logger:         logger,
		selfID:         selfID,
		entries:        make(map[ID]entry),
		evictAt:        make(map[ID]time.Time),
		protocolPeriod: conf.ProtocolPeriod,
		suspicionMult:  suspicionMult,
		maxPiggyback:   maxPiggyback,
		eventsCh:       make(chan Event, eventBuf),
	}

	t.entries[selfID] = entry{status: Alive, incarnation: 0}

	return t
}

// LocalMember returns the configured local identity.
func (t *Table) LocalMember() ID {
	return t.selfID
}

// LocalIncarnation returns the local member's current incarnation number,
// as reported in outgoing ACKs.
func (t *Table) LocalIncarnation() uint64 {
	t.mut.RLock()
	defer t.mut.RUnlock()

	return t.entries[t.selfID].incarnation
}

// Members returns a snapshot of non-local entries that have not been
// evicted, sorted by ID for a deterministic read.
func (t *Table) Members() []MemberView {
	t.mut.RLock()
	defer t.mut.RUnlock()

	views := make([]MemberView, 0, len(t.entries))

	for id, e := range t.entries {
		if id == t.selfID {
			continue
		}

		views = append(views, MemberView{ID: id, Status: e.status, Incarnation: e.incarnation})
	}

	generic.SortSliceBy(views, false, func(v MemberView) ID { return v.ID })

	return views
}

// Events returns the channel membership events are published on. The
// channel is bounded: an event produced while it is full is dropped from
// the channel rather than blocking (it still enters the piggyback buffer,
// see publishLocked), so not every event is delivered here.
func (t *Table) Events() <-chan Event {
	return t.eventsCh
}

// Piggyback returns up to max of the most recently produced events, for
// attaching to outgoing probe/ack datagrams.
func (t *Table) Piggyback(max int) []Event {
	t.mut.RLock()
	defer t.mut.RUnlock()

	if max <= 0 || max > len(t.piggyback) {
		max = len(t.piggyback)
	}

	out := make([]Event, max)
	copy(out, t.piggyback[len(t.piggyback)-max:])

	return out
}

// Alive applies an alive@inc report about peer.
func (t *Table) Alive(peer ID, inc uint64) []Event {
	return t.applyReport(peer, Alive, inc)
}

// Suspect applies a suspect@inc report about peer.
func (t *Table) Suspect(peer ID, inc uint64) []Event {
	return t.applyReport(peer, Suspect, inc)
}

// Faulty applies a faulty@inc report about peer.
func (t *Table) Faulty(peer ID, inc uint64) []Event {
	return t.applyReport(peer, Faulty, inc)
}

// SetStatus is the local status override the detector uses when a probe
// round resolves without going through an externally-sourced incarnation
// (e.g. "no ack arrived, mark suspect"). It reports the peer's own current
// incarnation back at it, so the usual conflict-resolution path still
// applies deterministically.
func (t *Table) SetStatus(peer ID, status Status) []Event {
	t.mut.RLock()
	e, ok := t.entries[peer]
	t.mut.RUnlock()

	if !ok {
		return nil
	}

	return t.applyReport(peer, status, e.incarnation)
}

// ApplyPiggyback folds an event received from a peer's piggyback list into
// the local table, through the same conflict-resolution path an explicit
// alive/suspect/faulty report would take.
func (t *Table) ApplyPiggyback(ev Event) []Event {
	switch ev.Kind {
	case Joined, StatusChanged:
		return t.applyReport(ev.Member, ev.NewStatus, ev.Incarnation)
	case Refuted:
		return t.applyReport(ev.Member, Alive, ev.Incarnation)
	default:
		return nil
	}
}

func (t *Table) applyReport(id ID, status Status, inc uint64) []Event {
	t.mut.Lock()
	defer t.mut.Unlock()

	if id == t.selfID {
		if status == Suspect || status == Faulty {
			return []Event{t.refuteLocked(inc)}
		}

		return nil
	}

	cur, exists := t.entries[id]
	if !exists {
		next := entry{status: status, incarnation: inc}
		if status == Suspect {
			next.suspicionDeadline = time.Now().Add(t.suspicionTimeoutLocked())
		}

		if status == Faulty {
			t.evictAt[id] = time.Now().Add(t.protocolPeriod)
		}

		t.entries[id] = next

		ev := Event{Kind: Joined, Member: id, NewStatus: status, Incarnation: inc}
		t.publishLocked(ev)

		return []Event{ev}
	}

	switch {
	case inc > cur.incarnation:
		// Unconditional replace.
	case inc == cur.incarnation:
		if status <= cur.status {
			return nil
		}
	default:
		return nil
	}

	old := cur.status
	next := cur
	next.status = status
	next.incarnation = inc

	if status == Suspect {
		next.suspicionDeadline = time.Now().Add(t.suspicionTimeoutLocked())
	} else {
		next.suspicionDeadline = time.Time{}
	}

	if status == Faulty {
		t.evictAt[id] = time.Now().Add(t.protocolPeriod)
	} else {
		delete(t.evictAt, id)
	}

	t.entries[id] = next

	if old == next.status {
		return nil
	}

	ev := Event{Kind: StatusChanged, Member: id, OldStatus: old, NewStatus: next.status, Incarnation: inc}
	t.publishLocked(ev)

	return []Event{ev}
}

// Leave tags the local member faulty at incarnation+1 and queues that
// transition in the piggyback buffer, the same shape applyReport would
// produce for any other member's faulty report. It bypasses applyReport
// entirely rather than calling it: a faulty report about self normally
// takes the opposite path, through refuteLocked, which exists precisely to
// stop an external suspect/faulty report from sticking. This is not an
// external report, it is the local member announcing its own departure,
// so it writes the entry directly. The returned event is meant to be
// handed straight to a direct send to every known peer — waiting for it
// to ride the ordinary piggyback/gossip path could take several protocol
// periods, most of which happen after the socket has already closed.
func (t *Table) Leave() Event {
	t.mut.Lock()
	defer t.mut.Unlock()

	self := t.entries[t.selfID]
	old := self.status

	self.status = Faulty
	self.incarnation++
	t.entries[t.selfID] = self

	ev := Event{Kind: StatusChanged, Member: t.selfID, OldStatus: old, NewStatus: Faulty, Incarnation: self.incarnation}
	t.publishLocked(ev)

	return ev
}

// refuteLocked implements self-refutation: the local incarnation is bumped
// past whatever incarnation the incoming report carried, status is reset
// to alive, and a Refuted event is produced for rebroadcast. Must be
// called with t.mut held.
func (t *Table) refuteLocked(incomingInc uint64) Event {
	self := t.entries[t.selfID]

	newInc := incomingInc
	if self.incarnation > newInc {
		newInc = self.incarnation
	}
	newInc++

	self.status = Alive
	self.incarnation = newInc
	self.suspicionDeadline = time.Time{}
	t.entries[t.selfID] = self

	ev := Event{Kind: Refuted, Member: t.selfID, NewStatus: Alive, Incarnation: newInc}
	t.publishLocked(ev)

	level.Warn(t.logger).Log("msg", "refuting suspect/faulty report about self", "new_incarnation", newInc)

	return ev
}

// suspicionTimeoutLocked computes protocol_period * ceil(log2(k+1)) * C,
// where k is the current cluster size (non-local members). Must be called
// with t.mut held.
func (t *Table) suspicionTimeoutLocked() time.Duration {
	k := len(t.entries) - 1
	if k < 1 {
		k = 1
	}

	factor := math.Ceil(math.Log2(float64(k + 1)))

	return time.Duration(float64(t.protocolPeriod) * factor * float64(t.suspicionMult))
}

// publishLocked records ev in the piggyback buffer and publishes it to the
// event channel without blocking: if the channel is full, the event is
// dropped from that channel (it remains in the piggyback buffer, so peers
// still learn of it through gossip even if this particular local consumer
// missed it). Must be called with t.mut held.
func (t *Table) publishLocked(ev Event) {
	t.piggyback = append(t.piggyback, ev)
	if len(t.piggyback) > t.maxPiggyback {
		t.piggyback = t.piggyback[len(t.piggyback)-t.maxPiggyback:]
	}

	select {
	case t.eventsCh <- ev:
	default:
		level.Warn(t.logger).Log("msg", "event channel full, dropping event", "kind", ev.Kind, "member", ev.Member)
	}
}

// Sweep runs the suspicion-timeout and eviction background loop until ctx
// is cancelled. It is distinct from the detector's protocol-period tick:
// promoting an expired suspect to faulty, and evicting a faulty entry one
// additional protocol period later, are both table-owned housekeeping, not
// detector decisions.
func (t *Table) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweepOnce()
		case <-ctx.Done():
			return
		}
	}
}

// SweepNow runs one suspicion-timeout/eviction pass immediately, outside
// the normal ticker cadence. Exposed mainly for tests and for an
// administrative "force GC" operation.
func (t *Table) SweepNow() {
	t.sweepOnce()
}

func (t *Table) sweepOnce() {
	t.mut.Lock()
	defer t.mut.Unlock()

	now := time.Now()

	for id, e := range t.entries {
		if id == t.selfID {
			continue
		}

		switch e.status {
		case Suspect:
			if !e.suspicionDeadline.IsZero() && now.After(e.suspicionDeadline) {
				e.status = Faulty
				e.suspicionDeadline = time.Time{}
				t.entries[id] = e
				t.evictAt[id] = now.Add(t.protocolPeriod)

				ev := Event{Kind: StatusChanged, Member: id, OldStatus: Suspect, NewStatus: Faulty, Incarnation: e.incarnation}
				t.publishLocked(ev)
			}
		case Faulty:
			if at, ok := t.evictAt[id]; ok && now.After(at) {
				delete(t.entries, id)
				delete(t.evictAt, id)

				ev := Event{Kind: Evicted, Member: id}
				t.publishLocked(ev)
			}
		}
	}
}
