// Package detector implements the protocol-period state machine that
// drives probing, indirect probing, and suspicion escalation. It owns the
// sequence counter and the shuffled probe schedule; it never talks to the
// network directly, only through a Transport.
package detector

import (
	"context"
	"math/rand"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/swimcore/internal/generic"
	"github.com/maxpoletaev/swimcore/membership"
)

const (
	defaultProtocolPeriod = time.Second
	defaultNumProxies     = 3
)

type roundTarget struct {
	member membership.ID
	inc    uint64
}

// Detector is the failure detector's tick handler and ack handler, both
// serialized behind a single mutex. This follows the low-contention,
// mutex-guarded shared state model: a tick fires at most once per
// protocol_period, and an ack arrives at most as often as a probe was sent.
type Detector struct {
	logger    kitlog.Logger
	members   Memberlist
	transport Transport

	protocolPeriod time.Duration
	numProxies     int
	rng            *rand.Rand

	mut         sync.Mutex
	sequence    uint32
	hasCurrent  bool
	currentPing membership.ID
	currentSeq  uint32
	pingTargets []roundTarget

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Detector. members and transport must be non-nil; use the
// With* options to override the protocol_period (default 1s), num_proxies
// (default 3), and initial sequence (default 0).
func New(members Memberlist, transport Transport, opts ...Option) *Detector {
	d := &Detector{
		logger:         kitlog.NewNopLogger(),
		members:        members,
		transport:      transport,
		protocolPeriod: defaultProtocolPeriod,
		numProxies:     defaultNumProxies,
		rng:            rand.New(rand.NewSource(rand.Int63())), //nolint:gosec
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Run drives the periodic tick until ctx is cancelled or Stop is called.
func (d *Detector) Run(ctx context.Context) {
	level.Info(d.logger).Log("msg", "failure detector started", "protocol_period", d.protocolPeriod)

	ticker := time.NewTicker(d.protocolPeriod)
	defer ticker.Stop()
	defer close(d.doneCh)

	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals Run to return and waits for it to do so. Run must already
// be running in another goroutine.
func (d *Detector) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

// ProbeSucceeded is the ack handler: it implements the Detector interface
// transport.UDPTransport calls back into. An ack for a stale sequence (not
// the current outstanding probe) is silently discarded.
func (d *Detector) ProbeSucceeded(seq uint32, peerInc uint64) {
	d.mut.Lock()
	defer d.mut.Unlock()

	if !d.hasCurrent || seq != d.currentSeq {
		level.Debug(d.logger).Log("msg", "discarding stale ack", "seq", seq)
		return
	}

	peer := d.currentPing
	d.hasCurrent = false

	d.members.Alive(peer, peerInc)
}

// ProbeFailed is the nack-exhaustion handler: the transport calls this when
// every proxy contacted for the currently outstanding indirect probe has
// come back with a NACK, with no ack ever arriving. It resolves the round
// to suspect right away rather than leaving resolvePreviousLocked to
// notice the same silence at the next tick boundary. A stale seq (not the
// current probe) is silently discarded, the same as ProbeSucceeded.
func (d *Detector) ProbeFailed(seq uint32) {
	d.mut.Lock()
	defer d.mut.Unlock()

	if !d.hasCurrent || seq != d.currentSeq {
		level.Debug(d.logger).Log("msg", "discarding stale probe failure", "seq", seq)
		return
	}

	peer := d.currentPing
	d.hasCurrent = false

	level.Debug(d.logger).Log("msg", "all proxies nacked, marking suspect early", "peer", peer)

	d.members.SetStatus(peer, membership.Suspect)
}

// tick is the step-1-through-5 protocol-period handler described by the
// component design: resolve the previous probe, select the next target and
// proxies, and hand off to the transport.
func (d *Detector) tick() {
	d.mut.Lock()
	defer d.mut.Unlock()

	d.resolvePreviousLocked()

	target, ok := d.nextTargetLocked()
	if !ok {
		return
	}

	d.sequence++
	d.currentPing = target.member
	d.currentSeq = d.sequence
	d.hasCurrent = true

	proxies := d.pickProxiesLocked(target.member)

	if err := d.transport.Ping(target.member, target.inc, d.currentSeq, proxies); err != nil {
		level.Warn(d.logger).Log("msg", "ping failed", "target", target.member, "err", err)
	}
}

// resolvePreviousLocked implements the lazy done_suspect transition: if the
// previous period's probe never resolved via ProbeSucceeded, the target is
// marked suspect here, at the next tick boundary, never from inside the ack
// timer callback. Must be called with d.mut held.
func (d *Detector) resolvePreviousLocked() {
	if !d.hasCurrent {
		return
	}

	peer := d.currentPing
	d.hasCurrent = false

	level.Debug(d.logger).Log("msg", "no ack received in time, marking suspect", "peer", peer)

	d.members.SetStatus(peer, membership.Suspect)
}

// nextTargetLocked pops the head of the shuffled round queue, refilling it
// from the membership table first if it is empty. Must be called with
// d.mut held.
func (d *Detector) nextTargetLocked() (roundTarget, bool) {
	if len(d.pingTargets) == 0 {
		d.refillTargetsLocked()
	}

	if len(d.pingTargets) == 0 {
		return roundTarget{}, false
	}

	target := d.pingTargets[0]
	d.pingTargets = d.pingTargets[1:]

	return target, true
}

func (d *Detector) refillTargetsLocked() {
	for _, view := range d.members.Members() {
		if view.Status == membership.Faulty {
			continue
		}

		d.pingTargets = append(d.pingTargets, roundTarget{member: view.ID, inc: view.Incarnation})
	}

	generic.Shuffle(d.pingTargets, d.rng)
}

// pickProxiesLocked returns up to numProxies members from the current
// round's remaining shuffled queue, excluding target. Must be called with
// d.mut held.
func (d *Detector) pickProxiesLocked(target membership.ID) []membership.ID {
	proxies := make([]membership.ID, 0, d.numProxies)

	for _, rt := range d.pingTargets {
		if rt.member == target {
			continue
		}

		proxies = append(proxies, rt.member)

		if len(proxies) == d.numProxies {
			break
		}
	}

	return proxies
}
