// Package transport owns the UDP socket: it frames every datagram through
// a keyring.Ring, encodes/decodes the four protocol messages via
// transport/wire, and drives the ack-timer and ping-req relay bookkeeping
// that the failure detector depends on but does not itself schedule.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/maxpoletaev/swimcore/internal/generic"
	"github.com/maxpoletaev/swimcore/keyring"
	"github.com/maxpoletaev/swimcore/membership"
	"github.com/maxpoletaev/swimcore/transport/wire"
)

const (
	maxPayloadSize    = 1500 // implied by typical MTU
	receiveBufferSize = 1 * 1024 * 1024
)

var (
	ErrClosed          = errors.New("transport: closed")
	ErrMaxSizeExceeded = errors.New("transport: max payload size exceeded")
)

type packet struct {
	len  int
	body []byte
	from *net.UDPAddr
}

func (p *packet) Body() []byte {
	return p.body[:p.len]
}

// Stats are the cumulative drop/error counters described in the error
// handling design: transport-level failures are counted and swallowed,
// never surfaced to the detector as an error return.
type Stats struct {
	DroppedVerification uint64
	DroppedMalformed    uint64
	SendErrors          uint64
}

type pendingProbe struct {
	seq        uint32
	target     membership.ID
	targetAddr *net.UDPAddr
	proxies    []resolvedProxy
	nacked     map[string]bool
	timer      *time.Timer
}

// matchesAddr reports whether from could be the source of an ack that
// resolves this probe: either the target itself, answering directly, or one
// of the proxies, relaying the target's ack back on its own source address.
func (p *pendingProbe) matchesAddr(from *net.UDPAddr) bool {
	if sameAddr(p.targetAddr, from) {
		return true
	}

	for _, proxy := range p.proxies {
		if sameAddr(proxy.addr, from) {
			return true
		}
	}

	return false
}

// matchesProxy reports whether from is one of the proxies this probe's
// indirect round is waiting on, used to validate an inbound nack (which
// only ever originates from a proxy, never from the target itself).
func (p *pendingProbe) matchesProxy(from *net.UDPAddr) bool {
	for _, proxy := range p.proxies {
		if sameAddr(proxy.addr, from) {
			return true
		}
	}

	return false
}

type resolvedProxy struct {
	id   membership.ID
	addr *net.UDPAddr
}

type relayEntry struct {
	origin     *net.UDPAddr
	targetAddr *net.UDPAddr
	timer      *time.Timer
}

// Config configures a UDPTransport.
type Config struct {
	BindAddr   string
	Keyring    *keyring.Ring
	AckTimeout time.Duration
	Members    Memberlist
	Logger     kitlog.Logger
}

// UDPTransport is the sole owner of the UDP socket: only it ever calls
// WriteToUDP, and only its listen loop calls ReadFromUDP.
type UDPTransport struct {
	logger     kitlog.Logger
	conn       *net.UDPConn
	pool       *sync.Pool
	members    Memberlist
	ackTimeout time.Duration

	keyring generic.Atomic[*keyring.Ring]

	detectorMut sync.RWMutex
	detector    Detector

	probeMut sync.Mutex
	probe    *pendingProbe

	relayMut sync.Mutex
	relays   map[uint32]*relayEntry

	droppedVerification uint64
	droppedMalformed    uint64
	sendErrors          uint64

	closed int32
	done   chan struct{}
}

// Start binds a UDP socket on conf.BindAddr and starts the receive loop.
func Start(conf Config) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", conf.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve bind addr: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp on %s: %w", addr, err)
	}

	if err := conn.SetReadBuffer(receiveBufferSize); err != nil {
		return nil, fmt.Errorf("transport: set read buffer: %w", err)
	}

	logger := conf.Logger
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}

	t := &UDPTransport{
		logger:     logger,
		conn:       conn,
		members:    conf.Members,
		ackTimeout: conf.AckTimeout,
		relays:     make(map[uint32]*relayEntry),
		done:       make(chan struct{}),
		pool: &sync.Pool{
			New: func() any {
				return &packet{body: make([]byte, maxPayloadSize)}
			},
		},
	}

	t.keyring.Store(conf.Keyring)

	go t.listen()

	return t, nil
}

// SetDetector wires the detector the transport reports probe outcomes to.
// Detector and transport are constructed separately to break the circular
// dependency between them; this must be called before Start's listen loop
// delivers any ACK.
func (t *UDPTransport) SetDetector(d Detector) {
	t.detectorMut.Lock()
	t.detector = d
	t.detectorMut.Unlock()
}

// Rotate publishes a new keyring snapshot. It is picked up by the next send
// or receive; in-flight operations keep using the snapshot they already
// loaded.
func (t *UDPTransport) Rotate(ring *keyring.Ring) {
	t.keyring.Store(ring)
}

// Stats returns a snapshot of the cumulative drop/error counters.
func (t *UDPTransport) Stats() Stats {
	return Stats{
		DroppedVerification: atomic.LoadUint64(&t.droppedVerification),
		DroppedMalformed:    atomic.LoadUint64(&t.droppedMalformed),
		SendErrors:          atomic.LoadUint64(&t.sendErrors),
	}
}

// Close shuts down the socket and cancels any outstanding ack/relay timers.
func (t *UDPTransport) Close() error {
	atomic.StoreInt32(&t.closed, 1)

	t.probeMut.Lock()
	if t.probe != nil {
		t.probe.timer.Stop()
		t.probe = nil
	}
	t.probeMut.Unlock()

	t.relayMut.Lock()
	for seq, r := range t.relays {
		r.timer.Stop()
		delete(t.relays, seq)
	}
	t.relayMut.Unlock()

	err := t.conn.Close()

	<-t.done

	return err
}

// Ping sends PING{seq, target_inc} to target, arming an ack_timeout timer
// that fans out PING_REQ to proxies if no matching ACK arrives in time.
func (t *UDPTransport) Ping(target membership.ID, targetInc uint64, seq uint32, proxies []membership.ID) error {
	addr, err := resolveUDPAddr(target)
	if err != nil {
		return fmt.Errorf("transport: resolve target %s: %w", target, err)
	}

	resolved := make([]resolvedProxy, 0, len(proxies))

	for _, proxy := range proxies {
		proxyAddr, err := resolveUDPAddr(proxy)
		if err != nil {
			level.Warn(t.logger).Log("msg", "failed to resolve proxy, excluding from round", "proxy", proxy, "err", err)
			continue
		}

		resolved = append(resolved, resolvedProxy{id: proxy, addr: proxyAddr})
	}

	msg := &wire.Message{
		Tag:               wire.TagPing,
		Seq:               seq,
		TargetIncarnation: targetInc,
		Piggyback:         encodePiggyback(t.members.Piggyback(wire.MaxPiggyback)),
	}

	if err := t.send(addr, msg); err != nil {
		atomic.AddUint64(&t.sendErrors, 1)
		level.Warn(t.logger).Log("msg", "failed to send ping", "target", target, "err", err)
	}

	p := &pendingProbe{
		seq:        seq,
		target:     target,
		targetAddr: addr,
		proxies:    resolved,
		nacked:     make(map[string]bool, len(resolved)),
	}
	p.timer = time.AfterFunc(t.ackTimeout, func() { t.onAckTimeout(seq) })

	t.probeMut.Lock()
	if t.probe != nil {
		t.probe.timer.Stop()
	}
	t.probe = p
	t.probeMut.Unlock()

	return nil
}

// Broadcast sends a one-way datagram carrying the current piggyback buffer
// to every target, without arming an ack timer or expecting a reply. It is
// used to push an urgent event (a voluntary departure) out immediately
// instead of waiting for it to ride the next few probe/ack rounds. Errors
// for individual targets are joined and returned together so the caller
// can log them; a failure against one target does not stop sends to the
// rest.
func (t *UDPTransport) Broadcast(targets []membership.ID) error {
	msg := &wire.Message{
		Tag:       wire.TagPing,
		Piggyback: encodePiggyback(t.members.Piggyback(wire.MaxPiggyback)),
	}

	var errs []error

	for _, target := range targets {
		addr, err := resolveUDPAddr(target)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve %s: %w", target, err))
			continue
		}

		if err := t.send(addr, msg); err != nil {
			atomic.AddUint64(&t.sendErrors, 1)
			errs = append(errs, fmt.Errorf("send to %s: %w", target, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("transport: broadcast failed for %d/%d targets: %w", len(errs), len(targets), errors.Join(errs...))
	}

	return nil
}

func (t *UDPTransport) onAckTimeout(seq uint32) {
	t.probeMut.Lock()
	p := t.probe
	if p == nil || p.seq != seq {
		t.probeMut.Unlock()
		return
	}
	t.probeMut.Unlock()

	level.Debug(t.logger).Log("msg", "ack timeout, probing indirectly", "target", p.target, "seq", seq, "proxies", len(p.proxies))

	var eg errgroup.Group

	for _, proxy := range p.proxies {
		proxy := proxy

		eg.Go(func() error {
			req := &wire.Message{
				Tag:       wire.TagPingReq,
				Seq:       seq,
				Target:    string(p.target),
				Piggyback: encodePiggyback(t.members.Piggyback(wire.MaxPiggyback)),
			}

			if err := t.send(proxy.addr, req); err != nil {
				return fmt.Errorf("send ping_req to proxy %s: %w", proxy.id, err)
			}

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		atomic.AddUint64(&t.sendErrors, 1)
		level.Warn(t.logger).Log("msg", "failed to send ping_req to one or more proxies", "err", err)
	}
}

func (t *UDPTransport) listen() {
	const (
		initialBackoff = 30 * time.Millisecond
		maxBackoff     = 10 * time.Second
	)

	backoff := initialBackoff

	for {
		pkt := t.pool.Get().(*packet)

		n, from, err := t.conn.ReadFromUDP(pkt.body)
		if err != nil {
			t.pool.Put(pkt)

			if atomic.LoadInt32(&t.closed) == 1 {
				break
			}

			level.Error(t.logger).Log("msg", "failed to read from udp", "err", err)

			time.Sleep(backoff)

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}

			continue
		}

		backoff = initialBackoff

		pkt.len = n
		pkt.from = from

		t.handlePacket(pkt)
		t.pool.Put(pkt)
	}

	close(t.done)
}

func (t *UDPTransport) handlePacket(pkt *packet) {
	ring := t.keyring.Load()

	plaintext, err := ring.Decrypt(pkt.Body())
	if err != nil {
		atomic.AddUint64(&t.droppedVerification, 1)
		level.Debug(t.logger).Log("msg", "dropped datagram, failed verification", "from", pkt.from)

		return
	}

	msg, err := wire.Decode(plaintext)
	if err != nil {
		atomic.AddUint64(&t.droppedMalformed, 1)
		level.Debug(t.logger).Log("msg", "dropped datagram, malformed", "from", pkt.from, "err", err)

		return
	}

	for _, ev := range decodePiggyback(msg.Piggyback) {
		t.members.ApplyPiggyback(ev)
	}

	switch msg.Tag {
	case wire.TagPing:
		t.handlePing(msg, pkt.from)
	case wire.TagPingReq:
		t.handlePingReq(msg, pkt.from)
	case wire.TagAck:
		t.handleAck(msg, pkt.from)
	case wire.TagNack:
		t.handleNack(msg, pkt.from)
	default:
		atomic.AddUint64(&t.droppedMalformed, 1)
	}
}

func (t *UDPTransport) handlePing(msg *wire.Message, from *net.UDPAddr) {
	ack := &wire.Message{
		Tag:       wire.TagAck,
		Seq:       msg.Seq,
		Inc:       t.members.LocalIncarnation(),
		Piggyback: encodePiggyback(t.members.Piggyback(wire.MaxPiggyback)),
	}

	if err := t.send(from, ack); err != nil {
		atomic.AddUint64(&t.sendErrors, 1)
		level.Warn(t.logger).Log("msg", "failed to send ack", "to", from, "err", err)
	}
}

func (t *UDPTransport) handlePingReq(msg *wire.Message, from *net.UDPAddr) {
	targetAddr, err := resolveUDPAddr(membership.ID(msg.Target))
	if err != nil {
		level.Warn(t.logger).Log("msg", "failed to resolve ping_req target", "target", msg.Target, "err", err)
		return
	}

	entry := &relayEntry{origin: from, targetAddr: targetAddr}
	entry.timer = time.AfterFunc(t.ackTimeout, func() { t.onRelayTimeout(msg.Seq) })

	t.relayMut.Lock()
	t.relays[msg.Seq] = entry
	t.relayMut.Unlock()

	ping := &wire.Message{
		Tag:       wire.TagPing,
		Seq:       msg.Seq,
		Piggyback: encodePiggyback(t.members.Piggyback(wire.MaxPiggyback)),
	}

	if err := t.send(targetAddr, ping); err != nil {
		atomic.AddUint64(&t.sendErrors, 1)
		level.Warn(t.logger).Log("msg", "failed to relay ping", "target", msg.Target, "err", err)
	}
}

func (t *UDPTransport) onRelayTimeout(seq uint32) {
	t.relayMut.Lock()
	entry, ok := t.relays[seq]
	if ok {
		delete(t.relays, seq)
	}
	t.relayMut.Unlock()

	if !ok {
		return
	}

	nack := &wire.Message{Tag: wire.TagNack, Seq: seq}
	if err := t.send(entry.origin, nack); err != nil {
		atomic.AddUint64(&t.sendErrors, 1)
		level.Warn(t.logger).Log("msg", "failed to send nack", "to", entry.origin, "err", err)
	}
}

// handleAck dispatches an inbound ACK to either the locally outstanding
// probe or a pending ping_req relay, matched by sequence number and, as a
// safety margin beyond the matching the wire format alone provides, by the
// responding address. A direct ack arrives from the target itself; a
// relayed ack arrives from whichever proxy forwarded it, never from the
// target — matchesAddr checks the whole set so an indirect probe's success
// is recognized here instead of falling through to the relay table lookup
// below and then to "dropped stale ack".
func (t *UDPTransport) handleAck(msg *wire.Message, from *net.UDPAddr) {
	t.probeMut.Lock()
	p := t.probe
	if p != nil && p.seq == msg.Seq && p.matchesAddr(from) {
		p.timer.Stop()
		t.probe = nil
	} else {
		p = nil
	}
	t.probeMut.Unlock()

	if p != nil {
		t.deliverProbeSucceeded(msg.Seq, msg.Inc)
		return
	}

	t.relayMut.Lock()
	entry, ok := t.relays[msg.Seq]
	if ok && sameAddr(entry.targetAddr, from) {
		delete(t.relays, msg.Seq)
	} else {
		ok = false
	}
	t.relayMut.Unlock()

	if !ok {
		level.Debug(t.logger).Log("msg", "dropped stale ack", "seq", msg.Seq, "from", from)
		return
	}

	entry.timer.Stop()

	fwd := &wire.Message{
		Tag:       wire.TagAck,
		Seq:       msg.Seq,
		Inc:       msg.Inc,
		Piggyback: encodePiggyback(t.members.Piggyback(wire.MaxPiggyback)),
	}
	if err := t.send(entry.origin, fwd); err != nil {
		atomic.AddUint64(&t.sendErrors, 1)
		level.Warn(t.logger).Log("msg", "failed to forward ack", "to", entry.origin, "err", err)
	}
}

// handleNack means a proxy's own relayed probe to the target timed out. It
// is tracked per-proxy against the outstanding probe; once every proxy
// contacted for this round has nacked, there is no longer anything left to
// wait for, so the round is resolved as failed right here instead of idling
// until ack_timeout (already spent) or the next tick notices the silence.
func (t *UDPTransport) handleNack(msg *wire.Message, from *net.UDPAddr) {
	t.probeMut.Lock()

	p := t.probe
	if p == nil || p.seq != msg.Seq || !p.matchesProxy(from) {
		t.probeMut.Unlock()
		level.Debug(t.logger).Log("msg", "dropped stale nack", "seq", msg.Seq, "from", from)

		return
	}

	p.nacked[from.String()] = true
	allNacked := len(p.nacked) == len(p.proxies)

	if allNacked {
		p.timer.Stop()
		t.probe = nil
	}

	t.probeMut.Unlock()

	level.Debug(t.logger).Log("msg", "proxy reports target unreachable", "seq", msg.Seq, "from", from)

	if allNacked {
		t.deliverProbeFailed(msg.Seq)
	}
}

func (t *UDPTransport) deliverProbeSucceeded(seq uint32, inc uint64) {
	t.detectorMut.RLock()
	d := t.detector
	t.detectorMut.RUnlock()

	if d != nil {
		d.ProbeSucceeded(seq, inc)
	}
}

func (t *UDPTransport) deliverProbeFailed(seq uint32) {
	t.detectorMut.RLock()
	d := t.detector
	t.detectorMut.RUnlock()

	if d != nil {
		d.ProbeFailed(seq)
	}
}

func (t *UDPTransport) send(addr *net.UDPAddr, msg *wire.Message) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	if len(payload) > maxPayloadSize {
		return ErrMaxSizeExceeded
	}

	envelope, err := t.keyring.Load().Encrypt(payload)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	if _, err := t.conn.WriteToUDP(envelope, addr); err != nil {
		if atomic.LoadInt32(&t.closed) == 1 {
			return ErrClosed
		}

		return fmt.Errorf("write: %w", err)
	}

	return nil
}

func resolveUDPAddr(id membership.ID) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", string(id))
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}

	return a.IP.Equal(b.IP) && a.Port == b.Port
}
