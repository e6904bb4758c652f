// Package swim wires the keyring, membership table, transport, and failure
// detector into a single running agent, mirroring the construction order a
// server's main package would use to assemble those pieces.
package swim

import (
	"context"
	"fmt"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/swimcore/detector"
	"github.com/maxpoletaev/swimcore/keyring"
	"github.com/maxpoletaev/swimcore/membership"
	"github.com/maxpoletaev/swimcore/transport"
)

// Agent is the public entry point: it owns the lifecycle of every internal
// component and exposes the local_member/members/alive operations plus the
// membership event sink named in the external interface.
type Agent struct {
	conf   Config
	logger kitlog.Logger

	table     *membership.Table
	transport *transport.UDPTransport
	detector  *detector.Detector

	mut     sync.Mutex
	keyring *keyring.Ring

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New validates conf and assembles an Agent. The agent is not yet running;
// call Start to bind the socket and begin probing.
func New(selfID membership.ID, conf Config) (*Agent, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("swim: invalid configuration: %w", err)
	}

	ring, err := keyring.New(conf.Keys, conf.AAD)
	if err != nil {
		return nil, fmt.Errorf("swim: build keyring: %w", err)
	}

	logger := conf.Logger
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}

	table := membership.New(selfID, membership.Config{
		ProtocolPeriod:      conf.ProtocolPeriod,
		SuspicionMultiplier: conf.SuspicionMultiplier,
		MaxPiggyback:        conf.MaxPiggyback,
		EventBuffer:         conf.EventBuffer,
		Logger:              conf.Logger,
	})

	tr, err := transport.Start(transport.Config{
		BindAddr:   conf.BindAddr,
		Keyring:    ring,
		AckTimeout: conf.AckTimeout,
		Members:    table,
		Logger:     conf.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("swim: start transport: %w", err)
	}

	det := detector.New(table, tr,
		detector.WithProtocolPeriod(conf.ProtocolPeriod),
		detector.WithNumProxies(conf.NumProxies),
		detector.WithSequence(conf.Sequence),
		detector.WithLogger(conf.Logger),
	)

	tr.SetDetector(det)

	return &Agent{
		conf:      conf,
		logger:    logger,
		table:     table,
		transport: tr,
		detector:  det,
		keyring:   ring,
	}, nil
}

// Start begins the detector's tick loop and the membership table's eviction
// sweep. The transport's receive loop is already running from New.
func (a *Agent) Start() {
	a.runCtx, a.runCancel = context.WithCancel(context.Background())

	a.wg.Add(2)

	go func() {
		defer a.wg.Done()
		a.detector.Run(a.runCtx)
	}()

	go func() {
		defer a.wg.Done()
		a.table.Sweep(a.runCtx, a.conf.ProtocolPeriod)
	}()
}

// LocalMember returns the agent's own identity.
func (a *Agent) LocalMember() membership.ID {
	return a.table.LocalMember()
}

// Members returns a snapshot of the agent's current membership view.
func (a *Agent) Members() []membership.MemberView {
	return a.table.Members()
}

// Alive injects an external alive report, e.g. from a bootstrap oracle that
// has out-of-band knowledge a peer exists.
func (a *Agent) Alive(peer membership.ID, incarnation uint64) {
	a.table.Alive(peer, incarnation)
}

// Events returns the membership event stream for the dissemination layer.
func (a *Agent) Events() <-chan membership.Event {
	return a.table.Events()
}

// Rotate adds key as the new active encryption key, keeping every
// previously active key valid for decryption, and publishes the resulting
// keyring snapshot to the transport atomically.
func (a *Agent) Rotate(key []byte) error {
	a.mut.Lock()
	defer a.mut.Unlock()

	next, err := a.keyring.Add(key)
	if err != nil {
		return fmt.Errorf("swim: rotate keyring: %w", err)
	}

	a.keyring = next
	a.transport.Rotate(next)

	return nil
}

// Leave announces a voluntary departure before shutting down: it tags the
// local member faulty at incarnation+1 and pushes that event directly to
// every currently known peer, mirroring the teacher's
// eventBus.Broadcast(&MemberLeft{...}) in Memberlist.Leave — except here
// the departure rides the same piggyback envelope a PING already carries,
// since the wire format defined here has no dedicated leave message.
// Peers that do not receive the broadcast (it is sent once, unacked) still
// converge on the departure through the normal suspicion timeout.
func (a *Agent) Leave(ctx context.Context) error {
	a.table.Leave()

	members := a.table.Members()
	targets := make([]membership.ID, len(members))

	for i, m := range members {
		targets[i] = m.ID
	}

	if err := a.transport.Broadcast(targets); err != nil {
		level.Warn(a.logger).Log("msg", "failed to broadcast departure to one or more peers", "err", err)
	}

	return a.Shutdown(ctx)
}

// Shutdown stops the tick loop and the eviction sweep, closes the
// transport, and discards the keyring.
func (a *Agent) Shutdown(ctx context.Context) error {
	if a.runCancel != nil {
		a.runCancel()
	}

	done := make(chan struct{})

	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.mut.Lock()
	a.keyring = nil
	a.mut.Unlock()

	return a.transport.Close()
}
