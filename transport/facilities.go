package transport

import "github.com/maxpoletaev/swimcore/membership"

// Detector is the subset of the failure detector the transport calls back
// into when a probe round resolves. Declared here, next to its only
// consumer, rather than in the detector package.
type Detector interface {
	// ProbeSucceeded reports that an ACK matching the currently outstanding
	// probe (by sequence number) arrived, direct or relayed through a proxy.
	ProbeSucceeded(seq uint32, peerInc uint64)

	// ProbeFailed reports that every proxy contacted for an indirect probe
	// came back with a NACK, so the round can be resolved now instead of
	// waiting for the next tick to notice silence.
	ProbeFailed(seq uint32)
}

// Memberlist is the subset of membership.Table the transport needs: the
// local identity and incarnation to stamp onto outgoing datagrams, and the
// piggyback gossip buffer to attach to and fold from them.
type Memberlist interface {
	LocalMember() membership.ID
	LocalIncarnation() uint64
	Piggyback(max int) []membership.Event
	ApplyPiggyback(ev membership.Event) []membership.Event
}
