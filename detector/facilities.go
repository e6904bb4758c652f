package detector

import "github.com/maxpoletaev/swimcore/membership"

// Transport is the subset of transport.UDPTransport the detector drives:
// issuing the next probe for the current protocol period.
type Transport interface {
	Ping(target membership.ID, targetInc uint64, seq uint32, proxies []membership.ID) error
}

// Memberlist is the subset of membership.Table the detector reads and
// writes: the candidate pool for the next round, and the two report calls
// a tick, an ack or a nack can make.
type Memberlist interface {
	Members() []membership.MemberView
	Alive(peer membership.ID, inc uint64) []membership.Event
	SetStatus(peer membership.ID, status membership.Status) []membership.Event
}
