package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/swimcore/keyring"
	"github.com/maxpoletaev/swimcore/membership"
	"github.com/maxpoletaev/swimcore/transport/wire"
)

// These tests live in package transport, not transport_test, because they
// drive handleAck/handleNack directly against a live UDPTransport's
// internal probe state rather than through a second real socket — the
// address-matching bug they cover depends on which UDP source address an
// inbound datagram carries, which is awkward to control precisely once two
// real sockets and the OS network stack are involved.

type stubMembers struct {
	local membership.ID
}

func (s *stubMembers) LocalMember() membership.ID                            { return s.local }
func (s *stubMembers) LocalIncarnation() uint64                              { return 0 }
func (s *stubMembers) Piggyback(max int) []membership.Event                  { return nil }
func (s *stubMembers) ApplyPiggyback(ev membership.Event) []membership.Event { return nil }

type stubDetector struct {
	succeeded chan uint64
	failed    chan uint32
}

func newStubDetector() *stubDetector {
	return &stubDetector{
		succeeded: make(chan uint64, 1),
		failed:    make(chan uint32, 1),
	}
}

func (s *stubDetector) ProbeSucceeded(seq uint32, peerInc uint64) { s.succeeded <- peerInc }
func (s *stubDetector) ProbeFailed(seq uint32)                    { s.failed <- seq }

func newStubRing(t *testing.T) *keyring.Ring {
	key := make([]byte, keyring.KeySize)

	ring, err := keyring.New([][]byte{key}, []byte("aad"))
	require.NoError(t, err)

	return ring
}

func startStubTransport(t *testing.T, bind string) *UDPTransport {
	tr, err := Start(Config{
		BindAddr:   bind,
		Keyring:    newStubRing(t),
		AckTimeout: time.Minute,
		Members:    &stubMembers{local: membership.ID(bind)},
	})
	require.NoError(t, err)

	t.Cleanup(func() { tr.Close() })

	return tr
}

// TestHandleAck_MatchesRelayedAckFromProxyAddr covers the case handleAck's
// address guard used to get wrong: an indirect probe's success arrives as
// an ack whose UDP source is the proxy that relayed it, not the target
// being probed (handleAck on the proxy side forwards using its own socket,
// so the origin sees the proxy's address, never the target's). The
// outstanding probe must still resolve as succeeded.
func TestHandleAck_MatchesRelayedAckFromProxyAddr(t *testing.T) {
	tr := startStubTransport(t, "127.0.0.1:0")

	det := newStubDetector()
	tr.SetDetector(det)

	proxyAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:19191")
	require.NoError(t, err)

	require.NoError(t, tr.Ping("127.0.0.1:29292", 0, 7, []membership.ID{"127.0.0.1:19191"}))

	tr.handleAck(&wire.Message{Tag: wire.TagAck, Seq: 7, Inc: 42}, proxyAddr)

	select {
	case inc := <-det.succeeded:
		assert.EqualValues(t, 42, inc)
	case <-det.failed:
		t.Fatal("probe reported failed instead of succeeded")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for probe_succeeded")
	}
}

// TestHandleAck_IgnoresAckFromUnrelatedAddr ensures the address guard still
// rejects an ack whose source is neither the target nor any of the
// round's proxies, so the fix for the relayed case above does not turn
// into "match on sequence number alone, from anywhere".
func TestHandleAck_IgnoresAckFromUnrelatedAddr(t *testing.T) {
	tr := startStubTransport(t, "127.0.0.1:0")

	det := newStubDetector()
	tr.SetDetector(det)

	unrelatedAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:18181")
	require.NoError(t, err)

	require.NoError(t, tr.Ping("127.0.0.1:29293", 0, 8, []membership.ID{"127.0.0.1:19192"}))

	tr.handleAck(&wire.Message{Tag: wire.TagAck, Seq: 8, Inc: 99}, unrelatedAddr)

	select {
	case <-det.succeeded:
		t.Fatal("unexpected probe_succeeded for an ack from an unrelated address")
	case <-det.failed:
		t.Fatal("unexpected probe_failed for an ack from an unrelated address")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestHandleNack_ShortCircuitsAfterAllProxiesNack drives the NACK
// fast-path: once every proxy contacted for the round has nacked, the
// probe resolves as failed immediately rather than waiting for
// ack_timeout (already spent) or the next protocol tick.
func TestHandleNack_ShortCircuitsAfterAllProxiesNack(t *testing.T) {
	tr := startStubTransport(t, "127.0.0.1:0")

	det := newStubDetector()
	tr.SetDetector(det)

	proxy1, err := net.ResolveUDPAddr("udp", "127.0.0.1:19193")
	require.NoError(t, err)

	proxy2, err := net.ResolveUDPAddr("udp", "127.0.0.1:19194")
	require.NoError(t, err)

	require.NoError(t, tr.Ping("127.0.0.1:29294", 0, 9, []membership.ID{"127.0.0.1:19193", "127.0.0.1:19194"}))

	tr.handleNack(&wire.Message{Tag: wire.TagNack, Seq: 9}, proxy1)

	select {
	case <-det.failed:
		t.Fatal("probe_failed fired after only one of two proxies nacked")
	case <-time.After(100 * time.Millisecond):
	}

	tr.handleNack(&wire.Message{Tag: wire.TagNack, Seq: 9}, proxy2)

	select {
	case seq := <-det.failed:
		assert.EqualValues(t, 9, seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for probe_failed after all proxies nacked")
	}
}
