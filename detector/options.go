package detector

import (
	"math/rand"
	"time"

	kitlog "github.com/go-kit/log"
)

type Option func(*Detector)

func WithLogger(logger kitlog.Logger) Option {
	return func(det *Detector) {
		det.logger = logger
	}
}

func WithProtocolPeriod(d time.Duration) Option {
	return func(det *Detector) {
		det.protocolPeriod = d
	}
}

func WithNumProxies(n int) Option {
	return func(det *Detector) {
		det.numProxies = n
	}
}

// WithSequence sets the initial sequence number, useful for a restart that
// persisted the last value used before shutdown so a stale ack from a
// previous process incarnation cannot be mistaken for a current one.
func WithSequence(seq uint32) Option {
	return func(det *Detector) {
		det.sequence = seq
	}
}

// WithShuffleSource overrides the *rand.Rand used to shuffle the ping
// target queue every time it refills. Mainly useful for tests that need a
// deterministic probe order; New seeds one from crypto-independent entropy
// if this is never called.
func WithShuffleSource(rng *rand.Rand) Option {
	return func(det *Detector) {
		det.rng = rng
	}
}
