package swim

import (
	"errors"
	"fmt"
	"time"

	kitlog "github.com/go-kit/log"

	"github.com/maxpoletaev/swimcore/keyring"
)

var (
	ErrMissingBindAddr   = errors.New("swim: bind_addr is required")
	ErrMissingKeys       = errors.New("swim: at least one key is required")
	ErrMissingAAD        = errors.New("swim: aad is required")
	ErrInvalidAckTimeout = errors.New("swim: ack_timeout must be positive and less than protocol_period")
	ErrInvalidNumProxies = errors.New("swim: num_proxies must be positive")
	ErrInvalidPeriod     = errors.New("swim: protocol_period must be positive")
)

// Config is the full set of configuration options an Agent needs, named
// after the options enumerated for the agent's external interface: keys,
// aad, protocol_period, ack_timeout, num_proxies, and the initial sequence.
//
// AAD is deliberately a required, explicit field rather than derived from
// ambient process state (a hostname, an environment variable): deriving it
// locally would make every node compute a different value and the cluster
// would never agree on a ciphertext, silently and with no error to point
// at. Operators must distribute the same AAD out-of-band to every node.
type Config struct {
	BindAddr string

	Keys [][]byte
	AAD  []byte

	ProtocolPeriod time.Duration
	AckTimeout     time.Duration
	NumProxies     int
	Sequence       uint32

	SuspicionMultiplier int
	MaxPiggyback        int
	EventBuffer         int

	Logger kitlog.Logger
}

// DefaultConfig returns a Config with the reference SWIM defaults for
// everything except BindAddr, Keys, and AAD, which have no safe default.
func DefaultConfig() Config {
	return Config{
		ProtocolPeriod:      time.Second,
		AckTimeout:          300 * time.Millisecond,
		NumProxies:          3,
		SuspicionMultiplier: 3,
		MaxPiggyback:        64,
		EventBuffer:         256,
		Logger:              kitlog.NewNopLogger(),
	}
}

// Validate checks the invariants the external interface requires at
// initialization. A configuration_error here is the only user-visible
// failure of the agent itself; everything past this point is swallowed and
// counted rather than raised.
func (c Config) Validate() error {
	if c.BindAddr == "" {
		return ErrMissingBindAddr
	}

	if c.ProtocolPeriod <= 0 {
		return ErrInvalidPeriod
	}

	if c.AckTimeout <= 0 || c.AckTimeout >= c.ProtocolPeriod {
		return ErrInvalidAckTimeout
	}

	if c.NumProxies <= 0 {
		return ErrInvalidNumProxies
	}

	if len(c.Keys) == 0 {
		return ErrMissingKeys
	}

	for _, k := range c.Keys {
		if len(k) != keyring.KeySize {
			return fmt.Errorf("%w: got %d bytes", keyring.ErrBadKeyLength, len(k))
		}
	}

	if len(c.AAD) == 0 {
		return ErrMissingAAD
	}

	return nil
}
