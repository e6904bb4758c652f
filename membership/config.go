package membership

import (
	"time"

	kitlog "github.com/go-kit/log"
)

// Config configures a Table. See DefaultConfig for the defaults.
type Config struct {
	// ProtocolPeriod is the detector's tick length, used both to size the
	// suspicion timeout and to compute the post-faulty eviction grace
	// period (one additional ProtocolPeriod, per spec).
	ProtocolPeriod time.Duration

	// SuspicionMultiplier is the constant C in
	// suspicion_timeout = ProtocolPeriod * ceil(log2(k+1)) * C.
	SuspicionMultiplier int

	// MaxPiggyback bounds how many recent events Piggyback returns.
	MaxPiggyback int

	// EventBuffer sizes the channel returned by Events. An event produced
	// while the buffer is full is dropped from the channel rather than
	// blocking the caller that produced it.
	EventBuffer int

	Logger kitlog.Logger
}

// DefaultConfig returns a Config with conservative defaults.
func DefaultConfig() Config {
	return Config{
		ProtocolPeriod:      time.Second,
		SuspicionMultiplier: 3,
		MaxPiggyback:        64,
		EventBuffer:         256,
		Logger:              kitlog.NewNopLogger(),
	}
}
