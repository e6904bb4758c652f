package generic

import "math/rand"

// Shuffler is a source of randomness for Shuffle. A *rand.Rand satisfies
// it directly; callers that need determinism in tests can substitute any
// type implementing the same method.
type Shuffler interface {
	Shuffle(n int, swap func(i, j int))
}

// Shuffle permutes s in place using rnd. Passing nil uses a fresh generator
// seeded from the package-level math/rand source.
//
// This PRNG must never be shared with a component that needs cryptographic
// randomness (see keyring, which uses crypto/rand for IVs) — mixing the two
// risks starving the crypto RNG's reseed under heavy shuffle load.
func Shuffle[T any](s []T, rnd Shuffler) {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63())) //nolint:gosec
	}

	rnd.Shuffle(len(s), func(i, j int) {
		s[i], s[j] = s[j], s[i]
	})
}
