package keyring_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpoletaev/swimcore/keyring"
)

func randKey(t *testing.T) []byte {
	t.Helper()

	k := make([]byte, keyring.KeySize)
	_, err := rand.Read(k)
	require.NoError(t, err)

	return k
}

func TestNew(t *testing.T) {
	t.Run("EmptyKeyring", func(t *testing.T) {
		_, err := keyring.New(nil, []byte("aad"))
		assert.ErrorIs(t, err, keyring.ErrEmptyKeyring)
	})

	t.Run("BadKeyLength", func(t *testing.T) {
		_, err := keyring.New([][]byte{{1, 2, 3}}, []byte("aad"))
		assert.ErrorIs(t, err, keyring.ErrBadKeyLength)
	})

	t.Run("Valid", func(t *testing.T) {
		ring, err := keyring.New([][]byte{randKey(t)}, []byte("aad"))
		require.NoError(t, err)
		assert.Equal(t, 1, ring.Len())
	})
}

func TestEnvelopeRoundTrip(t *testing.T) {
	ring, err := keyring.New([][]byte{randKey(t)}, []byte("cluster-aad"))
	require.NoError(t, err)

	plaintexts := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("PING{seq=1}"),
		bytes.Repeat([]byte{0xAB}, 1024),
	}

	for _, pt := range plaintexts {
		ct, err := ring.Encrypt(pt)
		require.NoError(t, err)

		assert.Len(t, ct, len(pt)+32)

		got, err := ring.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, pt, got)
	}
}

func TestEnvelopeLayout(t *testing.T) {
	key := randKey(t)

	ring, err := keyring.New([][]byte{key}, []byte("aad"))
	require.NoError(t, err)

	ct, err := ring.Encrypt([]byte("hello"))
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(ct), 32)
	assert.Len(t, ct, 16+16+len("hello"))
}

func TestDecrypt_TooShort(t *testing.T) {
	ring, err := keyring.New([][]byte{randKey(t)}, []byte("aad"))
	require.NoError(t, err)

	_, err = ring.Decrypt(make([]byte, 31))
	assert.ErrorIs(t, err, keyring.ErrFailedVerification)
}

func TestDecrypt_WrongAAD(t *testing.T) {
	ring1, err := keyring.New([][]byte{randKey(t)}, []byte("aad-one"))
	require.NoError(t, err)

	key := randKey(t)
	ringA, err := keyring.New([][]byte{key}, []byte("aad-one"))
	require.NoError(t, err)

	ringB, err := keyring.New([][]byte{key}, []byte("aad-two"))
	require.NoError(t, err)

	ct, err := ringA.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = ringB.Decrypt(ct)
	assert.ErrorIs(t, err, keyring.ErrFailedVerification)

	_ = ring1
}

func TestKeyRotationWindow(t *testing.T) {
	kOld := randKey(t)
	kNew := randKey(t)

	ringOld, err := keyring.New([][]byte{kOld}, []byte("aad"))
	require.NoError(t, err)

	// R1 = [k_new, k_old]
	ringBoth, err := keyring.New([][]byte{kNew, kOld}, []byte("aad"))
	require.NoError(t, err)

	plaintext := []byte("rotation test payload")

	// R1 encrypts with its head key k_new, which R2 does not hold, so R2
	// cannot open it until it is rotated too.
	ct, err := ringBoth.Encrypt(plaintext)
	require.NoError(t, err)

	got, err := ringOld.Decrypt(ct)
	assert.ErrorIs(t, err, keyring.ErrFailedVerification)
	assert.Nil(t, got)

	// decrypt(encrypt(p, R2), R1) = p always.
	ct2, err := ringOld.Encrypt(plaintext)
	require.NoError(t, err)

	got2, err := ringBoth.Decrypt(ct2)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got2)
}

func TestAdd(t *testing.T) {
	kOld := randKey(t)
	kNew := randKey(t)

	ring, err := keyring.New([][]byte{kOld}, []byte("aad"))
	require.NoError(t, err)

	rotated, err := ring.Add(kNew)
	require.NoError(t, err)

	assert.Equal(t, 1, ring.Len(), "original ring must not be mutated")
	assert.Equal(t, 2, rotated.Len())

	// The new ring encrypts with the new head key...
	ct, err := rotated.Encrypt([]byte("msg"))
	require.NoError(t, err)

	// ...which the old ring (not yet rotated) cannot decrypt.
	_, err = ring.Decrypt(ct)
	assert.ErrorIs(t, err, keyring.ErrFailedVerification)

	// But the rotated ring can still decrypt messages sent under the old key.
	oldCT, err := ring.Encrypt([]byte("old msg"))
	require.NoError(t, err)

	got, err := rotated.Decrypt(oldCT)
	require.NoError(t, err)
	assert.Equal(t, []byte("old msg"), got)
}

func TestAdd_BadKeyLength(t *testing.T) {
	ring, err := keyring.New([][]byte{randKey(t)}, []byte("aad"))
	require.NoError(t, err)

	_, err = ring.Add([]byte{1, 2, 3})
	assert.ErrorIs(t, err, keyring.ErrBadKeyLength)
}
