package swim_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/maxpoletaev/swimcore/keyring"
	"github.com/maxpoletaev/swimcore/swim"
)

func validConfig() swim.Config {
	conf := swim.DefaultConfig()
	conf.BindAddr = "127.0.0.1:0"
	conf.Keys = [][]byte{make([]byte, keyring.KeySize)}
	conf.AAD = []byte("cluster-secret")

	return conf
}

func TestConfig_ValidDefaultsPass(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestConfig_MissingBindAddr(t *testing.T) {
	conf := validConfig()
	conf.BindAddr = ""

	assert.ErrorIs(t, conf.Validate(), swim.ErrMissingBindAddr)
}

func TestConfig_MissingKeys(t *testing.T) {
	conf := validConfig()
	conf.Keys = nil

	assert.ErrorIs(t, conf.Validate(), swim.ErrMissingKeys)
}

func TestConfig_BadKeyLength(t *testing.T) {
	conf := validConfig()
	conf.Keys = [][]byte{make([]byte, 10)}

	assert.ErrorIs(t, conf.Validate(), keyring.ErrBadKeyLength)
}

func TestConfig_MissingAAD(t *testing.T) {
	conf := validConfig()
	conf.AAD = nil

	assert.ErrorIs(t, conf.Validate(), swim.ErrMissingAAD)
}

func TestConfig_AckTimeoutMustBeLessThanProtocolPeriod(t *testing.T) {
	conf := validConfig()
	conf.ProtocolPeriod = time.Second
	conf.AckTimeout = time.Second

	assert.ErrorIs(t, conf.Validate(), swim.ErrInvalidAckTimeout)
}

func TestConfig_AckTimeoutMustBePositive(t *testing.T) {
	conf := validConfig()
	conf.AckTimeout = 0

	assert.ErrorIs(t, conf.Validate(), swim.ErrInvalidAckTimeout)
}

func TestConfig_NumProxiesMustBePositive(t *testing.T) {
	conf := validConfig()
	conf.NumProxies = 0

	assert.ErrorIs(t, conf.Validate(), swim.ErrInvalidNumProxies)
}

func TestConfig_ProtocolPeriodMustBePositive(t *testing.T) {
	conf := validConfig()
	conf.ProtocolPeriod = 0

	assert.ErrorIs(t, conf.Validate(), swim.ErrInvalidPeriod)
}
