package stackcfg_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/embeddednet/tlsstack/stackcfg"
)

func TestEmptyConfigValidates(t *testing.T) {
	c := stackcfg.Empty()
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsInvertedVersionRange(t *testing.T) {
	c := stackcfg.Empty()
	c.TLSMinVersion, c.TLSMaxVersion = stackcfg.TLS12, stackcfg.TLS10
	assert.Error(t, c.Validate())
}

func TestValidateRejectsBadMSSRange(t *testing.T) {
	c := stackcfg.Empty()
	c.TCPMinMSS = c.TCPMaxMSS + 1
	assert.Error(t, c.Validate())
}

func TestCopyIsIndependent(t *testing.T) {
	c := stackcfg.Empty()
	cp := c.Copy()
	cp.TCPMaxRetries = 99
	assert.NotEqual(t, c.TCPMaxRetries, cp.TCPMaxRetries)
}
