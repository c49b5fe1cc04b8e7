// keys.go derives the two record-layer CipherSpecs (client-write and
// server-write) from a negotiated Context's master secret, per spec.md
// §4.9's "Key block" paragraph and §4.8's per-direction MAC/key/IV slices.
package tlshandshake

import (
	"fmt"

	"github.com/embeddednet/tlsstack/hashset"
	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/stackerr"
	"github.com/embeddednet/tlsstack/tlsrecord"
)

// DeriveCipherSpecs expands ctx's key block and builds the client-write and
// server-write tlsrecord.CipherSpec values for ctx.Suite/ctx.Version.
func DeriveCipherSpecs(ctx *Context) (clientSpec, serverSpec *tlsrecord.CipherSpec, err error) {
	suite := ctx.Suite

	macLen := 0
	if !suite.IsAEAD() {
		mc, ok := hashset.Lookup(suite.MACAlgo)
		if !ok {
			return nil, nil, stackerr.New(stackerr.UnsupportedSignatureAlgo, "tlshandshake.DeriveCipherSpecs", fmt.Errorf("unknown MAC algorithm"))
		}
		macLen = mc.DigestSize
	}
	keyLen := suite.KeySize()
	ivLen := suite.IVSize(uint16(ctx.Version))

	total := 2*macLen + 2*keyLen + 2*ivLen
	keyBlock := DeriveKeyBlock(ctx.Version, suite, ctx.MasterSecret, ctx.ClientRandom[:], ctx.ServerRandom[:], total)

	off := 0
	take := func(n int) []byte {
		b := keyBlock[off : off+n]
		off += n
		return b
	}
	clientMAC := take(macLen)
	serverMAC := take(macLen)
	clientKey := take(keyLen)
	serverKey := take(keyLen)
	clientIV := take(ivLen)
	serverIV := take(ivLen)

	explicitIVSize := 0
	if suite.IsCBC() && ctx.Version >= stackcfg.TLS11 {
		explicitIVSize = suite.BlockSize()
	}

	clientCipher, err := newBulkCipher(suite, clientKey, explicitIVSize)
	if err != nil {
		return nil, nil, err
	}
	serverCipher, err := newBulkCipher(suite, serverKey, explicitIVSize)
	if err != nil {
		return nil, nil, err
	}

	macAlgo := suite.MACAlgo
	if suite.IsAEAD() {
		macAlgo = hashset.None
	}

	clientSpec = &tlsrecord.CipherSpec{Cipher: clientCipher, MACAlgo: macAlgo, MACKey: clientMAC, FixedIV: clientIV}
	serverSpec = &tlsrecord.CipherSpec{Cipher: serverCipher, MACAlgo: macAlgo, MACKey: serverMAC, FixedIV: serverIV}
	return clientSpec, serverSpec, nil
}

// newBulkCipher builds the BulkCipher for one direction's key, selecting
// the constructor per suite.Bulk. explicitIVSize is 0 for TLS 1.0 CBC
// (implicit IV carried in the CipherSpec's FixedIV) or the block size for
// TLS 1.1+ CBC (explicit per-record IV, generated by tlsrecord itself).
func newBulkCipher(suite CipherSuite, key []byte, explicitIVSize int) (*tlsrecord.BulkCipher, error) {
	switch suite.Bulk {
	case BulkRC4:
		return tlsrecord.NewRC4Cipher(key)
	case Bulk3DES:
		return tlsrecord.NewCBCCipher(key, true, explicitIVSize)
	case BulkAES128CBC, BulkAES256CBC:
		return tlsrecord.NewCBCCipher(key, false, explicitIVSize)
	case BulkAES128GCM, BulkAES256GCM:
		return tlsrecord.NewGCMCipher(key)
	}
	return nil, stackerr.New(stackerr.UnsupportedKeyExchMethod, "tlshandshake.newBulkCipher", fmt.Errorf("unrecognized bulk cipher"))
}
