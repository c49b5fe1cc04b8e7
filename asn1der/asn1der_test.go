package asn1der_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddednet/tlsstack/asn1der"
)

func TestTagEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		class       asn1der.Class
		constructed bool
		tag         int
	}{
		{asn1der.ClassUniversal, false, asn1der.TagInteger},
		{asn1der.ClassUniversal, true, asn1der.TagSequence},
		{asn1der.ClassUniversal, false, asn1der.TagOID},
		{asn1der.ClassContextSpecific, true, 0},
		{asn1der.ClassContextSpecific, true, 3},
	}
	for _, c := range cases {
		encoded := asn1der.EncodeTLV(c.class, c.constructed, c.tag, []byte{0x01, 0x02, 0x03})
		elem, err := asn1der.ReadElement(encoded)
		require.NoError(t, err)
		assert.Equal(t, c.class, elem.Class)
		assert.Equal(t, c.constructed, elem.Constructed)
		assert.Equal(t, c.tag, elem.Tag)
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, elem.Value)
		assert.Equal(t, len(encoded), elem.TotalLength)
	}
}

func TestLongFormLength(t *testing.T) {
	content := make([]byte, 300)
	encoded := asn1der.EncodeOctetString(content)
	elem, err := asn1der.ReadElement(encoded)
	require.NoError(t, err)
	assert.Equal(t, 300, elem.Length)
}

func TestIndefiniteLengthRejected(t *testing.T) {
	_, err := asn1der.ReadElement([]byte{0x30, 0x80, 0x00, 0x00})
	require.Error(t, err)
}

func TestIntegerHighBitPadding(t *testing.T) {
	encoded := asn1der.EncodeInteger([]byte{0xff})
	elem, err := asn1der.ReadElement(encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff}, elem.Value)
}

func TestOIDEqual(t *testing.T) {
	a := asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01}
	b := asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01}
	c := asn1der.OID{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x02}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
