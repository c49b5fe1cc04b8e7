package tlsrecord_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embeddednet/tlsstack/hashset"
	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/tlsrecord"
)

// pipe is a simple in-memory io.ReadWriter backing both ends of a Conn
// pair in these tests.
type pipe struct {
	buf bytes.Buffer
}

func (p *pipe) Read(b []byte) (int, error)  { return p.buf.Read(b) }
func (p *pipe) Write(b []byte) (int, error) { return p.buf.Write(b) }

func TestWriteReadRecordPlaintextFragmentation(t *testing.T) {
	rw := &pipe{}
	wc := tlsrecord.NewConn(rw, 0x0301)
	rc := tlsrecord.NewConn(rw, 0x0301)

	payload := bytes.Repeat([]byte{0xAB}, tlsrecord.MaxFragmentLength+100)
	require.NoError(t, wc.WriteRecord(tlsrecord.ContentApplicationData, payload))

	var got []byte
	for len(got) < len(payload) {
		typ, fragment, err := rc.ReadRecord()
		require.NoError(t, err)
		assert.Equal(t, tlsrecord.ContentApplicationData, typ)
		assert.LessOrEqual(t, len(fragment), tlsrecord.MaxFragmentLength)
		got = append(got, fragment...)
	}
	assert.Equal(t, payload, got)
}

func streamSpec(t *testing.T) *tlsrecord.CipherSpec {
	t.Helper()
	key := bytes.Repeat([]byte{0x11}, 16)
	macKey := bytes.Repeat([]byte{0x22}, 20)
	c, err := tlsrecord.NewRC4Cipher(key)
	require.NoError(t, err)
	return &tlsrecord.CipherSpec{Cipher: c, MACAlgo: hashset.SHA1, MACKey: macKey}
}

func cbcSpec(t *testing.T, explicitIV bool) *tlsrecord.CipherSpec {
	t.Helper()
	key := bytes.Repeat([]byte{0x33}, 16)
	macKey := bytes.Repeat([]byte{0x44}, 32)
	ivSize := 0
	if explicitIV {
		ivSize = 16
	}
	c, err := tlsrecord.NewCBCCipher(key, false, ivSize)
	require.NoError(t, err)
	spec := &tlsrecord.CipherSpec{Cipher: c, MACAlgo: hashset.SHA256, MACKey: macKey}
	if !explicitIV {
		spec.FixedIV = bytes.Repeat([]byte{0x55}, 16)
	}
	return spec
}

func gcmSpec(t *testing.T) *tlsrecord.CipherSpec {
	t.Helper()
	key := bytes.Repeat([]byte{0x66}, 16)
	c, err := tlsrecord.NewGCMCipher(key)
	require.NoError(t, err)
	return &tlsrecord.CipherSpec{Cipher: c, MACAlgo: hashset.None, FixedIV: bytes.Repeat([]byte{0x77}, 4)}
}

func TestCipherModeRoundTrips(t *testing.T) {
	cases := []struct {
		name string
		spec func(t *testing.T) *tlsrecord.CipherSpec
	}{
		{"stream", streamSpec},
		{"cbc-tls10-implicit-iv", func(t *testing.T) *tlsrecord.CipherSpec { return cbcSpec(t, false) }},
		{"cbc-tls11-explicit-iv", func(t *testing.T) *tlsrecord.CipherSpec { return cbcSpec(t, true) }},
		{"gcm", gcmSpec},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rw := &pipe{}
			wc := tlsrecord.NewConn(rw, 0x0303)
			rc := tlsrecord.NewConn(rw, 0x0303)
			wc.SetWriteCipherSpec(tc.spec(t))
			rc.SetReadCipherSpec(tc.spec(t))

			msg := []byte("the quick brown fox jumps over the lazy dog")
			require.NoError(t, wc.WriteRecord(tlsrecord.ContentApplicationData, msg))

			typ, fragment, err := rc.ReadRecord()
			require.NoError(t, err)
			assert.Equal(t, tlsrecord.ContentApplicationData, typ)
			assert.Equal(t, msg, fragment)
		})
	}
}

func TestCBCTamperedMACIsRejected(t *testing.T) {
	rw := &pipe{}
	wc := tlsrecord.NewConn(rw, 0x0303)
	rc := tlsrecord.NewConn(rw, 0x0303)
	wc.SetWriteCipherSpec(cbcSpec(t, true))
	rc.SetReadCipherSpec(cbcSpec(t, true))

	require.NoError(t, wc.WriteRecord(tlsrecord.ContentApplicationData, []byte("payload")))

	raw := rw.buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // flip last byte of the ciphertext

	_, _, err := rc.ReadRecord()
	assert.Error(t, err)
}

func TestGCMTamperedCiphertextIsRejected(t *testing.T) {
	rw := &pipe{}
	wc := tlsrecord.NewConn(rw, 0x0303)
	rc := tlsrecord.NewConn(rw, 0x0303)
	wc.SetWriteCipherSpec(gcmSpec(t))
	rc.SetReadCipherSpec(gcmSpec(t))

	require.NoError(t, wc.WriteRecord(tlsrecord.ContentApplicationData, []byte("payload")))

	raw := rw.buf.Bytes()
	raw[len(raw)-1] ^= 0xFF

	_, _, err := rc.ReadRecord()
	assert.Error(t, err)
}

func TestHandshakeMessageReassemblyAcrossRecords(t *testing.T) {
	rw := &pipe{}
	wc := tlsrecord.NewConn(rw, 0x0301)
	rc := tlsrecord.NewConn(rw, 0x0301)

	body := bytes.Repeat([]byte{0x9A}, 10)
	msg := tlsrecord.EncodeHandshakeMessage(0x01, body)

	// Split the encoded handshake message across two separate records to
	// exercise reassembly spanning records.
	require.NoError(t, wc.WriteRecord(tlsrecord.ContentHandshake, msg[:3]))
	require.NoError(t, wc.WriteRecord(tlsrecord.ContentHandshake, msg[3:]))

	msgType, gotBody, err := rc.NextHandshakeMessage()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), msgType)
	assert.Equal(t, body, gotBody)
}

func TestHandshakeMessagesSharingOneRecord(t *testing.T) {
	rw := &pipe{}
	wc := tlsrecord.NewConn(rw, 0x0301)
	rc := tlsrecord.NewConn(rw, 0x0301)

	msg1 := tlsrecord.EncodeHandshakeMessage(0x01, []byte("hello"))
	msg2 := tlsrecord.EncodeHandshakeMessage(0x02, []byte("world!"))
	require.NoError(t, wc.WriteRecord(tlsrecord.ContentHandshake, append(append([]byte{}, msg1...), msg2...)))

	typ1, body1, err := rc.NextHandshakeMessage()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), typ1)
	assert.Equal(t, []byte("hello"), body1)

	typ2, body2, err := rc.NextHandshakeMessage()
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), typ2)
	assert.Equal(t, []byte("world!"), body2)
}

func TestDefaultConfigVersion(t *testing.T) {
	assert.Equal(t, uint16(0x0303), tlsrecord.DefaultConfigVersion(stackcfg.TLS12))
}
