package nettcp_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embeddednet/tlsstack/nettcp"
	"github.com/embeddednet/tlsstack/stackcfg"
)

// recordingLink captures every segment a control block writes, in order,
// standing in for the caller's IP layer.
type recordingLink struct {
	sent [][]byte
}

func (l *recordingLink) WriteSegment(raw []byte) error {
	l.sent = append(l.sent, append([]byte(nil), raw...))
	return nil
}

func decodeAt(t *testing.T, link *recordingLink, idx int) *nettcp.Segment {
	t.Helper()
	require.Greater(t, len(link.sent), idx)
	seg, err := nettcp.Decode(link.sent[idx])
	require.NoError(t, err)
	return seg
}

func TestThreeWayHandshakeAndDataTransfer(t *testing.T) {
	now := time.Unix(1000, 0)
	cfg := stackcfg.Empty()

	clientLink := &recordingLink{}
	serverLink := &recordingLink{}
	client := nettcp.NewControlBlock(cfg, clientLink)
	serverListener := nettcp.NewControlBlock(cfg, serverLink)

	require.NoError(t, serverListener.Listen(443))
	require.NoError(t, client.Dial(50000, 443, 0x10000000, now))
	require.Equal(t, nettcp.StateSynSent, client.State())

	synSeg := decodeAt(t, clientLink, 0)
	require.True(t, synSeg.Flags.Has(nettcp.FlagSYN))
	require.NoError(t, serverListener.Deliver(synSeg, now))

	child, ok := serverListener.LookupChild(synSeg.Seq)
	require.True(t, ok)
	require.Equal(t, nettcp.StateSynReceived, child.State())

	synAckSeg := decodeAt(t, serverLink, 0)
	require.True(t, synAckSeg.Flags.Has(nettcp.FlagSYN) && synAckSeg.Flags.Has(nettcp.FlagACK))
	require.NoError(t, client.Deliver(synAckSeg, now))
	require.Equal(t, nettcp.StateEstablished, client.State())

	finalAckSeg := decodeAt(t, clientLink, 1)
	require.True(t, finalAckSeg.Flags.Has(nettcp.FlagACK))
	require.NoError(t, child.Deliver(finalAckSeg, now))
	require.Equal(t, nettcp.StateEstablished, child.State())

	server, ok := serverListener.Accept()
	require.True(t, ok)
	require.Same(t, child, server)

	n, err := client.Send([]byte("hello server"), now)
	require.NoError(t, err)
	require.Equal(t, len("hello server"), n)

	dataSeg := decodeAt(t, clientLink, 2)
	require.Equal(t, []byte("hello server"), dataSeg.Payload)
	require.NoError(t, server.Deliver(dataSeg, now))
	require.Equal(t, []byte("hello server"), server.Recv())

	dataAck := decodeAt(t, serverLink, 1)
	require.NoError(t, client.Deliver(dataAck, now))

	reply, err := server.Send([]byte("hi client"), now)
	require.NoError(t, err)
	require.Equal(t, len("hi client"), reply)

	replySeg := decodeAt(t, serverLink, 2)
	require.NoError(t, client.Deliver(replySeg, now))
	require.Equal(t, []byte("hi client"), client.Recv())
}

func TestClosingSequence(t *testing.T) {
	now := time.Unix(2000, 0)
	cfg := stackcfg.Empty()

	clientLink := &recordingLink{}
	serverLink := &recordingLink{}
	client := nettcp.NewControlBlock(cfg, clientLink)
	serverListener := nettcp.NewControlBlock(cfg, serverLink)

	require.NoError(t, serverListener.Listen(443))
	require.NoError(t, client.Dial(50000, 443, 0x20000000, now))
	synSeg := decodeAt(t, clientLink, 0)
	require.NoError(t, serverListener.Deliver(synSeg, now))
	child, _ := serverListener.LookupChild(synSeg.Seq)
	synAckSeg := decodeAt(t, serverLink, 0)
	require.NoError(t, client.Deliver(synAckSeg, now))
	finalAckSeg := decodeAt(t, clientLink, 1)
	require.NoError(t, child.Deliver(finalAckSeg, now))
	server, _ := serverListener.Accept()

	require.NoError(t, client.Close(now))
	require.Equal(t, nettcp.StateFinWait1, client.State())
	clientFIN := decodeAt(t, clientLink, 2)
	require.True(t, clientFIN.Flags.Has(nettcp.FlagFIN))
	require.NoError(t, server.Deliver(clientFIN, now))
	require.Equal(t, nettcp.StateCloseWait, server.State())

	serverAckOfFin := decodeAt(t, serverLink, 1)
	require.NoError(t, client.Deliver(serverAckOfFin, now))
	require.Equal(t, nettcp.StateFinWait2, client.State())

	require.NoError(t, server.Close(now))
	require.Equal(t, nettcp.StateLastAck, server.State())
	serverFIN := decodeAt(t, serverLink, 2)
	require.NoError(t, client.Deliver(serverFIN, now))
	require.Equal(t, nettcp.StateTimeWait, client.State())

	clientFinalAck := decodeAt(t, clientLink, 3)
	require.NoError(t, server.Deliver(clientFinalAck, now))
	require.Equal(t, nettcp.StateClosed, server.State())

	require.NoError(t, client.Tick(now))
	require.Equal(t, nettcp.StateTimeWait, client.State())
	require.NoError(t, client.Tick(now.Add(3*time.Minute)))
	require.Equal(t, nettcp.StateClosed, client.State())
}

func TestRetransmitOnTimeoutThenGivesUp(t *testing.T) {
	now := time.Unix(3000, 0)
	cfg := stackcfg.Empty()
	cfg.TCPMaxRetries = 2

	link := &recordingLink{}
	client := nettcp.NewControlBlock(cfg, link)
	require.NoError(t, client.Dial(50000, 443, 0x30000000, now))
	require.Len(t, link.sent, 1)

	// No SYN-ACK ever arrives; each Tick past the RTO deadline retransmits.
	t1 := now.Add(2 * time.Second)
	require.NoError(t, client.Tick(t1))
	require.Len(t, link.sent, 2)

	t2 := t1.Add(10 * time.Second)
	require.NoError(t, client.Tick(t2))
	require.Len(t, link.sent, 3)

	t3 := t2.Add(30 * time.Second)
	err := client.Tick(t3)
	require.Error(t, err)
	require.Equal(t, nettcp.StateClosed, client.State())
}

func TestOptionsRoundTrip(t *testing.T) {
	opts := nettcp.Options{
		MSS: 1460, HasMSS: true,
		SACKPermitted: true,
		SACKBlocks:    []nettcp.SACKBlock{{Left: 100, Right: 200}},
	}
	encoded := nettcp.EncodeOptions(opts)
	require.Equal(t, 0, len(encoded)%4)

	decoded, err := nettcp.ParseOptions(encoded)
	require.NoError(t, err)
	require.True(t, decoded.HasMSS)
	require.Equal(t, uint16(1460), decoded.MSS)
	require.True(t, decoded.SACKPermitted)
	require.Equal(t, opts.SACKBlocks, decoded.SACKBlocks)
}
