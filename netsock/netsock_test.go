package netsock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embeddednet/tlsstack/nettcp"
	"github.com/embeddednet/tlsstack/netsock"
	"github.com/embeddednet/tlsstack/stackcfg"
)

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

// handshake drives a full three-way handshake between a client socket
// dialed against a server listener, both backed by netsock.Table, using
// recordingLinks the same way nettcp's own tests drive a bare
// ControlBlock pair. Demultiplexing (deciding which control block a raw
// segment belongs to) is the caller's job per spec.md §4.10, mirrored
// here by reading the listener's LookupChild directly.
func handshake(t *testing.T, now time.Time) (clientTable, serverTable *netsock.Table, clientID, serverListenerID, serverID netsock.SocketID, clientLink, serverLink *recordingLink) {
	t.Helper()
	cfg := stackcfg.Empty()
	clientTable = netsock.NewTable(cfg)
	serverTable = netsock.NewTable(cfg)
	clientLink = &recordingLink{}
	serverLink = &recordingLink{}

	var err error
	clientID, err = clientTable.Open(netsock.RoleStream, "tcp")
	require.NoError(t, err)
	serverListenerID, err = serverTable.Open(netsock.RoleStream, "tcp")
	require.NoError(t, err)

	require.NoError(t, serverTable.Listen(serverListenerID, 443, serverLink, cfg))
	require.NoError(t, clientTable.Dial(clientID, netsock.Addr{Port: 443}, clientLink, cfg, 0x10000000, now))

	clientCB, err := clientTable.ControlBlock(clientID)
	require.NoError(t, err)
	listenerCB, err := serverTable.ControlBlock(serverListenerID)
	require.NoError(t, err)

	synSeg := decodeAt(t, clientLink, 0)
	require.NoError(t, listenerCB.Deliver(synSeg, now))

	childCB, ok := listenerCB.LookupChild(synSeg.Seq)
	require.True(t, ok)

	synAckSeg := decodeAt(t, serverLink, 0)
	require.NoError(t, clientCB.Deliver(synAckSeg, now))

	finalAckSeg := decodeAt(t, clientLink, 1)
	require.NoError(t, childCB.Deliver(finalAckSeg, now))

	serverID, ok, err = serverTable.Accept(serverListenerID)
	require.NoError(t, err)
	require.True(t, ok)

	return clientTable, serverTable, clientID, serverListenerID, serverID, clientLink, serverLink
}

func TestDialListenAcceptSendRecv(t *testing.T) {
	now := time.Unix(5000, 0)
	clientTable, serverTable, clientID, _, serverID, clientLink, serverLink := handshake(t, now)

	ctx := context.Background()
	n, err := clientTable.Send(ctx, clientID, []byte("hello"), 0, now)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	dataSeg := decodeAt(t, clientLink, 2)
	serverCB, err := serverTable.ControlBlock(serverID)
	require.NoError(t, err)
	require.NoError(t, serverCB.Deliver(dataSeg, now))

	got, err := serverTable.Recv(ctx, serverID, 1024, false, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	dataAck := decodeAt(t, serverLink, 1)
	clientCB, err := clientTable.ControlBlock(clientID)
	require.NoError(t, err)
	require.NoError(t, clientCB.Deliver(dataAck, now))
}

func TestSendWaitAckBlocksUntilAcked(t *testing.T) {
	now := time.Unix(6000, 0)
	clientTable, serverTable, clientID, _, serverID, clientLink, serverLink := handshake(t, now)

	clientCB, err := clientTable.ControlBlock(clientID)
	require.NoError(t, err)
	serverCB, err := serverTable.ControlBlock(serverID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		ctx := context.Background()
		_, sendErr := clientTable.Send(ctx, clientID, []byte("ack me"), netsock.WaitAck, now)
		done <- sendErr
	}()

	// give the Send goroutine a moment to queue the segment and start
	// waiting on the ack event before we deliver the ack.
	time.Sleep(20 * time.Millisecond)

	dataSeg := decodeAt(t, clientLink, 2)
	require.NoError(t, serverCB.Deliver(dataSeg, now))
	dataAck := decodeAt(t, serverLink, 1)
	require.NoError(t, clientCB.Deliver(dataAck, now))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send with WaitAck did not unblock after ack delivery")
	}
}

func TestRecvHonorsBreakChar(t *testing.T) {
	now := time.Unix(7000, 0)
	clientTable, serverTable, clientID, _, serverID, clientLink, _ := handshake(t, now)

	ctx := context.Background()
	_, err := clientTable.Send(ctx, clientID, []byte("line1\nline2\n"), 0, now)
	require.NoError(t, err)

	dataSeg := decodeAt(t, clientLink, 2)
	serverCB, err := serverTable.ControlBlock(serverID)
	require.NoError(t, err)
	require.NoError(t, serverCB.Deliver(dataSeg, now))

	first, err := serverTable.Recv(ctx, serverID, 1024, true, '\n')
	require.NoError(t, err)
	require.Equal(t, []byte("line1\n"), first)

	second, err := serverTable.Recv(ctx, serverID, 1024, true, '\n')
	require.NoError(t, err)
	require.Equal(t, []byte("line2\n"), second)
}

func TestCloseUnblocksPendingRecv(t *testing.T) {
	now := time.Unix(8000, 0)
	_, serverTable, _, _, serverID, _, _ := handshake(t, now)

	done := make(chan error, 1)
	go func() {
		_, recvErr := serverTable.Recv(context.Background(), serverID, 1024, false, 0)
		done <- recvErr
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, serverTable.Close(serverID))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Close")
	}
}

func TestOpenFailsWhenTableFull(t *testing.T) {
	cfg := stackcfg.Empty()
	cfg.SocketMaxCount = 1
	table := netsock.NewTable(cfg)

	_, err := table.Open(netsock.RoleStream, "tcp")
	require.NoError(t, err)

	_, err = table.Open(netsock.RoleStream, "tcp")
	require.Error(t, err)
}

func TestDgramSendRecv(t *testing.T) {
	cfg := stackcfg.Empty()
	table := netsock.NewTable(cfg)
	link := &recordingLink{}

	id, err := table.Open(netsock.RoleDgram, "udp")
	require.NoError(t, err)
	require.NoError(t, table.Bind(id, 9999, link))

	n, err := table.SendTo(id, netsock.Addr{Host: "peer", Port: 53}, []byte("query"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Len(t, link.sent, 1)

	require.NoError(t, table.Deliver(id, netsock.Datagram{From: netsock.Addr{Host: "peer", Port: 53}, Payload: []byte("reply")}))

	dgram, err := table.RecvFrom(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), dgram.Payload)
}

func TestPollWakesOnDataArrival(t *testing.T) {
	now := time.Unix(9000, 0)
	clientTable, serverTable, clientID, _, serverID, clientLink, _ := handshake(t, now)

	results := make(chan map[netsock.SocketID]netsock.EventFlags, 1)
	errs := make(chan error, 1)
	go func() {
		flags, err := serverTable.Poll(context.Background(), []netsock.SocketID{serverID}, nil, 2*time.Second)
		results <- flags
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := clientTable.Send(context.Background(), clientID, []byte("poll me"), 0, now)
	require.NoError(t, err)
	dataSeg := decodeAt(t, clientLink, 2)
	serverCB, err := serverTable.ControlBlock(serverID)
	require.NoError(t, err)
	require.NoError(t, serverCB.Deliver(dataSeg, now))

	select {
	case flags := <-results:
		require.NoError(t, <-errs)
		require.NotZero(t, flags[serverID]&netsock.FlagReadable)
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not wake on data arrival")
	}
}

func TestPollCancelledByExternalEvent(t *testing.T) {
	cfg := stackcfg.Empty()
	table := netsock.NewTable(cfg)
	link := &recordingLink{}
	id, err := table.Open(netsock.RoleStream, "tcp")
	require.NoError(t, err)
	require.NoError(t, table.Listen(id, 443, link, cfg))

	cancelEv, err := table.CancelEvent(id)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, pollErr := table.Poll(context.Background(), []netsock.SocketID{id}, cancelEv, 2*time.Second)
		done <- pollErr
	}()

	time.Sleep(20 * time.Millisecond)
	cancelEv.Set()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not unblock on external cancellation")
	}
}
