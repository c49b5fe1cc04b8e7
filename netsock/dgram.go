package netsock

import (
	"context"
	"fmt"

	"github.com/embeddednet/tlsstack/nettcp"
	"github.com/embeddednet/tlsstack/stackerr"
)

// Bind assigns a local port to a dgram socket, allocating an ephemeral
// port if localPort is zero.
func (t *Table) Bind(id SocketID, localPort uint16, link nettcp.Link) error {
	sock, err := t.get(id)
	if err != nil {
		return err
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.role != RoleDgram {
		return stackerr.New(stackerr.InvalidParameter, "netsock.Bind", fmt.Errorf("socket %d is not a dgram socket", id))
	}
	if localPort == 0 {
		localPort = t.allocEphemeral()
	}
	sock.local = Addr{Port: localPort}
	sock.link = link
	return nil
}

// Deliver enqueues one inbound datagram on id's bounded receive queue,
// dropping it if the queue is full (UDP's unreliable-delivery contract;
// spec.md treats IP/UDP as an unreliable datagram service). This is the
// RX task's entry point into netsock for dgram sockets.
func (t *Table) Deliver(id SocketID, dgram Datagram) error {
	sock, err := t.get(id)
	if err != nil {
		return err
	}
	sock.mu.Lock()
	rq := sock.recvQueue
	ev := sock.dgramEvent
	sock.mu.Unlock()
	if rq == nil {
		return stackerr.New(stackerr.InvalidParameter, "netsock.Deliver", fmt.Errorf("socket %d is not a dgram socket", id))
	}
	if !rq.TrySend(dgram) {
		return nil // queue full: silently dropped, per UDP's unreliable-delivery contract
	}
	if ev != nil {
		ev.Set()
	}
	return nil
}

// SendTo writes one datagram to peer via the socket's bound link. There
// is no IP/UDP header or checksum layer in this stack (out of scope per
// spec.md §1); the payload crosses Link as-is.
func (t *Table) SendTo(id SocketID, peer Addr, payload []byte) (int, error) {
	sock, err := t.get(id)
	if err != nil {
		return 0, err
	}
	sock.mu.Lock()
	link := sock.link
	role := sock.role
	sock.mu.Unlock()
	if role != RoleDgram && role != RoleRaw {
		return 0, stackerr.New(stackerr.InvalidParameter, "netsock.SendTo", fmt.Errorf("socket %d is not a dgram or raw socket", id))
	}
	if link == nil {
		return 0, stackerr.New(stackerr.UnexpectedState, "netsock.SendTo", fmt.Errorf("socket %d has no bound link", id))
	}
	if err := link.WriteSegment(append([]byte(nil), payload...)); err != nil {
		return 0, stackerr.New(stackerr.ConnectionReset, "netsock.SendTo", err)
	}
	return len(payload), nil
}

// RecvFrom blocks until a datagram is available, the timeout elapses, or
// ctx/the socket's cancel event fires.
func (t *Table) RecvFrom(ctx context.Context, id SocketID) (Datagram, error) {
	sock, err := t.get(id)
	if err != nil {
		return Datagram{}, err
	}
	sock.mu.Lock()
	rq := sock.recvQueue
	timeout := sock.timeout
	cancel := sock.cancel
	sock.mu.Unlock()
	if rq == nil {
		return Datagram{}, stackerr.New(stackerr.InvalidParameter, "netsock.RecvFrom", fmt.Errorf("socket %d is not a dgram socket", id))
	}
	waitCtx := ctx
	if cancel != nil {
		var stop context.CancelFunc
		waitCtx, stop = withCancelEvent(ctx, cancel)
		defer stop()
	}
	return rq.Receive(waitCtx, timeout)
}
