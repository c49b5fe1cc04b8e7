package netsock

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/embeddednet/tlsstack/nettcp"
	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/stackerr"
)

// SendFlags modifies Send's blocking behavior.
type SendFlags int

const (
	// WaitAck blocks Send until every byte written has been acknowledged
	// by the peer or the connection fails, per spec.md §4.10.
	WaitAck SendFlags = 1 << iota
)

// Listen binds id to localPort and puts its control block into LISTEN,
// ready to accept inbound connections via Accept. id must have been
// opened with RoleStream.
func (t *Table) Listen(id SocketID, localPort uint16, link nettcp.Link, cfg *stackcfg.Config) error {
	sock, err := t.get(id)
	if err != nil {
		return err
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.role != RoleStream {
		return stackerr.New(stackerr.InvalidParameter, "netsock.Listen", fmt.Errorf("socket %d is not a stream socket", id))
	}
	sock.tcb = nettcp.NewControlBlockWithLogger(cfg, link, t.log)
	sock.link = link
	if err := sock.tcb.Listen(localPort); err != nil {
		return err
	}
	sock.local = Addr{Port: localPort}
	return nil
}

// Dial performs an active open on id: an ephemeral local port is
// allocated from the table's configured range and a SYN is sent to
// peerPort via link. iss seeds the initial sequence number (spec.md §4.7
// leaves ISS selection to the implementation).
func (t *Table) Dial(id SocketID, peer Addr, link nettcp.Link, cfg *stackcfg.Config, iss uint32, now time.Time) error {
	sock, err := t.get(id)
	if err != nil {
		return err
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.role != RoleStream {
		return stackerr.New(stackerr.InvalidParameter, "netsock.Dial", fmt.Errorf("socket %d is not a stream socket", id))
	}
	localPort := t.allocEphemeral()
	sock.tcb = nettcp.NewControlBlockWithLogger(cfg, link, t.log)
	sock.link = link
	if err := sock.tcb.Dial(localPort, peer.Port, iss, now); err != nil {
		sock.lastErr = err
		return err
	}
	sock.local = Addr{Port: localPort}
	sock.remote = peer
	return nil
}

// Accept pops one completed connection from a listening socket's SYN
// queue and installs it as a fresh descriptor in the table, returning
// stackerr.OutOfResources if the table is full and (false, nil) if no
// connection is ready yet.
func (t *Table) Accept(listener SocketID) (SocketID, bool, error) {
	sock, err := t.get(listener)
	if err != nil {
		return -1, false, err
	}
	sock.mu.Lock()
	tcb := sock.tcb
	sock.mu.Unlock()
	if tcb == nil {
		return -1, false, stackerr.New(stackerr.UnexpectedState, "netsock.Accept", fmt.Errorf("socket %d is not listening", listener))
	}
	child, ok := tcb.Accept()
	if !ok {
		return -1, false, nil
	}
	id, err := t.Open(RoleStream, sock.protocol)
	if err != nil {
		return -1, false, err
	}
	childSock, _ := t.get(id)
	childSock.mu.Lock()
	childSock.tcb = child
	childSock.link = sock.link
	childSock.mu.Unlock()
	return id, true, nil
}

// Send queues data for transmission on a connected stream socket. Without
// WaitAck it returns as soon as the data is queued (written may be less
// than len(data) is never the case here since nettcp.Send always accepts
// the whole buffer into its send queue, but callers should not assume
// delivery). With WaitAck, Send blocks until the control block's
// retransmit queue fully drains (every byte acknowledged) or the
// connection fails, per spec.md §4.10.
func (t *Table) Send(ctx context.Context, id SocketID, data []byte, flags SendFlags, now time.Time) (int, error) {
	sock, err := t.get(id)
	if err != nil {
		return 0, err
	}
	sock.mu.Lock()
	tcb := sock.tcb
	timeout := sock.timeout
	cancel := sock.cancel
	sock.mu.Unlock()
	if tcb == nil {
		return 0, stackerr.New(stackerr.UnexpectedState, "netsock.Send", fmt.Errorf("socket %d is not connected", id))
	}

	n, err := tcb.Send(data, now)
	if err != nil {
		sock.mu.Lock()
		sock.lastErr = err
		sock.mu.Unlock()
		return n, err
	}

	if flags&WaitAck == 0 {
		return n, nil
	}

	for tcb.Unacked() > 0 {
		waitCtx := ctx
		stop := func() {}
		if cancel != nil {
			waitCtx, stop = withCancelEvent(ctx, cancel)
		}
		err := tcb.AckEvent().Wait(waitCtx, timeout)
		stop()
		if err != nil {
			return n, err
		}
		if err := tcb.LastError(); err != nil {
			return n, err
		}
		sock.mu.Lock()
		closed := sock.closed
		sock.mu.Unlock()
		if closed {
			return n, stackerr.New(stackerr.ConnectionClosing, "netsock.Send", nil)
		}
	}
	return n, nil
}

// Recv reads available in-order application data from a connected stream
// socket, blocking until at least one byte is available, the connection
// closes, or the timeout/cancellation fires. If hasBreakChar is set, the
// read stops at (and includes) the first occurrence of breakChar, per
// spec.md §4.10's BREAK_CHAR(c); any bytes already read past that point
// are retained for the next call.
func (t *Table) Recv(ctx context.Context, id SocketID, maxLen int, hasBreakChar bool, breakChar byte) ([]byte, error) {
	sock, err := t.get(id)
	if err != nil {
		return nil, err
	}
	sock.mu.Lock()
	tcb := sock.tcb
	timeout := sock.timeout
	cancel := sock.cancel
	sock.mu.Unlock()
	if tcb == nil {
		return nil, stackerr.New(stackerr.UnexpectedState, "netsock.Recv", fmt.Errorf("socket %d is not connected", id))
	}

	for {
		sock.mu.Lock()
		ready := len(sock.pend) >= maxLen || (len(sock.pend) > 0 && (!hasBreakChar || breakIndex(sock.pend, hasBreakChar, breakChar) >= 0))
		if ready {
			out, rest := splitRead(sock.pend, maxLen, hasBreakChar, breakChar)
			sock.pend = rest
			sock.mu.Unlock()
			return out, nil
		}
		sock.mu.Unlock()

		if fresh := tcb.Recv(); len(fresh) > 0 {
			sock.mu.Lock()
			sock.pend = append(sock.pend, fresh...)
			sock.mu.Unlock()
			continue
		}

		sock.mu.Lock()
		closed := sock.closed
		sock.mu.Unlock()
		if closed || tcb.State() == nettcp.StateCloseWait || tcb.State() == nettcp.StateClosed {
			sock.mu.Lock()
			out, rest := splitRead(sock.pend, maxLen, hasBreakChar, breakChar)
			sock.pend = rest
			sock.mu.Unlock()
			if len(out) > 0 {
				return out, nil
			}
			return nil, stackerr.New(stackerr.ConnectionClosing, "netsock.Recv", nil)
		}

		waitCtx := ctx
		stop := func() {}
		if cancel != nil {
			waitCtx, stop = withCancelEvent(ctx, cancel)
		}
		err := tcb.DataEvent().Wait(waitCtx, timeout)
		stop()
		if err != nil {
			return nil, err
		}
	}
}

func breakIndex(buf []byte, has bool, c byte) int {
	if !has {
		return -1
	}
	return bytes.IndexByte(buf, c)
}

// splitRead extracts up to maxLen bytes from buf, stopping at (and
// including) the first breakChar if hasBreakChar is set, returning the
// extracted slice and the unread remainder.
func splitRead(buf []byte, maxLen int, hasBreakChar bool, breakChar byte) (out, rest []byte) {
	n := len(buf)
	if hasBreakChar {
		if idx := bytes.IndexByte(buf, breakChar); idx >= 0 {
			n = idx + 1
		}
	}
	if n > maxLen {
		n = maxLen
	}
	if n == 0 {
		return nil, buf
	}
	out = append([]byte(nil), buf[:n]...)
	rest = append([]byte(nil), buf[n:]...)
	return out, rest
}

// CloseStream initiates a graceful close of a connected stream socket (FIN),
// per spec.md §4.7, and releases its descriptor.
func (t *Table) CloseStream(id SocketID, now time.Time) error {
	sock, err := t.get(id)
	if err != nil {
		return err
	}
	sock.mu.Lock()
	tcb := sock.tcb
	sock.mu.Unlock()
	if tcb != nil {
		if err := tcb.Close(now); err != nil {
			return err
		}
	}
	return t.Close(id)
}
