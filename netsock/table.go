// Package netsock implements the socket facade named in spec.md §4.10: a
// fixed-capacity descriptor table multiplexing TCP control blocks and UDP
// datagram queues behind blocking, timeout-aware, event-driven calls. It
// sits directly above nettcp the way the teacher's session layer sits
// above its wire protocol, translating one more layer of low-level state
// into a caller-facing API.
package netsock

import (
	"fmt"
	"sync"
	"time"

	"github.com/embeddednet/tlsstack/nettcp"
	"github.com/embeddednet/tlsstack/ostask"
	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/stackerr"
	"github.com/embeddednet/tlsstack/stacklog"
)

// Role names the kind of traffic a descriptor carries, per spec.md §4.10.
type Role int

const (
	RoleStream Role = iota
	RoleDgram
	RoleRaw
)

// dgramQueueDepth bounds a dgram socket's receive queue, per spec.md
// §4.10's "bounded receive queue of datagrams."
const dgramQueueDepth = 32

func (r Role) String() string {
	switch r {
	case RoleStream:
		return "stream"
	case RoleDgram:
		return "dgram"
	case RoleRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Addr is a local or remote socket address. The stack has no IP layer of
// its own (spec.md treats IP as an external, unreliable datagram service),
// so Host is whatever opaque string the caller's Link/routing layer uses
// to address a peer.
type Addr struct {
	Host string
	Port uint16
}

// Datagram is one UDP-shaped message queued for a dgram socket, carrying
// the sender's address alongside its payload per spec.md §4.10.
type Datagram struct {
	From    Addr
	Payload []byte
}

// SocketID indexes the descriptor table.
type SocketID int

// socket is one descriptor: role, protocol, addressing, timeout, last
// error, event object, and (for stream sockets) the TCP control block or
// (for dgram sockets) the bounded receive queue, per spec.md §4.10.
type socket struct {
	mu sync.Mutex

	role     Role
	protocol string
	local    Addr
	remote   Addr
	timeout  time.Duration
	lastErr  error
	closed   bool

	tcb   *nettcp.ControlBlock
	link  nettcp.Link
	pend  []byte // bytes already read off tcb but not yet returned (BREAK_CHAR leftovers)

	recvQueue  *ostask.Queue[Datagram]
	dgramEvent *ostask.Event // signaled whenever a datagram is enqueued

	cancel *ostask.Event // external per-socket cancellation source for blocking calls
}

// Table is the fixed-capacity socket descriptor table, sized by
// cfg.SocketMaxCount, with ephemeral port allocation bounded by
// cfg.SocketEphemeralPortMin/Max, per spec.md §4.10/§6.
type Table struct {
	mu   sync.Mutex
	cfg  *stackcfg.Config
	log  stacklog.Logger
	slot []*socket // nil entry means free

	nextEphemeral int
}

// NewTable returns an empty table sized per cfg, logging nothing.
func NewTable(cfg *stackcfg.Config) *Table {
	return NewTableWithLogger(cfg, stacklog.Discard())
}

// NewTableWithLogger is NewTable, passing log down to every TCP control
// block Listen/Dial creates so connection failures on any socket in this
// table surface through it.
func NewTableWithLogger(cfg *stackcfg.Config, log stacklog.Logger) *Table {
	if log == nil {
		log = stacklog.Discard()
	}
	return &Table{
		cfg:           cfg,
		log:           log,
		slot:          make([]*socket, cfg.SocketMaxCount),
		nextEphemeral: cfg.SocketEphemeralPortMin,
	}
}

// Open allocates a descriptor of the given role/protocol, returning
// stackerr.OutOfResources if the table is at SocketMaxCount capacity.
func (t *Table) Open(role Role, protocol string) (SocketID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slot {
		if s == nil {
			sock := &socket{role: role, protocol: protocol}
			if role == RoleDgram {
				sock.recvQueue = ostask.NewQueue[Datagram](dgramQueueDepth)
				sock.dgramEvent = ostask.NewEvent(true)
			}
			t.slot[i] = sock
			return SocketID(i), nil
		}
	}
	return -1, stackerr.New(stackerr.OutOfResources, "netsock.Open", fmt.Errorf("socket table full (%d)", len(t.slot)))
}

// Close releases a descriptor. Any call blocked in Send/Recv/Poll on this
// socket unblocks with stackerr.ConnectionClosing, per spec.md §5's
// "closing a socket from another task unblocks waiters."
func (t *Table) Close(id SocketID) error {
	sock, err := t.get(id)
	if err != nil {
		return err
	}
	sock.mu.Lock()
	sock.closed = true
	sock.lastErr = stackerr.New(stackerr.ConnectionClosing, "netsock.Close", nil)
	tcb := sock.tcb
	if sock.cancel != nil {
		sock.cancel.Set()
	}
	sock.mu.Unlock()

	if tcb != nil {
		tcb.DataEvent().Set()
		tcb.AckEvent().Set()
		tcb.StateEvent().Set()
	}

	t.mu.Lock()
	t.slot[id] = nil
	t.mu.Unlock()
	return nil
}

func (t *Table) get(id SocketID) (*socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || int(id) >= len(t.slot) || t.slot[id] == nil {
		return nil, stackerr.New(stackerr.InvalidParameter, "netsock", fmt.Errorf("no such socket %d", id))
	}
	return t.slot[id], nil
}

// allocEphemeral returns the next free ephemeral port in the configured
// range, wrapping around, per spec.md §6's SOCKET_EPHEMERAL_PORT_MIN/MAX.
func (t *Table) allocEphemeral() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	port := t.nextEphemeral
	t.nextEphemeral++
	if t.nextEphemeral > t.cfg.SocketEphemeralPortMax {
		t.nextEphemeral = t.cfg.SocketEphemeralPortMin
	}
	return uint16(port)
}

// SetTimeout sets the per-call timeout inherited by subsequent blocking
// Send/Recv/RecvFrom calls on id, per spec.md §4.10's "inherited from
// set_timeout."
func (t *Table) SetTimeout(id SocketID, d time.Duration) error {
	sock, err := t.get(id)
	if err != nil {
		return err
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	sock.timeout = d
	return nil
}

// LastError returns the most recently recorded error for id.
func (t *Table) LastError(id SocketID) error {
	sock, err := t.get(id)
	if err != nil {
		return err
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	return sock.lastErr
}

// ControlBlock returns the TCP control block backing a stream socket, so
// a caller's RX task (which owns 4-tuple demultiplexing; spec.md §4.10
// does not make netsock responsible for routing inbound segments) can
// hand it decoded segments directly via Deliver/Tick.
func (t *Table) ControlBlock(id SocketID) (*nettcp.ControlBlock, error) {
	sock, err := t.get(id)
	if err != nil {
		return nil, err
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.tcb == nil {
		return nil, stackerr.New(stackerr.InvalidParameter, "netsock.ControlBlock", fmt.Errorf("socket %d is not a stream socket", id))
	}
	return sock.tcb, nil
}

// CancelEvent returns the external event a caller can Set to break any
// blocking call currently suspended on id, per spec.md §5's "sockets
// expose an external user event to break a blocking call."
func (t *Table) CancelEvent(id SocketID) (*ostask.Event, error) {
	sock, err := t.get(id)
	if err != nil {
		return nil, err
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.cancel == nil {
		sock.cancel = ostask.NewEvent(true)
	}
	return sock.cancel, nil
}
