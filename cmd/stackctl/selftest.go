package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/embeddednet/tlsstack/nettcp"
	"github.com/embeddednet/tlsstack/netsock"
	"github.com/embeddednet/tlsstack/ostask"
	"github.com/embeddednet/tlsstack/prng"
	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/tlshandshake"
	"github.com/embeddednet/tlsstack/tlsrecord"
	"github.com/embeddednet/tlsstack/x509cert"
)

// selftestSuite is the cipher suite the loopback handshake negotiates:
// DHE_RSA so the run also exercises pkey/dh, not just pkey/rsa.
const selftestSuite = 0x0033

// selftestServerName is the demo server identity's CommonName, kept
// independent of gencert's --cn flag so `stackctl selftest` never depends
// on flags only gencert binds.
const selftestServerName = "stackctl-selftest-server"

// chanLink is the in-memory nettcp.Link the two loopback endpoints write
// through: each WriteSegment hands the raw segment to the peer side's
// drive loop instead of a real network device.
type chanLink struct {
	out chan []byte
}

func newChanLink() *chanLink {
	return &chanLink{out: make(chan []byte, 64)}
}

func (l *chanLink) WriteSegment(raw []byte) error {
	select {
	case l.out <- append([]byte(nil), raw...):
		return nil
	default:
		return fmt.Errorf("chanLink: peer not draining fast enough")
	}
}

// driveSide is the tick+RX task pair for one endpoint of the loopback
// connection, the production counterpart to the manual step-by-step
// Deliver/Tick calls netsock's and nettcp's own tests make: here a single
// ostask-supervised goroutine continuously ticks cb's retransmit/persist
// timers and delivers inbound segments for as long as sctx is live.
// promote, when non-nil, is consulted after every delivered segment and
// may redirect subsequent deliveries/ticks to a newly spawned child
// control block (the listener side's SYN-to-accepted-child handoff).
func driveSide(sctx context.Context, inbox <-chan []byte, cb *nettcp.ControlBlock, promote func(seg *nettcp.Segment) *nettcp.ControlBlock) error {
	current := cb
	ticker := time.NewTicker(15 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case raw := <-inbox:
			seg, err := nettcp.Decode(raw)
			if err != nil {
				return fmt.Errorf("decode segment: %w", err)
			}
			if err := current.Deliver(seg, time.Now()); err != nil {
				return err
			}
			if promote != nil {
				if next := promote(seg); next != nil {
					current = next
				}
			}
		case t := <-ticker.C:
			if err := current.Tick(t); err != nil {
				return err
			}
		case <-sctx.Done():
			return nil
		}
	}
}

// netsockConn adapts one netsock.Table socket into the io.ReadWriter
// tlsrecord.Conn expects, the same way any concrete transport (a UDP
// socket in serve.go/connect.go, net.Pipe in tlshandshake's own tests)
// plugs into the record layer.
type netsockConn struct {
	ctx   context.Context
	table *netsock.Table
	id    netsock.SocketID
	now   time.Time
}

func (c *netsockConn) Write(p []byte) (int, error) {
	return c.table.Send(c.ctx, c.id, p, netsock.WaitAck, c.now)
}

func (c *netsockConn) Read(p []byte) (int, error) {
	data, err := c.table.Recv(c.ctx, c.id, len(p), false, 0)
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}

func randomISS() (uint32, error) {
	var buf [4]byte
	if _, err := prng.System().Read(buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

func runSelftest(cmd *cobra.Command, args []string) error {
	log := cliLogger()
	cfg := stackcfg.Empty()
	version, err := tlsVersionConst()
	if err != nil {
		return err
	}
	now := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sup, sctx := ostask.NewSupervisor(ctx)

	clientTable := netsock.NewTableWithLogger(cfg, log)
	serverTable := netsock.NewTableWithLogger(cfg, log)

	clientToServer := newChanLink()
	serverToClient := newChanLink()

	clientID, err := clientTable.Open(netsock.RoleStream, "tcp")
	if err != nil {
		return fmt.Errorf("open client socket: %w", err)
	}
	serverListenerID, err := serverTable.Open(netsock.RoleStream, "tcp")
	if err != nil {
		return fmt.Errorf("open server listener: %w", err)
	}

	if err := serverTable.Listen(serverListenerID, 4433, serverToClient, cfg); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	iss, err := randomISS()
	if err != nil {
		return err
	}
	if err := clientTable.Dial(clientID, netsock.Addr{Port: 4433}, clientToServer, cfg, iss, now); err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	clientCB, err := clientTable.ControlBlock(clientID)
	if err != nil {
		return err
	}
	listenerCB, err := serverTable.ControlBlock(serverListenerID)
	if err != nil {
		return err
	}

	// Force the state event into existence before any concurrent Deliver
	// can reach StateEstablished: setState only signals an already-created
	// event, so creating it here (rather than lazily inside the Wait call
	// below) closes the race between the handshake completing and this
	// goroutine starting to wait on it.
	stateEvent := clientCB.StateEvent()

	sup.Go(func() error {
		return driveSide(sctx, serverToClient.out, clientCB, nil)
	})
	sup.Go(func() error {
		return driveSide(sctx, clientToServer.out, listenerCB, func(seg *nettcp.Segment) *nettcp.ControlBlock {
			if !seg.Flags.Has(nettcp.FlagSYN) {
				return nil
			}
			child, ok := listenerCB.LookupChild(seg.Seq)
			if !ok {
				return nil
			}
			return child
		})
	})

	deadline := time.Now().Add(5 * time.Second)
	for clientCB.State() != nettcp.StateEstablished {
		if time.Now().After(deadline) {
			cancel()
			return fmt.Errorf("TCP handshake did not complete: client control block stuck in %s", clientCB.State())
		}
		if err := stateEvent.Wait(sctx, 200*time.Millisecond); err != nil {
			if clientCB.State() == nettcp.StateEstablished {
				break
			}
			cancel()
			return fmt.Errorf("waiting for TCP handshake: %w", err)
		}
	}

	var serverID netsock.SocketID
	for {
		id, ok, err := serverTable.Accept(serverListenerID)
		if err != nil {
			cancel()
			return fmt.Errorf("accept: %w", err)
		}
		if ok {
			serverID = id
			break
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-sctx.Done():
			cancel()
			return fmt.Errorf("accept timed out waiting for handshake completion")
		}
	}

	identity, root, err := demoServerIdentity(now)
	if err != nil {
		cancel()
		return err
	}

	clientRNG, err := prng.Seeded([]byte("stackctl-selftest-client"))
	if err != nil {
		cancel()
		return err
	}
	serverRNG, err := prng.Seeded([]byte("stackctl-selftest-server"))
	if err != nil {
		cancel()
		return err
	}

	clientCfg := cfg.Copy()
	clientCfg.TLSMinVersion, clientCfg.TLSMaxVersion = version, version
	serverCfg := clientCfg.Copy()

	clientCtx := tlshandshake.NewContextWithLogger(tlshandshake.RoleClient, clientCfg, clientRNG, log)
	clientCtx.TrustedRoots = []*x509cert.Certificate{root}
	clientCtx.ServerName = selftestServerName

	serverCtx := tlshandshake.NewContextWithLogger(tlshandshake.RoleServer, serverCfg, serverRNG, log)
	serverCtx.Identity = identity

	suite, ok := tlshandshake.LookupSuite(selftestSuite)
	if !ok {
		cancel()
		return fmt.Errorf("suite %04x not recognized", selftestSuite)
	}
	opts := tlshandshake.ServerOptions{Suites: []tlshandshake.CipherSuite{suite}}

	clientConn := tlsrecord.NewConn(&netsockConn{ctx: sctx, table: clientTable, id: clientID, now: now}, tlsrecord.DefaultConfigVersion(version))
	serverConn := tlsrecord.NewConn(&netsockConn{ctx: sctx, table: serverTable, id: serverID, now: now}, tlsrecord.DefaultConfigVersion(version))

	clientDone := make(chan error, 1)
	serverDone := make(chan error, 1)
	go func() { clientDone <- tlshandshake.Handshake(clientConn, clientCtx, nil, tlshandshake.ServerOptions{}, now) }()
	go func() { serverDone <- tlshandshake.Handshake(serverConn, serverCtx, nil, opts, now) }()

	var clientErr, serverErr error
	for i := 0; i < 2; i++ {
		select {
		case clientErr = <-clientDone:
		case serverErr = <-serverDone:
		case <-time.After(8 * time.Second):
			cancel()
			return fmt.Errorf("handshake did not complete within 8s")
		}
	}
	if clientErr != nil {
		cancel()
		return fmt.Errorf("client handshake: %w", clientErr)
	}
	if serverErr != nil {
		cancel()
		return fmt.Errorf("server handshake: %w", serverErr)
	}

	// Round-trip one application-data record over the now-established TLS
	// session (through clientConn/serverConn, not a raw netsock Send/Recv),
	// so the self-test actually exercises record encryption/MAC, not just
	// the handshake that negotiates it.
	payload := []byte("stackctl selftest payload")
	if err := clientConn.WriteRecord(tlsrecord.ContentApplicationData, payload); err != nil {
		cancel()
		return fmt.Errorf("write application data: %w", err)
	}
	typ, got, err := serverConn.ReadRecord()
	if err != nil {
		cancel()
		return fmt.Errorf("read application data: %w", err)
	}
	if typ != tlsrecord.ContentApplicationData {
		cancel()
		return fmt.Errorf("expected application data record, got content type %d", typ)
	}
	if string(got) != string(payload) {
		cancel()
		return fmt.Errorf("round-tripped payload mismatch: got %q", got)
	}

	cancel()
	if err := sup.Wait(); err != nil {
		return fmt.Errorf("task supervisor: %w", err)
	}

	fmt.Printf("PASS: TCP handshake, %s handshake, and %d-byte application round-trip all succeeded\n", suite.Name, len(payload))
	return nil
}

// demoServerIdentity builds the self-signed demo certificate/key pair
// used by both serve and selftest, returning the Identity the server
// Context presents and the parsed root the client trusts.
func demoServerIdentity(now time.Time) (*tlshandshake.Identity, *x509cert.Certificate, error) {
	key, err := demoRSAKey()
	if err != nil {
		return nil, nil, fmt.Errorf("build demo key: %w", err)
	}
	certDER, err := selfSignedCert(key, selftestServerName, now, 24*time.Hour)
	if err != nil {
		return nil, nil, fmt.Errorf("build self-signed certificate: %w", err)
	}
	root, err := x509cert.Parse(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("parse self-signed certificate: %w", err)
	}
	return &tlshandshake.Identity{Chain: [][]byte{certDER}, RSAPrivate: key}, root, nil
}
