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
	"github.com/embeddednet/tlsstack/x509cert"
)

func runConnect(cmd *cobra.Command, args []string) error {
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
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", localAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	sup, sctx := ostask.NewSupervisor(ctx)

	clientTable := netsock.NewTableWithLogger(cfg, log)
	clientID, err := clientTable.Open(netsock.RoleStream, "tcp")
	if err != nil {
		return err
	}

	link := &udpLink{conn: conn}
	var iss uint32
	{
		var buf [4]byte
		if _, err := prng.System().Read(buf[:]); err != nil {
			return err
		}
		iss = uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	}
	now := time.Now()
	if err := clientTable.Dial(clientID, netsock.Addr{Host: udpAddr.IP.String(), Port: uint16(udpAddr.Port)}, link, cfg, iss, now); err != nil {
		return fmt.Errorf("dial control block: %w", err)
	}
	clientCB, err := clientTable.ControlBlock(clientID)
	if err != nil {
		return err
	}
	stateEvent := clientCB.StateEvent()

	sup.Go(func() error {
		buf := make([]byte, 4096)
		for {
			conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			n, err := conn.Read(buf)
			if err != nil {
				if sctx.Err() != nil {
					return nil
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				return fmt.Errorf("read udp: %w", err)
			}
			seg, err := nettcp.Decode(append([]byte(nil), buf[:n]...))
			if err != nil {
				log.Warnf("stackctl connect: dropping undecodable datagram: %v", err)
				continue
			}
			if err := clientCB.Deliver(seg, time.Now()); err != nil {
				return err
			}
		}
	})
	sup.Go(func() error {
		ticker := time.NewTicker(15 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case t := <-ticker.C:
				if err := clientCB.Tick(t); err != nil {
					return err
				}
			case <-sctx.Done():
				return nil
			}
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for clientCB.State() != nettcp.StateEstablished {
		if time.Now().After(deadline) {
			return fmt.Errorf("TCP handshake did not complete: stuck in %s", clientCB.State())
		}
		if err := stateEvent.Wait(sctx, 200*time.Millisecond); err != nil && clientCB.State() != nettcp.StateEstablished {
			return fmt.Errorf("waiting for TCP handshake: %w", err)
		}
	}
	fmt.Println("stackctl connect: TCP handshake complete, starting TLS handshake")

	clientCfg := cfg.Copy()
	clientCfg.TLSMinVersion, clientCfg.TLSMaxVersion = version, version
	clientCtx := tlshandshake.NewContextWithLogger(tlshandshake.RoleClient, clientCfg, prng.System(), log)
	clientCtx.ServerName = serverName
	if serverName != "" {
		_, root, err := demoServerIdentity(time.Now())
		if err == nil {
			// Best-effort local trust: stackctl has no certificate store, so
			// connect trusts the same fixed demo root serve presents when
			// run against another stackctl instance (see DESIGN.md).
			clientCtx.TrustedRoots = []*x509cert.Certificate{root}
		}
	}

	recordConn := tlsrecord.NewConn(&netsockConn{ctx: sctx, table: clientTable, id: clientID, now: now}, tlsrecord.DefaultConfigVersion(version))
	if err := tlshandshake.Handshake(recordConn, clientCtx, nil, tlshandshake.ServerOptions{}, time.Now()); err != nil {
		return fmt.Errorf("client handshake: %w", err)
	}
	fmt.Printf("stackctl connect: TLS handshake complete, suite=%s\n", clientCtx.Suite.Name)

	message := []byte("hello from stackctl connect")
	if err := recordConn.WriteRecord(tlsrecord.ContentApplicationData, message); err != nil {
		return fmt.Errorf("write application data: %w", err)
	}
	typ, reply, err := recordConn.ReadRecord()
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if typ == tlsrecord.ContentApplicationData {
		fmt.Printf("stackctl connect: server replied %q\n", reply)
	}

	cancel()
	return sup.Wait()
}
