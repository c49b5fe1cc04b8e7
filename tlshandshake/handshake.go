// handshake.go is the single entry point callers use to run a handshake
// to completion: it dispatches to ClientHandshake or ServerHandshake by
// ctx.Role and leaves conn ready for ReadRecord/WriteRecord of
// ContentApplicationData afterward, per spec.md §4.9's overall state
// sequence ending in APPLICATION_DATA.
package tlshandshake

import (
	"fmt"
	"time"

	"github.com/embeddednet/tlsstack/stackerr"
	"github.com/embeddednet/tlsstack/tlsrecord"
)

// Handshake runs one handshake over conn using ctx. For a client context,
// cache may supply a session to resume and is updated on a fresh
// negotiation; it is ignored for a server context (use opts.Cache
// instead). opts is only consulted for a server context.
func Handshake(conn *tlsrecord.Conn, ctx *Context, cache *SessionCache, opts ServerOptions, now time.Time) error {
	var err error
	switch ctx.Role {
	case RoleClient:
		err = ClientHandshake(conn, ctx, cache, now)
	case RoleServer:
		err = ServerHandshake(conn, ctx, opts, now)
	default:
		err = stackerr.New(stackerr.InvalidParameter, "tlshandshake.Handshake", fmt.Errorf("unrecognized role"))
	}
	if err != nil {
		ctx.logger().Errorf("handshake failed for %s: %v", ctx.ServerName, err)
		return err
	}
	ctx.logger().Infof("handshake complete: suite=%s resumed=%v", ctx.Suite.Name, ctx.Resumed)
	return nil
}
