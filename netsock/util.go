package netsock

import (
	"context"

	"github.com/embeddednet/tlsstack/ostask"
)

// withCancelEvent returns a context derived from parent that is also
// cancelled when ev fires, for routing an ostask.Event-based external
// cancellation source (spec.md §5's "external user event to break a
// blocking call") into calls that otherwise only accept a context.Context.
// The caller must invoke the returned cancel func to release the
// background goroutine once the blocking call returns.
func withCancelEvent(parent context.Context, ev *ostask.Event) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		if err := ev.Wait(ctx, 0); err == nil {
			cancel()
		}
	}()
	return ctx, cancel
}
