package netsock

import (
	"context"
	"sync"
	"time"

	"github.com/embeddednet/tlsstack/ostask"
	"github.com/embeddednet/tlsstack/stackerr"
)

// EventFlags reports which conditions woke a Poll call, per spec.md
// §4.10's "returns the per-socket event flags."
type EventFlags int

const (
	FlagReadable EventFlags = 1 << iota
	FlagStateChanged
	FlagCancelled
)

type wakeResult struct {
	id    SocketID
	flags EventFlags
}

// Poll registers the event objects of every socket in ids with a shared
// wake, waits once for the first to fire (or externalEvent, or timeout),
// and returns the flags observed for each socket that was ready at that
// moment, per spec.md §4.10's poll(set, external_event, timeout).
// Cancellation is by signaling externalEvent, per spec.md §5.
func (t *Table) Poll(ctx context.Context, ids []SocketID, externalEvent *ostask.Event, timeout time.Duration) (map[SocketID]EventFlags, error) {
	var wctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		wctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		wctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	results := make(chan wakeResult, 2*len(ids)+1)
	var wg sync.WaitGroup

	watch := func(id SocketID, flags EventFlags, ev *ostask.Event) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ev.Wait(wctx, timeout); err == nil {
				select {
				case results <- wakeResult{id, flags}:
				default:
				}
			}
		}()
	}

	var socks []*socket
	for _, id := range ids {
		sock, err := t.get(id)
		if err != nil {
			continue
		}
		sock.mu.Lock()
		tcb := sock.tcb
		dgramEvent := sock.dgramEvent
		sock.mu.Unlock()
		socks = append(socks, sock)
		if tcb != nil {
			watch(id, FlagReadable, tcb.DataEvent())
			watch(id, FlagStateChanged, tcb.StateEvent())
		}
		if dgramEvent != nil {
			watch(id, FlagReadable, dgramEvent)
		}
	}
	if externalEvent != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := externalEvent.Wait(wctx, timeout); err == nil {
				select {
				case results <- wakeResult{-1, FlagCancelled}:
				default:
				}
			}
		}()
	}

	select {
	case first := <-results:
		cancel()
		wg.Wait()
		out := map[SocketID]EventFlags{}
		if first.id >= 0 {
			out[first.id] = first.flags
		}
	drain:
		for {
			select {
			case r := <-results:
				if r.id >= 0 {
					out[r.id] |= r.flags
				}
			default:
				break drain
			}
		}
		if first.id < 0 {
			return out, stackerr.New(stackerr.WaitInterrupted, "netsock.Poll", nil)
		}
		for _, s := range socks {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return out, stackerr.New(stackerr.ConnectionClosing, "netsock.Poll", nil)
			}
		}
		return out, nil
	case <-wctx.Done():
		cancel()
		wg.Wait()
		if ctx.Err() != nil {
			return nil, stackerr.New(stackerr.WaitInterrupted, "netsock.Poll", ctx.Err())
		}
		return nil, stackerr.New(stackerr.Timeout, "netsock.Poll", nil)
	}
}
