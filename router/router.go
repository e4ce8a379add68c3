// Package router correlates outbound worker RPC requests with
// inbound responses by request id, enforces per-request deadlines, and
// cancels on timeout without discarding the eventual result — a late
// response still reaches whoever populates the cache.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tachfileto/evidenced/types"
)

// Response is whatever payload a worker eventually sends back for a
// request id: a *types.SuccessPayload, *types.ErrorPayload, or a
// *types.ProgressPayload for streamed intermediate updates.
type Response struct {
	Success  *types.SuccessPayload
	Error    *types.ErrorPayload
	Progress *types.ProgressPayload
}

// Receiver is handed to the caller that registered a request id; it
// receives exactly one terminal Response (Success or Error), preceded
// by zero or more Progress responses.
type Receiver struct {
	ch     chan Response
	router *Router
	id     string
}

// Recv blocks until a terminal response arrives, ctx is done, or the
// receiver is dropped. Progress responses are delivered but do not
// terminate Recv; callers that want streaming updates should instead
// range over Progress via RecvAll.
func (r *Receiver) Recv(ctx context.Context) (Response, error) {
	for {
		select {
		case resp, ok := <-r.ch:
			if !ok {
				return Response{}, fmt.Errorf("router: receiver closed for request %s", r.id)
			}
			if resp.Progress != nil {
				continue
			}
			return resp, nil
		case <-ctx.Done():
			r.router.dropLate(r.id)
			return Response{}, ctx.Err()
		}
	}
}

// RecvAll streams every response (progress and terminal) until the
// terminal one arrives or ctx is done.
func (r *Receiver) RecvAll(ctx context.Context) (<-chan Response, <-chan error) {
	out := make(chan Response)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case resp, ok := <-r.ch:
				if !ok {
					errc <- fmt.Errorf("router: receiver closed for request %s", r.id)
					return
				}
				out <- resp
				if resp.Progress == nil {
					errc <- nil
					return
				}
			case <-ctx.Done():
				r.router.dropLate(r.id)
				errc <- ctx.Err()
				return
			}
		}
	}()
	return out, errc
}

// pendingEntry pairs a receiver's channel with a closed flag, so that
// Dispatch and dropLate never race to close (or send on) the same
// channel twice.
type pendingEntry struct {
	ch     chan Response
	closed bool
}

// Router correlates requests and responses by a 128-bit request id.
// Requests may carry any payload type; the Router only tracks identity.
type Router struct {
	mu               sync.Mutex
	pending          map[string]*pendingEntry
	droppedLateCount int
}

// New creates an empty Router.
func New() *Router {
	return &Router{pending: make(map[string]*pendingEntry)}
}

// NewRequestID mints a 128-bit request id.
func NewRequestID() string {
	return uuid.New().String()
}

// Register allocates a Receiver for requestID. Calling Register twice
// for the same id replaces the prior receiver and closes its channel,
// since an id is assumed globally unique per in-flight request.
func (router *Router) Register(requestID string) *Receiver {
	router.mu.Lock()
	defer router.mu.Unlock()

	if old, ok := router.pending[requestID]; ok && !old.closed {
		old.closed = true
		close(old.ch)
	}
	entry := &pendingEntry{ch: make(chan Response, 4)}
	router.pending[requestID] = entry
	return &Receiver{ch: entry.ch, router: router, id: requestID}
}

// Dispatch resolves the receiver registered for requestID and delivers
// resp to it. Unresolved ids (the request timed out, was never
// registered, or is a duplicate/spurious response) are reported back
// to the caller as "unresolved" so it can log-and-drop rather than
// silently discarding worker output.
func (router *Router) Dispatch(requestID string, resp Response) (resolved bool) {
	router.mu.Lock()
	entry, ok := router.pending[requestID]
	if !ok || entry.closed {
		router.mu.Unlock()
		return false
	}
	if resp.Progress == nil {
		delete(router.pending, requestID)
	}

	select {
	case entry.ch <- resp:
	default:
		// Receiver's buffer is full (pathological: far more progress
		// frames than the buffer holds) — drop a progress frame; a
		// terminal response first discards the oldest buffered progress
		// frame, so it still wins.
		if resp.Progress == nil {
			select {
			case <-entry.ch:
			default:
			}
			entry.ch <- resp
		}
	}
	if resp.Progress == nil {
		entry.closed = true
		close(entry.ch)
	}
	router.mu.Unlock()
	return true
}

// dropLate removes a pending receiver whose caller gave up (ctx done).
// The worker's eventual response, if any, will then dispatch as
// unresolved — handled by the next Dispatch's log-and-drop path.
func (router *Router) dropLate(requestID string) {
	router.mu.Lock()
	defer router.mu.Unlock()
	if entry, ok := router.pending[requestID]; ok && !entry.closed {
		delete(router.pending, requestID)
		entry.closed = true
		close(entry.ch)
		router.droppedLateCount++
	}
}

// PendingCount reports the number of requests currently awaiting a
// response, for telemetry.
func (router *Router) PendingCount() int {
	router.mu.Lock()
	defer router.mu.Unlock()
	return len(router.pending)
}

// DroppedLateCount reports how many receivers were dropped due to
// caller timeout/cancellation before a response arrived.
func (router *Router) DroppedLateCount() int {
	router.mu.Lock()
	defer router.mu.Unlock()
	return router.droppedLateCount
}
