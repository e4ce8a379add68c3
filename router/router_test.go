package router

import (
	"context"
	"testing"
	"time"

	"github.com/tachfileto/evidenced/types"
)

func TestDispatch_ResolvesRegisteredReceiver(t *testing.T) {
	r := New()
	id := NewRequestID()
	recv := r.Register(id)

	ok := r.Dispatch(id, Response{Success: &types.SuccessPayload{RequestID: id}})
	if !ok {
		t.Fatal("expected Dispatch to resolve a registered id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := recv.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if resp.Success == nil || resp.Success.RequestID != id {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestDispatch_UnresolvedIDReturnsFalse(t *testing.T) {
	r := New()
	ok := r.Dispatch("never-registered", Response{Success: &types.SuccessPayload{}})
	if ok {
		t.Error("expected Dispatch to report unresolved for an unknown id")
	}
}

func TestDispatch_OrderIndependent(t *testing.T) {
	r := New()
	idA := NewRequestID()
	idB := NewRequestID()
	recvA := r.Register(idA)
	recvB := r.Register(idB)

	// B's response arrives before A's — responses may arrive in any order.
	r.Dispatch(idB, Response{Success: &types.SuccessPayload{RequestID: idB}})
	r.Dispatch(idA, Response{Success: &types.SuccessPayload{RequestID: idA}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	respA, err := recvA.Recv(ctx)
	if err != nil || respA.Success.RequestID != idA {
		t.Errorf("expected A's response, got %+v err=%v", respA, err)
	}
	respB, err := recvB.Recv(ctx)
	if err != nil || respB.Success.RequestID != idB {
		t.Errorf("expected B's response, got %+v err=%v", respB, err)
	}
}

func TestRecv_TimesOutAndWorkStillCompletesLater(t *testing.T) {
	r := New()
	id := NewRequestID()
	recv := r.Register(id)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := recv.Recv(ctx)
	if err == nil {
		t.Fatal("expected a timeout error")
	}

	// The worker's result still arrives later; it must not panic, and is
	// correctly reported as unresolved (already dropped).
	resolved := r.Dispatch(id, Response{Success: &types.SuccessPayload{RequestID: id}})
	if resolved {
		t.Error("expected late response to be unresolved after the receiver was dropped")
	}
}

func TestDispatch_ProgressDoesNotTerminateRecv(t *testing.T) {
	r := New()
	id := NewRequestID()
	recv := r.Register(id)

	r.Dispatch(id, Response{Progress: &types.ProgressPayload{RequestID: id, Stage: "rasterize"}})
	r.Dispatch(id, Response{Success: &types.SuccessPayload{RequestID: id}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := recv.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if resp.Success == nil {
		t.Errorf("expected the terminal Success response, got %+v", resp)
	}
}

func TestRegister_ReplacingClosesPriorReceiver(t *testing.T) {
	r := New()
	id := "fixed-id"
	first := r.Register(id)
	r.Register(id)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := first.Recv(ctx)
	if err == nil {
		t.Error("expected the superseded receiver's channel to be closed")
	}
}

func TestPendingCount(t *testing.T) {
	r := New()
	r.Register(NewRequestID())
	r.Register(NewRequestID())
	if got := r.PendingCount(); got != 2 {
		t.Errorf("expected 2 pending, got %d", got)
	}
}
