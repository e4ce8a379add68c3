package ledger

import (
	"path/filepath"
	"testing"

	"github.com/tachfileto/evidenced/types"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendWarrantAndRecordExecution(t *testing.T) {
	l := openTestLedger(t)

	w := types.ExecutionWarrant{Nonce: 1, Target: "EVR_x_page_1_1700000000.evrcache", Action: types.ActionHardDelete}
	if _, err := l.AppendWarrant(w); err != nil {
		t.Fatalf("AppendWarrant: %v", err)
	}

	committed, err := l.IsCommitted(1)
	if err != nil {
		t.Fatalf("IsCommitted: %v", err)
	}
	if committed {
		t.Fatal("warrant should not be committed before any execution event")
	}

	if err := l.RecordExecution(types.ExecutionEvent{WarrantNonce: 1, Result: types.ResultSuccess}); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	committed, err = l.IsCommitted(1)
	if err != nil {
		t.Fatalf("IsCommitted: %v", err)
	}
	if !committed {
		t.Fatal("expected warrant to be committed after a Success event")
	}
}

func TestRecordExecutionRejectsUnknownWarrant(t *testing.T) {
	l := openTestLedger(t)

	err := l.RecordExecution(types.ExecutionEvent{WarrantNonce: 999, Result: types.ResultSuccess})
	if err == nil {
		t.Fatal("expected error for execution event referencing unknown warrant")
	}
}

func TestGetPendingWarrants(t *testing.T) {
	l := openTestLedger(t)

	_, _ = l.AppendWarrant(types.ExecutionWarrant{Nonce: 1, Target: "a"})
	_, _ = l.AppendWarrant(types.ExecutionWarrant{Nonce: 2, Target: "b"})
	_ = l.RecordExecution(types.ExecutionEvent{WarrantNonce: 1, Result: types.ResultSuccess})

	pending, err := l.GetPendingWarrants()
	if err != nil {
		t.Fatalf("GetPendingWarrants: %v", err)
	}
	if len(pending) != 1 || pending[0].Nonce != 2 {
		t.Fatalf("pending = %+v, want only nonce 2", pending)
	}
}

func TestVerifyIntegrityCleanLedger(t *testing.T) {
	l := openTestLedger(t)

	_, _ = l.AppendWarrant(types.ExecutionWarrant{Nonce: 1, Target: "a"})
	_ = l.RecordExecution(types.ExecutionEvent{WarrantNonce: 1, Result: types.ResultSuccess})

	if err := l.VerifyIntegrity(); err != nil {
		t.Fatalf("expected clean ledger to pass integrity check, got %v", err)
	}
}

func TestRequireOwnedTargetsGatesHardDeletes(t *testing.T) {
	l := openTestLedger(t)
	l.RequireOwnedTargets(func(basename string) bool {
		return basename == "owned.bin"
	})

	if _, err := l.AppendWarrant(types.ExecutionWarrant{
		Nonce: 1, Target: "user.pdf", Action: types.ActionHardDelete,
	}); err == nil {
		t.Error("foreign HardDelete target should be refused")
	}

	if _, err := l.AppendWarrant(types.ExecutionWarrant{
		Nonce: 2, Target: "owned.bin", Action: types.ActionHardDelete,
	}); err != nil {
		t.Errorf("owned HardDelete target refused: %v", err)
	}

	// SoftDelete targets are registry ids, not basenames; the gate does
	// not apply.
	if _, err := l.AppendWarrant(types.ExecutionWarrant{
		Nonce: 3, Target: "fp:0:72:hash", Action: types.ActionSoftDelete,
	}); err != nil {
		t.Errorf("SoftDelete target refused: %v", err)
	}
}

func TestListSurfaces(t *testing.T) {
	l := openTestLedger(t)

	for nonce := uint64(1); nonce <= 3; nonce++ {
		if _, err := l.AppendWarrant(types.ExecutionWarrant{
			Nonce: nonce, Target: "t", Action: types.ActionSoftDelete,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.RecordExecution(types.ExecutionEvent{WarrantNonce: 2, Result: types.ResultSuccess}); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordSystemEvent(types.SystemEvent{Type: types.SystemEventPurgeBegin, At: 1}); err != nil {
		t.Fatal(err)
	}

	warrants, err := l.ListWarrants(0)
	if err != nil || len(warrants) != 3 {
		t.Fatalf("ListWarrants = (%d, %v)", len(warrants), err)
	}
	if warrants[0].Nonce != 1 || warrants[2].Nonce != 3 {
		t.Error("warrants not in nonce order")
	}

	limited, err := l.ListWarrants(2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("ListWarrants(2) = (%d, %v)", len(limited), err)
	}

	events, err := l.ListExecutionEvents(0)
	if err != nil || len(events) != 1 {
		t.Fatalf("ListExecutionEvents = (%d, %v)", len(events), err)
	}
	sysEvents, err := l.ListSystemEvents(0)
	if err != nil || len(sysEvents) != 1 {
		t.Fatalf("ListSystemEvents = (%d, %v)", len(sysEvents), err)
	}

	w, found, err := l.GetWarrant(2)
	if err != nil || !found || w.Nonce != 2 {
		t.Fatalf("GetWarrant(2) = (%+v, %v, %v)", w, found, err)
	}
	if _, found, _ := l.GetWarrant(99); found {
		t.Error("GetWarrant(99) should not be found")
	}

	refs, err := l.EventsForWarrant(2)
	if err != nil || len(refs) != 1 {
		t.Fatalf("EventsForWarrant(2) = (%d, %v)", len(refs), err)
	}
}
