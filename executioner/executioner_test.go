package executioner

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tachfileto/evidenced/ledger"
	"github.com/tachfileto/evidenced/namingcontract"
	"github.com/tachfileto/evidenced/registry"
	"github.com/tachfileto/evidenced/types"
)

type noQuiesce struct{}

func (noQuiesce) Blocks(string, int64) bool { return false }

type alwaysQuiesce struct{}

func (alwaysQuiesce) Blocks(string, int64) bool { return true }

func newTestExecutioner(t *testing.T, q QuiesceChecker) (*Executioner, *ledger.Ledger, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	reg := registry.New()
	nc := namingcontract.New("EVR", "evrcache")
	now := func() int64 { return 1700000000 }
	x := New(l, reg, nc, q, dir, "executor-1", now)
	return x, l, reg, dir
}

func TestExecuteHardDeleteRemovesFileAndRecords(t *testing.T) {
	x, l, reg, dir := newTestExecutioner(t, noQuiesce{})
	nc := namingcontract.New("EVR", "evrcache")
	target := nc.Format("tachfile", "page", 1, 1700000000)

	if err := os.WriteFile(filepath.Join(dir, target), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	reg.Register(registry.Entry{FileID: target, SizeBytes: 1}, 1700000000)

	w := types.ExecutionWarrant{Nonce: 1, Target: target, Action: types.ActionHardDelete}
	if _, err := l.AppendWarrant(w); err != nil {
		t.Fatalf("AppendWarrant: %v", err)
	}

	report, err := x.Execute(w)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.Result != types.ResultSuccess || report.NoOp {
		t.Fatalf("unexpected report: %+v", report)
	}

	if _, err := os.Stat(filepath.Join(dir, target)); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err = %v", err)
	}
	if _, ok := reg.Get(target); ok {
		t.Fatal("expected registry entry removed")
	}
	committed, err := l.IsCommitted(1)
	if err != nil || !committed {
		t.Fatalf("expected warrant 1 committed in the ledger, committed=%v err=%v", committed, err)
	}
}

func TestExecuteIsIdempotent(t *testing.T) {
	x, l, _, dir := newTestExecutioner(t, noQuiesce{})
	nc := namingcontract.New("EVR", "evrcache")
	target := nc.Format("tachfile", "page", 1, 1700000000)
	_ = os.WriteFile(filepath.Join(dir, target), []byte("x"), 0o644)

	w := types.ExecutionWarrant{Nonce: 1, Target: target, Action: types.ActionHardDelete}
	_, _ = l.AppendWarrant(w)

	if _, err := x.Execute(w); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	report, err := x.Execute(w)
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if !report.NoOp {
		t.Fatal("expected second execution to be a no-op short-circuit")
	}
}

func TestExecuteRejectsUnknownWarrant(t *testing.T) {
	x, _, _, _ := newTestExecutioner(t, noQuiesce{})
	w := types.ExecutionWarrant{Nonce: 42, Target: "EVR_x_page_1_1700000000.evrcache", Action: types.ActionHardDelete}

	_, err := x.Execute(w)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Kind != FailWarrantNotInLedger {
		t.Fatalf("expected FailWarrantNotInLedger, got %v", err)
	}
}

func TestExecuteBlockedByQuiesce(t *testing.T) {
	x, l, _, _ := newTestExecutioner(t, alwaysQuiesce{})
	w := types.ExecutionWarrant{Nonce: 1, Target: "EVR_x_page_1_1700000000.evrcache", Action: types.ActionHardDelete}
	_, _ = l.AppendWarrant(w)

	_, err := x.Execute(w)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Kind != FailSystemQuiesced {
		t.Fatalf("expected FailSystemQuiesced, got %v", err)
	}
}

func TestExecuteTripwireRejectsForeignTarget(t *testing.T) {
	x, l, _, dir := newTestExecutioner(t, noQuiesce{})
	target := "user_uploaded_document.pdf"
	if err := os.WriteFile(filepath.Join(dir, target), []byte("keep me"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	w := types.ExecutionWarrant{Nonce: 1, Target: target, Action: types.ActionHardDelete}
	_, _ = l.AppendWarrant(w)

	_, err := x.Execute(w)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) || execErr.Kind != FailPermissionDenied {
		t.Fatalf("expected FailPermissionDenied tripwire, got %v", err)
	}

	if _, statErr := os.Stat(filepath.Join(dir, target)); statErr != nil {
		t.Fatalf("foreign file must survive the tripwire: %v", statErr)
	}
}

func TestExecuteHardDeleteOfMissingFileSucceeds(t *testing.T) {
	x, l, _, _ := newTestExecutioner(t, noQuiesce{})
	nc := namingcontract.New("EVR", "evrcache")
	target := nc.Format("tachfile", "page", 1, 1700000000)

	w := types.ExecutionWarrant{Nonce: 1, Target: target, Action: types.ActionHardDelete}
	_, _ = l.AppendWarrant(w)

	report, err := x.Execute(w)
	if err != nil {
		t.Fatalf("Execute on already-missing file should succeed idempotently, got %v", err)
	}
	if report.Result != types.ResultSuccess {
		t.Fatalf("report = %+v, want success", report)
	}
}

func TestExecuteSoftDeleteOnlyTouchesRegistry(t *testing.T) {
	x, l, reg, dir := newTestExecutioner(t, noQuiesce{})
	nc := namingcontract.New("EVR", "evrcache")
	target := nc.Format("tachfile", "page", 1, 1700000000)
	if err := os.WriteFile(filepath.Join(dir, target), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	reg.Register(registry.Entry{FileID: target, SizeBytes: 1}, 1700000000)

	w := types.ExecutionWarrant{Nonce: 1, Target: target, Action: types.ActionSoftDelete}
	_, _ = l.AppendWarrant(w)

	if _, err := x.Execute(w); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if _, statErr := os.Stat(filepath.Join(dir, target)); statErr != nil {
		t.Fatalf("SoftDelete must not remove the file on disk: %v", statErr)
	}
	if _, ok := reg.Get(target); ok {
		t.Fatal("expected registry entry removed by SoftDelete")
	}
}
