// Package executioner implements the only component permitted to
// perform destructive filesystem operations. Every removal requires a
// pending warrant in the ledger; every outcome is recorded back to it.
// Re-invoking an already-committed warrant is a no-op success.
package executioner

import (
	"errors"
	"fmt"
	"os"

	"github.com/tachfileto/evidenced/ledger"
	"github.com/tachfileto/evidenced/namingcontract"
	"github.com/tachfileto/evidenced/registry"
	"github.com/tachfileto/evidenced/types"
)

// FailureKind classifies why an execution attempt was refused or failed.
type FailureKind string

const (
	FailPermissionDenied      FailureKind = "permission_denied"
	FailIOError               FailureKind = "io_error"
	FailFileLocked            FailureKind = "file_locked"
	FailWarrantAlreadyExecuted FailureKind = "warrant_already_executed"
	FailWarrantNotInLedger    FailureKind = "warrant_not_in_ledger"
	FailSystemQuiesced        FailureKind = "system_quiesced"
)

// ExecutionError wraps a FailureKind with context.
type ExecutionError struct {
	Kind FailureKind
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("executioner: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("executioner: %s", e.Kind)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Report is the outcome of execute(warrant).
type Report struct {
	Nonce  uint64
	Result types.ExecutionResult
	NoOp   bool // true if short-circuited by the idempotence check
}

// QuiesceChecker reports whether a target is currently blocked by a
// quiesce signal.
type QuiesceChecker interface {
	Blocks(target string, nowUnix int64) bool
}

// Executioner performs destructive filesystem operations under warrant.
type Executioner struct {
	ledger   *ledger.Ledger
	reg      *registry.Registry
	naming   *namingcontract.Contract
	quiesce  QuiesceChecker
	cacheDir string
	now      func() int64
	id       string
}

// New creates an Executioner.
func New(l *ledger.Ledger, reg *registry.Registry, nc *namingcontract.Contract, q QuiesceChecker, cacheDir, executorID string, now func() int64) *Executioner {
	return &Executioner{ledger: l, reg: reg, naming: nc, quiesce: q, cacheDir: cacheDir, now: now, id: executorID}
}

// Execute carries out one warrant: idempotence check, quiesce check,
// naming re-validation, the removal itself, then the ledger record.
func (x *Executioner) Execute(w types.ExecutionWarrant) (Report, error) {
	// 1. Idempotence check.
	committed, err := x.ledger.IsCommitted(w.Nonce)
	if err != nil {
		return Report{}, fmt.Errorf("executioner: idempotence check: %w", err)
	}
	if committed {
		return Report{Nonce: w.Nonce, Result: types.ResultSuccess, NoOp: true}, nil
	}
	exists, err := x.ledger.WarrantExists(w.Nonce)
	if err != nil {
		return Report{}, fmt.Errorf("executioner: warrant existence check: %w", err)
	}
	if !exists {
		return Report{}, &ExecutionError{Kind: FailWarrantNotInLedger}
	}

	// 2. Quiesce check.
	if x.quiesce != nil && x.quiesce.Blocks(w.Target, x.now()) {
		return Report{}, &ExecutionError{Kind: FailSystemQuiesced}
	}

	// 3. Naming check, for actions that will touch the filesystem. A
	// Foreign classification here is a bug-tripwire: no warrant for a
	// Foreign basename should ever have been issued. Abort without any
	// filesystem I/O.
	if w.Action == types.ActionHardDelete && x.naming.Classify(w.Target) != namingcontract.Owned {
		return Report{}, &ExecutionError{Kind: FailPermissionDenied, Err: errors.New("naming contract tripwire: target classifies as foreign")}
	}

	// 4. Execute.
	result := x.performLocked(w)

	// 5. Record event.
	if recErr := x.ledger.RecordExecution(types.ExecutionEvent{
		WarrantNonce: w.Nonce,
		ExecutedAt:   x.now(),
		ExecutorID:   x.id,
		Result:       result,
	}); recErr != nil {
		return Report{}, fmt.Errorf("executioner: record execution event: %w", recErr)
	}

	if result != types.ResultSuccess {
		return Report{Nonce: w.Nonce, Result: result}, resultError(result)
	}
	return Report{Nonce: w.Nonce, Result: result}, nil
}

func (x *Executioner) performLocked(w types.ExecutionWarrant) types.ExecutionResult {
	switch w.Action {
	case types.ActionSoftDelete:
		x.reg.Unregister(w.Target, x.now())
		return types.ResultSuccess

	case types.ActionHardDelete:
		path := x.cacheDir + string(os.PathSeparator) + w.Target
		err := os.Remove(path)
		switch {
		case err == nil, os.IsNotExist(err):
			x.reg.Unregister(w.Target, x.now())
			return types.ResultSuccess
		case os.IsPermission(err):
			return types.ResultFailPermission
		default:
			return types.ResultFailIO
		}

	default:
		return types.ResultFailIO
	}
}

func resultError(result types.ExecutionResult) error {
	switch result {
	case types.ResultFailPermission:
		return &ExecutionError{Kind: FailPermissionDenied}
	case types.ResultFailLocked:
		return &ExecutionError{Kind: FailFileLocked}
	default:
		return &ExecutionError{Kind: FailIOError}
	}
}
