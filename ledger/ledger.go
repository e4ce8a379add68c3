// Package ledger implements the audit ledger: a persistent,
// append-only journal of every deletion decision and its outcome,
// backed by go.etcd.io/bbolt. Writes use bbolt's exclusive Update
// transaction; reads use View and may proceed concurrently, so there
// is exactly one writer at any time.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
	"go.uber.org/multierr"

	"github.com/tachfileto/evidenced/types"
)

var (
	bucketWarrants   = []byte("warrants")
	bucketExecutions = []byte("execution_events")
	bucketSystem     = []byte("system_events")
)

// LedgerRef correlates an appended warrant with its later execution
// events.
type LedgerRef struct {
	Nonce uint64
}

// Ledger is the Audit Ledger.
type Ledger struct {
	db *bbolt.DB

	// validate, when set, gates HardDelete warrant targets. Appending a
	// warrant whose target fails validation is refused outright.
	validate func(basename string) bool
}

// Open opens (creating if absent) a Ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWarrants, bucketExecutions, bucketSystem} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: init buckets: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func nonceKey(nonce uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], nonce)
	return b[:]
}

// RequireOwnedTargets installs the Naming Contract gate: HardDelete
// warrants whose target basename fails fn are refused. Call once at
// startup, before any warrant traffic.
func (l *Ledger) RequireOwnedTargets(fn func(basename string) bool) {
	l.validate = fn
}

// AppendWarrant implements append_warrant(warrant) -> ledger_ref. For
// destructive (HardDelete) actions the target basename must pass the
// installed Naming Contract gate. A nonce already in the ledger is
// refused, so an earlier warrant is never overwritten. The write is
// atomic.
func (l *Ledger) AppendWarrant(w types.ExecutionWarrant) (LedgerRef, error) {
	if w.Action == types.ActionHardDelete && l.validate != nil && !l.validate(w.Target) {
		return LedgerRef{}, fmt.Errorf("ledger: refusing warrant %d: target %q is not an owned basename", w.Nonce, w.Target)
	}

	payload, err := json.Marshal(w)
	if err != nil {
		return LedgerRef{}, fmt.Errorf("ledger: marshal warrant: %w", err)
	}

	err = l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWarrants)
		key := nonceKey(w.Nonce)
		if b.Get(key) != nil {
			return fmt.Errorf("nonce %d already used", w.Nonce)
		}
		return b.Put(key, payload)
	})
	if err != nil {
		return LedgerRef{}, fmt.Errorf("ledger: append warrant: %w", err)
	}
	return LedgerRef{Nonce: w.Nonce}, nil
}

// RecordExecution appends one execution outcome.
// Requires the referenced warrant to exist.
func (l *Ledger) RecordExecution(e types.ExecutionEvent) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		warrants := tx.Bucket(bucketWarrants)
		if warrants.Get(nonceKey(e.WarrantNonce)) == nil {
			return fmt.Errorf("ledger: execution event references unknown warrant nonce %d", e.WarrantNonce)
		}

		events := tx.Bucket(bucketExecutions)
		id, err := events.NextSequence()
		if err != nil {
			return err
		}
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return events.Put(idKey(id), payload)
	})
}

func idKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// RecordSystemEvent implements record_system_event(type, deadline?).
func (l *Ledger) RecordSystemEvent(e types.SystemEvent) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSystem)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(idKey(id), payload)
	})
}

// IsCommitted implements is_committed(warrant_nonce): true iff a Success
// event references it.
func (l *Ledger) IsCommitted(nonce uint64) (bool, error) {
	committed := false
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(_, v []byte) error {
			var e types.ExecutionEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.WarrantNonce == nonce && e.Result == types.ResultSuccess {
				committed = true
			}
			return nil
		})
	})
	return committed, err
}

// WarrantExists reports whether a warrant with the given nonce has been
// appended (committed or pending).
func (l *Ledger) WarrantExists(nonce uint64) (bool, error) {
	exists := false
	err := l.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(bucketWarrants).Get(nonceKey(nonce)) != nil
		return nil
	})
	return exists, err
}

// GetPendingWarrants implements get_pending_warrants(): warrants with no
// Success event.
func (l *Ledger) GetPendingWarrants() ([]types.ExecutionWarrant, error) {
	var pending []types.ExecutionWarrant

	err := l.db.View(func(tx *bbolt.Tx) error {
		committed := make(map[uint64]bool)
		if err := tx.Bucket(bucketExecutions).ForEach(func(_, v []byte) error {
			var e types.ExecutionEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Result == types.ResultSuccess {
				committed[e.WarrantNonce] = true
			}
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketWarrants).ForEach(func(_, v []byte) error {
			var w types.ExecutionWarrant
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if !committed[w.Nonce] {
				pending = append(pending, w)
			}
			return nil
		})
	})
	return pending, err
}

// ListWarrants returns up to limit warrants in nonce order (all when
// limit <= 0). Read-only surface for the CLI.
func (l *Ledger) ListWarrants(limit int) ([]types.ExecutionWarrant, error) {
	var out []types.ExecutionWarrant
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWarrants).ForEach(func(_, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var w types.ExecutionWarrant
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, w)
			return nil
		})
	})
	return out, err
}

// ListExecutionEvents returns up to limit execution events in append
// order (all when limit <= 0).
func (l *Ledger) ListExecutionEvents(limit int) ([]types.ExecutionEvent, error) {
	var out []types.ExecutionEvent
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(_, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var e types.ExecutionEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// ListSystemEvents returns up to limit system events in append order
// (all when limit <= 0).
func (l *Ledger) ListSystemEvents(limit int) ([]types.SystemEvent, error) {
	var out []types.SystemEvent
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSystem).ForEach(func(_, v []byte) error {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var e types.SystemEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// GetWarrant returns the warrant with the given nonce, if present.
func (l *Ledger) GetWarrant(nonce uint64) (types.ExecutionWarrant, bool, error) {
	var w types.ExecutionWarrant
	found := false
	err := l.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketWarrants).Get(nonceKey(nonce))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &w); err != nil {
			return err
		}
		found = true
		return nil
	})
	return w, found, err
}

// EventsForWarrant returns every execution event referencing nonce.
func (l *Ledger) EventsForWarrant(nonce uint64) ([]types.ExecutionEvent, error) {
	var out []types.ExecutionEvent
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutions).ForEach(func(_, v []byte) error {
			var e types.ExecutionEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.WarrantNonce == nonce {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

// IntegrityViolation describes one foreign-key closure failure found by
// VerifyIntegrity.
type IntegrityViolation struct {
	Kind    string
	Detail  string
}

func (v IntegrityViolation) Error() string {
	return fmt.Sprintf("%s: %s", v.Kind, v.Detail)
}

// VerifyIntegrity implements verify_integrity(): every execution/system
// event references an extant warrant where applicable; no constraint
// violations. A non-empty return is a fatal startup condition —
// callers must refuse to start rather than repair silently.
func (l *Ledger) VerifyIntegrity() error {
	var violations error

	err := l.db.View(func(tx *bbolt.Tx) error {
		warrants := tx.Bucket(bucketWarrants)
		return tx.Bucket(bucketExecutions).ForEach(func(k, v []byte) error {
			var e types.ExecutionEvent
			if err := json.Unmarshal(v, &e); err != nil {
				violations = multierr.Append(violations, IntegrityViolation{
					Kind: "decode_error", Detail: fmt.Sprintf("execution_events key %x: %v", k, err),
				})
				return nil
			}
			if warrants.Get(nonceKey(e.WarrantNonce)) == nil {
				violations = multierr.Append(violations, IntegrityViolation{
					Kind:   "dangling_execution_event",
					Detail: fmt.Sprintf("execution event references missing warrant nonce %d", e.WarrantNonce),
				})
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	return violations
}
