// Package janitor reconciles the ledger, registry, and on-disk cache
// directory at startup, before any interactive traffic: pending
// warrants are re-executed, orphaned Owned files are swept under fresh
// warrants, and Foreign files are never touched.
package janitor

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/tachfileto/evidenced/executioner"
	"github.com/tachfileto/evidenced/ledger"
	"github.com/tachfileto/evidenced/namingcontract"
	"github.com/tachfileto/evidenced/registry"
	"github.com/tachfileto/evidenced/types"
)

// ghostGraceSeconds is the minimum age an unregistered Owned file must
// have before the Janitor treats it as a ghost rather than a page the
// cache is still in the middle of writing.
const ghostGraceSeconds = 60

// Report summarizes a Startup() pass.
type Report struct {
	ZombiesRecovered int
	GhostsDeleted    int
	GhostsProtected  int // owned, unregistered, but within the grace period
	AliensProtected  int // foreign basenames left untouched
	Errors           []error
}

// Janitor reconciles the Ledger, Registry, and on-disk cache directory.
type Janitor struct {
	ledger   *ledger.Ledger
	reg      *registry.Registry
	naming   *namingcontract.Contract
	exec     *executioner.Executioner
	cacheDir string
	now      func() int64
	verifier string
	nonceSeq uint64
}

// New creates a Janitor.
func New(l *ledger.Ledger, reg *registry.Registry, nc *namingcontract.Contract, exec *executioner.Executioner, cacheDir string, now func() int64) *Janitor {
	return &Janitor{
		ledger:   l,
		reg:      reg,
		naming:   nc,
		exec:     exec,
		cacheDir: cacheDir,
		now:      now,
		verifier: "janitor",
		nonceSeq: uint64(now()),
	}
}

func (j *Janitor) nextNonce() uint64 {
	return atomic.AddUint64(&j.nonceSeq, 1)
}

// Startup runs the full reconciliation sequence: verify ledger
// integrity (abort on violation), recover zombies (pending warrants
// left by a prior crash), then sweep ghosts (owned, unregistered,
// stale files). An integrity violation aborts before any file is
// touched; zombie-recovery errors are collected in the report and the
// ghost sweep still runs.
func (j *Janitor) Startup() (Report, error) {
	if err := j.ledger.VerifyIntegrity(); err != nil {
		return Report{}, fmt.Errorf("janitor: ledger integrity violated, refusing to start: %w", err)
	}

	report := Report{}

	if err := j.recoverZombies(&report); err != nil {
		report.Errors = append(report.Errors, err)
	}
	if err := j.sweepGhosts(&report); err != nil {
		report.Errors = append(report.Errors, err)
	}

	return report, nil
}

// recoverZombies re-invokes the Executioner for every warrant the
// Ledger still has pending. A crash between warrant append and
// execution record leaves a recoverable warrant rather than a lost
// one; NotFound outcomes count as success.
func (j *Janitor) recoverZombies(report *Report) error {
	pending, err := j.ledger.GetPendingWarrants()
	if err != nil {
		return fmt.Errorf("janitor: list pending warrants: %w", err)
	}

	var errs error
	for _, w := range pending {
		if _, err := j.exec.Execute(w); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("janitor: recover warrant nonce %d: %w", w.Nonce, err))
			continue
		}
		report.ZombiesRecovered++
	}
	return errs
}

// sweepGhosts classifies every basename in the cache directory. Owned
// files that back no registered cache entry are ghosts: stale beyond
// the grace period, they are deleted under a synthesized warrant so
// the deletion still leaves a full Ledger trail. Foreign basenames are
// always left untouched.
func (j *Janitor) sweepGhosts(report *Report) error {
	entries, err := os.ReadDir(j.cacheDir)
	if err != nil {
		return fmt.Errorf("janitor: read cache dir: %w", err)
	}

	var errs error
	now := j.now()

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		basename := de.Name()

		if j.naming.Classify(basename) != namingcontract.Owned {
			report.AliensProtected++
			continue
		}
		if _, known := j.reg.OwnsBasename(basename); known {
			continue
		}

		info, err := de.Info()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("janitor: stat %s: %w", basename, err))
			continue
		}
		if now-info.ModTime().Unix() < ghostGraceSeconds {
			report.GhostsProtected++
			continue
		}

		w := types.ExecutionWarrant{
			Nonce:        j.nextNonce(),
			Target:       basename,
			Action:       types.ActionHardDelete,
			Reason:       "ghost: owned file absent from registry past grace period",
			IssuedAtUnix: now,
			Verifier:     j.verifier,
		}
		if _, err := j.ledger.AppendWarrant(w); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("janitor: append ghost warrant for %s: %w", basename, err))
			continue
		}
		if _, err := j.exec.Execute(w); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("janitor: execute ghost warrant for %s: %w", basename, err))
			continue
		}
		report.GhostsDeleted++
	}

	return errs
}
