package runtime

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/tachfileto/evidenced/court"
	"github.com/tachfileto/evidenced/notify"
	"github.com/tachfileto/evidenced/types"
)

// evictionLoop periodically runs the Court over the Registry snapshot
// and executes the resulting verdicts. Suppressed entirely while a
// quiesce signal is active.
func (s *Service) evictionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunEvictionCycle(); err != nil {
				s.logger.Warn("eviction cycle errors", map[string]any{"error": err.Error()})
			}
		}
	}
}

// RunEvictionCycle judges every registry entry and carries out the
// SoftDelete/HardDelete verdicts through the warrant chain: append to
// the ledger first, then hand to the Executioner, then drop the entry
// from the cache tier. Returns the aggregate of per-entry failures.
func (s *Service) RunEvictionCycle() error {
	now := time.Now().Unix()
	if s.quiesce.active(now) {
		return nil
	}

	entries := s.reg.Iter()
	stats := s.reg.Stats()
	verdicts := s.court.JudgeAll(entries, court.EntropyMetrics{FileCount: stats.EntryCount}, stats.TotalSizeBytes, now)

	var errs error
	for _, v := range verdicts {
		switch v.Action {
		case types.ActionSoftDelete, types.ActionHardDelete:
			if err := s.executeVerdict(v, now); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

// executeVerdict turns one destructive verdict into a warrant and
// executes it. HardDelete targets the entry's on-disk artifact
// basename; entries with no artifact (semantic tier) degrade to a
// registry-and-tier removal, the same effect SoftDelete has.
func (s *Service) executeVerdict(v types.EvictionVerdict, now int64) error {
	target := v.FileID
	action := v.Action

	if action == types.ActionHardDelete {
		if basename, ok := s.cache.ArtifactPath(v.FileID); ok {
			target = basename
		} else {
			action = types.ActionSoftDelete
		}
	}

	w := types.ExecutionWarrant{
		Nonce:        s.nextNonce(),
		Target:       target,
		Action:       action,
		Reason:       v.Reason,
		IssuedAtUnix: now,
		Verifier:     "court",
	}
	if _, err := s.ledger.AppendWarrant(w); err != nil {
		return err
	}
	if _, err := s.exec.Execute(w); err != nil {
		s.collector.IncExecutionFailure()
		return err
	}
	s.collector.IncExecutionSuccess()

	// The Executioner unregisters; the tier entry itself is dropped here.
	s.cache.Remove(v.FileID)
	return nil
}

// EnterQuiesce publishes a global quiesce until deadline: no new
// destructive warrants are issued or executed until it lifts.
func (s *Service) EnterQuiesce(deadline time.Time) error {
	now := time.Now().Unix()
	if err := s.ledger.RecordSystemEvent(types.SystemEvent{
		Type:     types.SystemEventQuiesceEnter,
		At:       now,
		Deadline: deadline.Unix(),
		Actor:    "evidenced",
	}); err != nil {
		return err
	}
	s.quiesce.set(types.QuiesceSignal{Kind: "global", Deadline: deadline.Unix()})
	s.publish(notify.EventQuiesceEnter, func(e *notify.Event) { e.DeadlineUnix = deadline.Unix() })
	return nil
}

// ExitQuiesce lifts the quiesce signal.
func (s *Service) ExitQuiesce() error {
	now := time.Now().Unix()
	if err := s.ledger.RecordSystemEvent(types.SystemEvent{
		Type:  types.SystemEventQuiesceExit,
		At:    now,
		Actor: "evidenced",
	}); err != nil {
		return err
	}
	s.quiesce.set(types.QuiesceSignal{Kind: "none"})
	s.publish(notify.EventQuiesceExit, nil)
	return nil
}

// ClearCache implements clear_cache() as the four-phase purge drain:
//
//  1. quiesce — publish PurgeBegin and a global quiesce so the eviction
//     cycle issues no competing warrants;
//  2. collect — snapshot the registry and append a HardDelete warrant
//     for every entry backed by an on-disk artifact (SoftDelete for the
//     rest), before anything is removed;
//  3. clear registry — drop every entry from both tiers;
//  4. execute — lift the quiesce, then run every collected warrant.
//
// A crash after phase 2 leaves pending warrants; the Janitor's zombie
// recovery completes them on next startup, which is what makes the
// purge crash-safe.
func (s *Service) ClearCache() error {
	now := time.Now().Unix()
	deadline := time.Now().Add(time.Minute)

	if err := s.ledger.RecordSystemEvent(types.SystemEvent{
		Type:  types.SystemEventPurgeBegin,
		At:    now,
		Actor: "evidenced",
	}); err != nil {
		return err
	}
	if err := s.EnterQuiesce(deadline); err != nil {
		return err
	}
	s.publish(notify.EventPurgeBegin, nil)

	// Collect: warrants first, removal later.
	entries := s.reg.Iter()
	warrants := make([]types.ExecutionWarrant, 0, len(entries))
	var errs error
	for _, e := range entries {
		target := e.FileID
		action := types.ActionSoftDelete
		if basename, ok := s.cache.ArtifactPath(e.FileID); ok {
			target = basename
			action = types.ActionHardDelete
		}
		w := types.ExecutionWarrant{
			Nonce:        s.nextNonce(),
			Target:       target,
			Action:       action,
			Reason:       "purge_all",
			IssuedAtUnix: now,
			Verifier:     "purge",
		}
		if _, err := s.ledger.AppendWarrant(w); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		warrants = append(warrants, w)
	}

	// Clear registry and tiers.
	for _, e := range entries {
		s.cache.Remove(e.FileID)
	}

	// Execute under normal (non-quiesced) rules.
	if err := s.ExitQuiesce(); err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, w := range warrants {
		if _, err := s.exec.Execute(w); err != nil {
			s.collector.IncExecutionFailure()
			errs = multierr.Append(errs, err)
			continue
		}
		s.collector.IncExecutionSuccess()
	}

	if err := s.ledger.RecordSystemEvent(types.SystemEvent{
		Type:  types.SystemEventPurgeEnd,
		At:    time.Now().Unix(),
		Actor: "evidenced",
	}); err != nil {
		errs = multierr.Append(errs, err)
	}
	s.publish(notify.EventPurgeEnd, nil)
	return errs
}

// JudgmentLog exposes the Court's telemetry log for the stats surfaces.
func (s *Service) JudgmentLog() []types.EvictionVerdict {
	return s.court.JudgmentLog()
}
