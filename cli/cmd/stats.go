package cmd

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tachfileto/evidenced/cli/render"
	"github.com/tachfileto/evidenced/iox"
	"github.com/tachfileto/evidenced/namingcontract"
	"github.com/tachfileto/evidenced/types"
)

// StatsCommand returns the stats command with subcommands.
// Stats returns aggregated, derived facts; all subcommands are
// read-only against the ledger and cache directory.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show aggregated statistics (cache, ledger)",
		Subcommands: []*cli.Command{
			statsCacheCommand(),
			statsLedgerCommand(),
		},
	}
}

// CacheStats summarizes the on-disk cache directory.
type CacheStats struct {
	CacheDir      string `json:"cache_dir"`
	OwnedFiles    int    `json:"owned_files"`
	ForeignFiles  int    `json:"foreign_files"`
	OwnedBytes    int64  `json:"owned_bytes"`
	ForeignBytes  int64  `json:"foreign_bytes"`
}

func statsCacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Summarize the cache directory (owned vs foreign files, byte totals)",
		Flags: TUIReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return exitf(1, "config: %v", err)
			}

			stats, err := collectCacheStats(cacheDirOf(cfg), namingOf(cfg))
			if err != nil {
				return exitf(1, "stats cache: %v", err)
			}

			r, err := render.NewRenderer(c)
			if err != nil {
				return exitf(1, "%v", err)
			}
			if c.Bool("tui") {
				return r.RenderTUI("stats_cache", stats)
			}
			return r.Render(stats)
		},
	}
}

func collectCacheStats(dir string, nc *namingcontract.Contract) (*CacheStats, error) {
	stats := &CacheStats{CacheDir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return nil, err
	}

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if nc.Classify(de.Name()) == namingcontract.Owned {
			stats.OwnedFiles++
			stats.OwnedBytes += info.Size()
		} else {
			stats.ForeignFiles++
			stats.ForeignBytes += info.Size()
		}
	}
	return stats, nil
}

// LedgerStats summarizes warrant and execution history.
type LedgerStats struct {
	Warrants        int `json:"warrants"`
	Pending         int `json:"pending"`
	HardDeletes     int `json:"hard_deletes"`
	SoftDeletes     int `json:"soft_deletes"`
	ExecutionEvents int `json:"execution_events"`
	Successes       int `json:"successes"`
	Failures        int `json:"failures"`
	SystemEvents    int `json:"system_events"`
}

func statsLedgerCommand() *cli.Command {
	return &cli.Command{
		Name:  "ledger",
		Usage: "Summarize the audit ledger (warrants, executions, system events)",
		Flags: TUIReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return exitf(1, "config: %v", err)
			}

			led, err := openLedger(cfg)
			if err != nil {
				return exitf(1, "open ledger: %v", err)
			}
			defer iox.DiscardClose(led)

			warrants, err := led.ListWarrants(0)
			if err != nil {
				return exitf(1, "list warrants: %v", err)
			}
			events, err := led.ListExecutionEvents(0)
			if err != nil {
				return exitf(1, "list events: %v", err)
			}
			sysEvents, err := led.ListSystemEvents(0)
			if err != nil {
				return exitf(1, "list system events: %v", err)
			}
			pending, err := led.GetPendingWarrants()
			if err != nil {
				return exitf(1, "pending warrants: %v", err)
			}

			stats := &LedgerStats{
				Warrants:        len(warrants),
				Pending:         len(pending),
				ExecutionEvents: len(events),
				SystemEvents:    len(sysEvents),
			}
			for _, w := range warrants {
				switch w.Action {
				case types.ActionHardDelete:
					stats.HardDeletes++
				case types.ActionSoftDelete:
					stats.SoftDeletes++
				}
			}
			for _, e := range events {
				if e.Result == types.ResultSuccess {
					stats.Successes++
				} else {
					stats.Failures++
				}
			}

			r, err := render.NewRenderer(c)
			if err != nil {
				return exitf(1, "%v", err)
			}
			if c.Bool("tui") {
				return r.RenderTUI("stats_ledger", stats)
			}
			return r.Render(stats)
		},
	}
}
