package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tachfileto/evidenced/executioner"
	"github.com/tachfileto/evidenced/iox"
	"github.com/tachfileto/evidenced/namingcontract"
	"github.com/tachfileto/evidenced/registry"
	"github.com/tachfileto/evidenced/types"
)

// ClearCacheCommand purges every Owned file from the cache directory,
// leaving the full warrant/execution trail in the ledger. This is the
// offline clear_cache(): it must not run concurrently with serve.
// Foreign files are never touched.
func ClearCacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear-cache",
		Usage: "Delete every Owned cache artifact under warrant (requires --yes)",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.BoolFlag{
				Name:  "yes",
				Usage: "Confirm the purge",
			},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("yes") {
				return exitf(1, "clear-cache is destructive; re-run with --yes to confirm")
			}

			cfg, err := loadConfig(c)
			if err != nil {
				return exitf(1, "config: %v", err)
			}

			led, err := openLedger(cfg)
			if err != nil {
				return exitf(1, "open ledger: %v", err)
			}
			defer iox.DiscardClose(led)

			nc := namingOf(cfg)
			cacheDir := cacheDirOf(cfg)
			reg := registry.New()
			exec := executioner.New(led, reg, nc, nil, cacheDir, "cli", nowUnix)

			entries, err := os.ReadDir(cacheDir)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(os.Stderr, "cache directory does not exist; nothing to purge")
					return nil
				}
				return exitf(1, "read cache dir: %v", err)
			}

			if err := led.RecordSystemEvent(types.SystemEvent{
				Type: types.SystemEventPurgeBegin, At: nowUnix(), Actor: "cli",
			}); err != nil {
				return exitf(1, "record purge begin: %v", err)
			}

			nonce := uint64(nowUnix()) << 16
			deleted, protected, failed := 0, 0, 0
			for _, de := range entries {
				if de.IsDir() {
					continue
				}
				basename := de.Name()
				if nc.Classify(basename) != namingcontract.Owned {
					protected++
					continue
				}

				nonce++
				w := types.ExecutionWarrant{
					Nonce:        nonce,
					Target:       basename,
					Action:       types.ActionHardDelete,
					Reason:       "purge_all (cli)",
					IssuedAtUnix: nowUnix(),
					Verifier:     "cli",
				}
				if _, err := led.AppendWarrant(w); err != nil {
					fmt.Fprintf(os.Stderr, "warrant for %s: %v\n", basename, err)
					failed++
					continue
				}
				if _, err := exec.Execute(w); err != nil {
					fmt.Fprintf(os.Stderr, "execute for %s: %v\n", basename, err)
					failed++
					continue
				}
				deleted++
			}

			if err := led.RecordSystemEvent(types.SystemEvent{
				Type: types.SystemEventPurgeEnd, At: nowUnix(), Actor: "cli",
			}); err != nil {
				return exitf(1, "record purge end: %v", err)
			}

			fmt.Fprintf(os.Stderr, "purged %d owned files (%d foreign protected, %d failed)\n",
				deleted, protected, failed)
			if failed > 0 {
				return exitf(1, "%d deletions failed; warrants remain pending for the janitor", failed)
			}
			return nil
		},
	}
}
