package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tachfileto/evidenced/cli/render"
	"github.com/tachfileto/evidenced/iox"
	"github.com/tachfileto/evidenced/namingcontract"
	"github.com/tachfileto/evidenced/types"
)

// listWarningThreshold is the number of items above which we warn about
// using --limit.
const listWarningThreshold = 100

// isStderrTTY returns true if stderr is a TTY.
func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// ListCommand returns the list command with subcommands.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List entities (warrants, events, files)",
		Subcommands: []*cli.Command{
			listWarrantsCommand(),
			listEventsCommand(),
			listFilesCommand(),
		},
	}
}

func listWarrantsCommand() *cli.Command {
	return &cli.Command{
		Name:  "warrants",
		Usage: "List warrants in nonce order",
		Flags: append(ReadOnlyFlags(), LimitFlag, &cli.BoolFlag{
			Name:  "pending",
			Usage: "Only warrants with no successful execution event",
		}),
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

			var warrants []types.ExecutionWarrant
			if c.Bool("pending") {
				warrants, err = led.GetPendingWarrants()
				if limit := c.Int("limit"); err == nil && limit > 0 && len(warrants) > limit {
					warrants = warrants[:limit]
				}
			} else {
				warrants, err = led.ListWarrants(c.Int("limit"))
			}
			if err != nil {
				return exitf(1, "list warrants: %v", err)
			}

			warnLargeList(len(warrants), c.Int("limit"))

			r, err := render.NewRenderer(c)
			if err != nil {
				return exitf(1, "%v", err)
			}
			return r.Render(warrants)
		},
	}
}

func listEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "List execution events in append order",
		Flags: append(ReadOnlyFlags(), LimitFlag),
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

			events, err := led.ListExecutionEvents(c.Int("limit"))
			if err != nil {
				return exitf(1, "list events: %v", err)
			}

			warnLargeList(len(events), c.Int("limit"))

			r, err := render.NewRenderer(c)
			if err != nil {
				return exitf(1, "%v", err)
			}
			return r.Render(events)
		},
	}
}

// FileRow is one cache-directory entry in list output.
type FileRow struct {
	Basename string `json:"basename"`
	Origin   string `json:"origin"`
	Bytes    int64  `json:"bytes"`
}

func listFilesCommand() *cli.Command {
	return &cli.Command{
		Name:  "files",
		Usage: "List cache-directory files with their Naming Contract classification",
		Flags: append(ReadOnlyFlags(), LimitFlag, &cli.BoolFlag{
			Name:  "owned",
			Usage: "Only files classified as Owned",
		}),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return exitf(1, "config: %v", err)
			}
			nc := namingOf(cfg)

			entries, err := os.ReadDir(cacheDirOf(cfg))
			if err != nil {
				if os.IsNotExist(err) {
					entries = nil
				} else {
					return exitf(1, "read cache dir: %v", err)
				}
			}

			limit := c.Int("limit")
			ownedOnly := c.Bool("owned")
			var rows []FileRow
			for _, de := range entries {
				if de.IsDir() {
					continue
				}
				origin := nc.Classify(de.Name())
				if ownedOnly && origin != namingcontract.Owned {
					continue
				}
				var size int64
				if info, err := de.Info(); err == nil {
					size = info.Size()
				}
				rows = append(rows, FileRow{
					Basename: de.Name(),
					Origin:   origin.String(),
					Bytes:    size,
				})
				if limit > 0 && len(rows) >= limit {
					break
				}
			}

			warnLargeList(len(rows), limit)

			r, err := render.NewRenderer(c)
			if err != nil {
				return exitf(1, "%v", err)
			}
			return r.Render(rows)
		},
	}
}

// warnLargeList nudges interactive users toward --limit on big outputs.
func warnLargeList(n, limit int) {
	if limit == 0 && n > listWarningThreshold && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "(%d items; use --limit to bound output)\n", n)
	}
}

// statFile returns the byte size of path.
func statFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
