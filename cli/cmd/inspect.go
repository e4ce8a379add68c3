package cmd

import (
	"path/filepath"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/tachfileto/evidenced/cli/render"
	"github.com/tachfileto/evidenced/iox"
	"github.com/tachfileto/evidenced/types"
)

// InspectCommand returns the inspect command with subcommands.
// Inspect returns a deep view of a single entity.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a single entity (warrant, file)",
		Subcommands: []*cli.Command{
			inspectWarrantCommand(),
			inspectFileCommand(),
		},
	}
}

// WarrantView is the deep view of one warrant and its execution trail.
type WarrantView struct {
	Warrant   types.ExecutionWarrant `json:"warrant"`
	Committed bool                   `json:"committed"`
	Events    []types.ExecutionEvent `json:"events"`
}

func inspectWarrantCommand() *cli.Command {
	return &cli.Command{
		Name:      "warrant",
		Usage:     "Show a warrant and every execution event referencing it",
		ArgsUsage: "<nonce>",
		Flags:     TUIReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return exitf(1, "usage: inspect warrant <nonce>")
			}
			nonce, err := strconv.ParseUint(c.Args().First(), 10, 64)
			if err != nil {
				return exitf(1, "invalid nonce %q", c.Args().First())
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

			w, found, err := led.GetWarrant(nonce)
			if err != nil {
				return exitf(1, "get warrant: %v", err)
			}
			if !found {
				return exitf(1, "no warrant with nonce %d", nonce)
			}
			events, err := led.EventsForWarrant(nonce)
			if err != nil {
				return exitf(1, "events: %v", err)
			}
			committed, err := led.IsCommitted(nonce)
			if err != nil {
				return exitf(1, "committed: %v", err)
			}

			view := &WarrantView{Warrant: w, Committed: committed, Events: events}

			r, err := render.NewRenderer(c)
			if err != nil {
				return exitf(1, "%v", err)
			}
			if c.Bool("tui") {
				return r.RenderTUI("inspect_warrant", view)
			}
			return r.Render(view)
		},
	}
}

// FileView is the classification view of one on-disk basename.
type FileView struct {
	Basename string   `json:"basename"`
	Origin   string   `json:"origin"`
	Valid    bool     `json:"valid"`
	Reasons  []string `json:"reasons,omitempty"`
	Exists   bool     `json:"exists"`
	Bytes    int64    `json:"bytes,omitempty"`
}

func inspectFileCommand() *cli.Command {
	return &cli.Command{
		Name:      "file",
		Usage:     "Classify a cache-directory basename against the Naming Contract",
		ArgsUsage: "<basename>",
		Flags:     TUIReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return exitf(1, "usage: inspect file <basename>")
			}
			basename := filepath.Base(c.Args().First())

			cfg, err := loadConfig(c)
			if err != nil {
				return exitf(1, "config: %v", err)
			}
			nc := namingOf(cfg)

			valid, reasons := nc.Validate(basename)
			view := &FileView{
				Basename: basename,
				Origin:   nc.Classify(basename).String(),
				Valid:    valid,
				Reasons:  reasons,
			}
			if info, err := statFile(filepath.Join(cacheDirOf(cfg), basename)); err == nil {
				view.Exists = true
				view.Bytes = info
			}

			r, err := render.NewRenderer(c)
			if err != nil {
				return exitf(1, "%v", err)
			}
			if c.Bool("tui") {
				return r.RenderTUI("inspect_file", view)
			}
			return r.Render(view)
		},
	}
}
