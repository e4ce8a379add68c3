package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tachfileto/evidenced/cli/render"
	"github.com/tachfileto/evidenced/iox"
	"github.com/tachfileto/evidenced/types"
	"github.com/tachfileto/evidenced/workerrpc"
)

// DebugCommand returns the debug command with subcommands.
// Debug commands are opt-in diagnostic tools; all are read-only.
func DebugCommand() *cli.Command {
	return &cli.Command{
		Name:  "debug",
		Usage: "Diagnostic tools (classify, fingerprint, frames)",
		Subcommands: []*cli.Command{
			debugClassifyCommand(),
			debugFingerprintCommand(),
			debugFramesCommand(),
		},
	}
}

func debugClassifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "classify",
		Usage:     "Classify basenames against the Naming Contract",
		ArgsUsage: "<basename>...",
		Flags:     ReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return exitf(1, "usage: debug classify <basename>...")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return exitf(1, "config: %v", err)
			}
			nc := namingOf(cfg)

			var rows []FileView
			for _, arg := range c.Args().Slice() {
				valid, reasons := nc.Validate(arg)
				rows = append(rows, FileView{
					Basename: arg,
					Origin:   nc.Classify(arg).String(),
					Valid:    valid,
					Reasons:  reasons,
				})
			}

			r, err := render.NewRenderer(c)
			if err != nil {
				return exitf(1, "%v", err)
			}
			return r.Render(rows)
		},
	}
}

// FingerprintView is the debug fingerprint output.
type FingerprintView struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	Bytes       int64  `json:"bytes"`
}

func debugFingerprintCommand() *cli.Command {
	return &cli.Command{
		Name:      "fingerprint",
		Usage:     "Compute the streaming content fingerprint of a file",
		ArgsUsage: "<path>",
		Flags:     ReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return exitf(1, "usage: debug fingerprint <path>")
			}
			path := c.Args().First()

			f, err := os.Open(path)
			if err != nil {
				return exitf(1, "open: %v", err)
			}
			defer iox.DiscardClose(f)

			fp, err := types.FileFingerprint(f)
			if err != nil {
				return exitf(1, "fingerprint: %v", err)
			}
			size, _ := statFile(path)

			r, err := render.NewRenderer(c)
			if err != nil {
				return exitf(1, "%v", err)
			}
			return r.Render(&FingerprintView{Path: path, Fingerprint: fp, Bytes: size})
		},
	}
}

// FrameView summarizes one decoded frame from a captured stream.
type FrameView struct {
	Index       int    `json:"index"`
	Type        string `json:"type"`
	MessageID   string `json:"message_id"`
	TimestampMs int64  `json:"timestamp_ms"`
	PayloadKeys int    `json:"payload_keys"`
	Error       string `json:"error,omitempty"`
}

func debugFramesCommand() *cli.Command {
	return &cli.Command{
		Name:      "frames",
		Usage:     "Decode a captured worker RPC stream and summarize each frame",
		ArgsUsage: "<capture-file>",
		Flags:     ReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return exitf(1, "usage: debug frames <capture-file>")
			}

			f, err := os.Open(c.Args().First())
			if err != nil {
				return exitf(1, "open: %v", err)
			}
			defer iox.DiscardClose(f)

			dec := workerrpc.NewFrameDecoder(f)
			var rows []FrameView
			for i := 0; ; i++ {
				env, err := dec.ReadEnvelope()
				if err != nil {
					if workerrpc.IsFatalFrameError(err) {
						rows = append(rows, FrameView{Index: i, Error: err.Error()})
					}
					break
				}
				rows = append(rows, FrameView{
					Index:       i,
					Type:        string(env.Type),
					MessageID:   env.MessageID,
					TimestampMs: env.TimestampMs,
					PayloadKeys: len(env.Payload),
				})
			}

			if len(rows) == 0 {
				fmt.Fprintln(os.Stderr, "(no frames)")
				return nil
			}

			r, err := render.NewRenderer(c)
			if err != nil {
				return exitf(1, "%v", err)
			}
			return r.Render(rows)
		},
	}
}
