package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/tachfileto/evidenced/cli/render"
	"github.com/tachfileto/evidenced/types"
	"github.com/tachfileto/evidenced/workerproc"
)

// VersionResponse is the response for the version command.
// Reports the canonical project version plus the embedded worker bundle
// identity.
type VersionResponse struct {
	Version        string `json:"version"`
	Commit         string `json:"commit"`
	WorkerEmbedded bool   `json:"worker_embedded"`
	WorkerChecksum string `json:"worker_checksum,omitempty"`
	WorkerBytes    int    `json:"worker_bytes,omitempty"`
}

// VersionCommand returns the version command.
// It never spawns the worker; the embedded bundle is reported from the
// binary alone.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: ReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			resp := &VersionResponse{
				Version:        types.Version,
				Commit:         commit,
				WorkerEmbedded: workerproc.IsEmbedded(),
			}
			if resp.WorkerEmbedded {
				resp.WorkerChecksum = workerproc.EmbeddedChecksum()
				resp.WorkerBytes = workerproc.EmbeddedSize()
			}

			r, err := render.NewRenderer(c)
			if err != nil {
				return exitf(1, "%v", err)
			}
			return r.Render(resp)
		},
	}
}
