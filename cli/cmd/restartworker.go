package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tachfileto/evidenced/workerproc"
)

// RestartWorkerCommand spawns a fresh worker process, performs the
// capability handshake, and shuts it down again. Used to verify a
// worker installation (or the embedded bundle) before serve, and as
// the offline counterpart of the serve-time restart_worker verb.
func RestartWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "restart-worker",
		Usage: "Spawn and handshake a worker process to verify it, then shut it down",
		Flags: []cli.Flag{ConfigFlag},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return exitf(1, "config: %v", err)
			}

			worker := workerproc.New(workerConfigOf(cfg))
			if err := worker.Start(c.Context); err != nil {
				return exitf(1, "worker start: %v", err)
			}

			fmt.Fprintf(os.Stderr, "worker up: pid=%d caps=%v max_memory_mb=%d\n",
				worker.PID(), worker.Capabilities(), worker.MaxMemoryMB())

			if _, err := worker.Shutdown(); err != nil {
				return exitf(1, "worker shutdown: %v", err)
			}
			fmt.Fprintln(os.Stderr, "worker shut down cleanly")
			return nil
		},
	}
}
