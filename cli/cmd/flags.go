// Package cmd provides CLI commands for the evidenced binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	// Only inspect and stats act on it; the other read-only commands
	// accept the flag and ignore it.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (inspect, stats only)",
	}

	// ConfigFlag points at the YAML config file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to evidenced.yaml",
		Value:   "evidenced.yaml",
	}

	// LimitFlag bounds list output.
	LimitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "Maximum number of items to return (0 = all)",
	}
)

// ReadOnlyFlags returns the standard flag set for read-only commands.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{ConfigFlag, FormatFlag, NoColorFlag, TUIFlag}
}

// TUIReadOnlyFlags returns flags for commands where TUI is meaningful.
func TUIReadOnlyFlags() []cli.Flag {
	return []cli.Flag{ConfigFlag, FormatFlag, NoColorFlag, TUIFlag}
}
