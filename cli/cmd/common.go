package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tachfileto/evidenced/cli/config"
	"github.com/tachfileto/evidenced/court"
	"github.com/tachfileto/evidenced/ledger"
	"github.com/tachfileto/evidenced/namingcontract"
	"github.com/tachfileto/evidenced/runtime"
	"github.com/tachfileto/evidenced/workerproc"
)

// Built-in defaults for paths when neither config nor flags supply them.
const (
	defaultCacheDir   = "evidenced-cache"
	defaultLedgerPath = "evidenced-ledger.db"
)

// loadConfig reads the --config file. A missing file at the default
// location is not an error (all values have defaults); a missing file
// that was explicitly requested is.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if _, err := os.Stat(path); os.IsNotExist(err) && !c.IsSet("config") {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// cacheDirOf resolves the cache directory from config with fallback.
func cacheDirOf(cfg *config.Config) string {
	if cfg.CacheDir != "" {
		return cfg.CacheDir
	}
	return defaultCacheDir
}

// ledgerPathOf resolves the ledger path from config with fallback.
func ledgerPathOf(cfg *config.Config) string {
	if cfg.LedgerPath != "" {
		return cfg.LedgerPath
	}
	return defaultLedgerPath
}

// namingOf builds the frozen Naming Contract from config.
func namingOf(cfg *config.Config) *namingcontract.Contract {
	prefix := cfg.Naming.Prefix
	if prefix == "" {
		prefix = "EVR"
	}
	suffix := cfg.Naming.Suffix
	if suffix == "" {
		suffix = "evrcache"
	}
	return namingcontract.New(prefix, suffix)
}

// openLedger opens the audit ledger with the Naming Contract gate
// installed.
func openLedger(cfg *config.Config) (*ledger.Ledger, error) {
	led, err := ledger.Open(ledgerPathOf(cfg))
	if err != nil {
		return nil, err
	}
	nc := namingOf(cfg)
	led.RequireOwnedTargets(func(basename string) bool {
		return nc.Classify(basename) == namingcontract.Owned
	})
	return led, nil
}

// runtimeConfigOf maps the YAML config onto the runtime's Config.
func runtimeConfigOf(cfg *config.Config) runtime.Config {
	rc := runtime.Config{
		CacheDir:         cacheDirOf(cfg),
		LedgerPath:       ledgerPathOf(cfg),
		NamingPrefix:     cfg.Naming.Prefix,
		NamingSuffix:     cfg.Naming.Suffix,
		NamingTag:        cfg.Naming.Tag,
		MaxSemanticBytes: cfg.Cache.MaxSemanticBytes,
		MaxImageBytes:    cfg.Cache.MaxImageBytes,
		RequestTimeout:   cfg.RequestTimeout.Duration,
		EvictionInterval: cfg.EvictionInterval.Duration,
		Worker: workerproc.Config{
			WorkerPath:       cfg.Worker.Path,
			NodePath:         cfg.Worker.NodePath,
			ResolveFrom:      cfg.Worker.ResolveFrom,
			HandshakeTimeout: cfg.Worker.HandshakeTimeout.Duration,
			ShutdownGrace:    cfg.Worker.ShutdownGrace.Duration,
			CapsRequested:    cfg.Worker.Caps,
		},
	}
	if cfg.Court.Set() {
		rc.CourtWeights = court.Weights{
			Size:     cfg.Court.SizeWeight,
			Age:      cfg.Court.AgeWeight,
			Viewport: cfg.Court.ViewportWeight,
			Entropy:  cfg.Court.EntropyWeight,
		}
	}
	return rc
}

// workerConfigOf maps the YAML worker section onto workerproc.Config.
func workerConfigOf(cfg *config.Config) workerproc.Config {
	return workerproc.Config{
		WorkerPath:       cfg.Worker.Path,
		NodePath:         cfg.Worker.NodePath,
		ResolveFrom:      cfg.Worker.ResolveFrom,
		HandshakeTimeout: cfg.Worker.HandshakeTimeout.Duration,
		ShutdownGrace:    cfg.Worker.ShutdownGrace.Duration,
		CapsRequested:    cfg.Worker.Caps,
	}
}

// exitf wraps an error message with a CLI exit code.
func exitf(code int, format string, args ...any) error {
	return cli.Exit(fmt.Sprintf(format, args...), code)
}

// nowUnix is the CLI's clock; a variable for tests.
var nowUnix = func() int64 { return time.Now().Unix() }
