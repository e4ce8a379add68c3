package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tachfileto/evidenced/cli/config"
	"github.com/tachfileto/evidenced/iox"
	"github.com/tachfileto/evidenced/metrics"
	"github.com/tachfileto/evidenced/notify/webhook"
	"github.com/tachfileto/evidenced/runtime"
	"github.com/tachfileto/evidenced/tablearchive"
	"github.com/tachfileto/evidenced/types"
)

// ServeCommand runs the Evidence Runtime, speaking line-delimited JSON
// verbs on stdin/stdout. This is the process boundary the UI host
// embeds: no network listener, one request object per line in, one
// response object per line out.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the evidence runtime (line-delimited JSON verbs on stdin/stdout)",
		Flags: []cli.Flag{ConfigFlag},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return exitf(1, "config: %v", err)
			}
			return serve(c.Context, cfg)
		},
	}
}

// verbRequest is one inbound UI verb.
type verbRequest struct {
	Verb string `json:"verb"`

	// extract_evidence / parse_table
	FilePath  string     `json:"file_path,omitempty"`
	PageIndex int        `json:"page_index,omitempty"`
	BBox      *types.BBox `json:"bbox,omitempty"`
	DPI       int        `json:"dpi,omitempty"`
	Format    string     `json:"fmt,omitempty"`
	Quality   int        `json:"quality,omitempty"`
	Pinned    bool       `json:"pinned,omitempty"`

	// parse_table
	Confidence float64 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`

	// update_user_intent
	CurrentPage   int     `json:"current_page,omitempty"`
	Velocity      float64 `json:"velocity,omitempty"`
	ViewportStart int     `json:"viewport_start,omitempty"`
	ViewportEnd   int     `json:"viewport_end,omitempty"`
}

// verbResponse is one outbound reply.
type verbResponse struct {
	Verb  string `json:"verb"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Evidence *runtime.EvidenceResponse `json:"evidence,omitempty"`
	Health   *types.Health             `json:"health,omitempty"`
	Table    map[string]any            `json:"table,omitempty"`
}

func serve(parent context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cacheDirOf(cfg), 0o755); err != nil {
		return exitf(1, "create cache dir: %v", err)
	}

	rc := runtimeConfigOf(cfg)

	if cfg.Archive.Enabled {
		client, err := archiveClientOf(cfg)
		if err != nil {
			return exitf(1, "archive: %v", err)
		}
		archive := tablearchive.NewArchive(client, metrics.NewCollector())
		defer iox.DiscardClose(archive)
		rc.TableSink = archive
	}

	if cfg.Notify.URL != "" {
		retries := webhook.DefaultRetries
		if cfg.Notify.Retries != nil {
			retries = *cfg.Notify.Retries
		}
		notifier, err := webhook.New(webhook.Config{
			URL:     cfg.Notify.URL,
			Headers: cfg.Notify.Headers,
			Timeout: cfg.Notify.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return exitf(1, "notify: %v", err)
		}
		defer iox.DiscardClose(notifier)
		rc.Notifier = notifier
	}

	svc, err := runtime.New(rc)
	if err != nil {
		return exitf(1, "runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := svc.Start(ctx)
	if err != nil {
		// Ledger integrity violations and janitor failures refuse startup.
		return exitf(2, "startup reconciliation failed: %v", err)
	}
	defer iox.DiscardClose(svc)

	fmt.Fprintf(os.Stderr, "evidenced ready (zombies=%d ghosts=%d protected=%d)\n",
		report.ZombiesRecovered, report.GhostsDeleted, report.AliensProtected)

	out := json.NewEncoder(os.Stdout)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req verbRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = out.Encode(verbResponse{OK: false, Error: fmt.Sprintf("bad request: %v", err)})
			continue
		}
		if req.Verb == "shutdown" {
			_ = out.Encode(verbResponse{Verb: req.Verb, OK: true})
			return nil
		}
		_ = out.Encode(handleVerb(ctx, svc, req))
	}
	return scanner.Err()
}

func handleVerb(ctx context.Context, svc *runtime.Service, req verbRequest) verbResponse {
	resp := verbResponse{Verb: req.Verb}

	switch req.Verb {
	case "extract_evidence":
		var bbox types.BBox
		if req.BBox != nil {
			bbox = *req.BBox
		}
		evidence := svc.ExtractEvidence(ctx, runtime.EvidenceRequest{
			FilePath:  req.FilePath,
			PageIndex: req.PageIndex,
			BBox:      bbox,
			DPI:       req.DPI,
			Format:    req.Format,
			Quality:   req.Quality,
			Pinned:    req.Pinned,
		})
		resp.OK = evidence.Status == runtime.StatusSuccess
		resp.Evidence = &evidence
		if evidence.Status == runtime.StatusFailed {
			resp.Error = evidence.Message
		}

	case "parse_table":
		table, err := svc.ParseTable(ctx, req.FilePath, req.PageIndex, req.BBox, req.Confidence, req.Language)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
			resp.Table = table
		}

	case "get_health":
		health := svc.GetHealth()
		resp.OK = true
		resp.Health = &health

	case "update_user_intent":
		svc.UpdateUserIntent(req.CurrentPage, req.Velocity, req.ViewportStart, req.ViewportEnd)
		resp.OK = true

	case "set_prefetch_source":
		svc.SetPrefetchSource(req.FilePath, req.DPI)
		resp.OK = true

	case "clear_cache":
		if err := svc.ClearCache(); err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
		}

	case "restart_worker":
		if err := svc.RestartWorker(ctx); err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
		}

	default:
		resp.Error = fmt.Sprintf("unknown verb %q", req.Verb)
	}
	return resp
}

// archiveClientOf builds the table archive client from config.
func archiveClientOf(cfg *config.Config) (tablearchive.Client, error) {
	acfg := tablearchive.Config{Dataset: cfg.Archive.Dataset}

	if cfg.Archive.Backend == "s3" {
		bucket, prefix := tablearchive.ParseS3Path(cfg.Archive.Path)
		return tablearchive.NewLodeS3Client(acfg, tablearchive.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Archive.Region,
			Endpoint:     cfg.Archive.Endpoint,
			UsePathStyle: cfg.Archive.S3PathStyle,
		})
	}

	root := cfg.Archive.Path
	if root == "" {
		root = "evidenced-archive"
	}
	return tablearchive.NewLodeClient(acfg, root)
}
