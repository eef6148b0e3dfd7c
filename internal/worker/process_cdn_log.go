// Package worker contains the background job that turns CDN log files
// into ledger rows.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pkgdex/registry/internal/cdnlog"
	"github.com/pkgdex/registry/internal/config"
	"github.com/pkgdex/registry/internal/downloads"
	"github.com/pkgdex/registry/internal/observability"
	"github.com/pkgdex/registry/internal/storage"
)

const jobName = "process_cdn_log"

// LedgerStore is what the job needs from the persistence layer.
type LedgerStore interface {
	SaveDownloads(ctx context.Context, counts *cdnlog.DownloadsMap) ([]downloads.UnmatchedPair, error)
}

// CDNLogPayload identifies one log file. Region and bucket travel with
// the payload because log files are not assumed to share a single
// bucket or region.
type CDNLogPayload struct {
	Region string `json:"region"`
	Bucket string `json:"bucket"`
	Path   string `json:"path"`
}

// ParsePayload decodes and validates a queued job payload.
func ParsePayload(body []byte) (CDNLogPayload, error) {
	var p CDNLogPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return CDNLogPayload{}, fmt.Errorf("decode job payload: %w", err)
	}
	if p.Path == "" {
		return CDNLogPayload{}, fmt.Errorf("job payload has no path")
	}
	return p, nil
}

// ProcessCDNLogJob loads a CDN log file from object storage, counts
// downloads per package version and day, and either persists the result
// into the ledger (write mode) or logs the top downloads (report-only
// mode).
type ProcessCDNLogJob struct {
	cfg     *config.Config
	ledger  LedgerStore
	logger  observability.Logger
	metrics observability.Metrics

	// newStore is swapped out in tests to inject a seeded store.
	newStore func(cfg *config.StorageConfig, region, bucket string, logger observability.Logger) (storage.ObjectStore, error)
}

func NewProcessCDNLogJob(cfg *config.Config, ledger LedgerStore, logger observability.Logger, metrics observability.Metrics) *ProcessCDNLogJob {
	return &ProcessCDNLogJob{
		cfg:      cfg,
		ledger:   ledger,
		logger:   logger,
		metrics:  metrics,
		newStore: storage.NewStore,
	}
}

// Run processes one log file. Either the whole file's counts are merged
// durably or nothing is: every phase before the merge is side-effect
// free, and the merge itself is one transaction.
func (j *ProcessCDNLogJob) Run(ctx context.Context, payload CDNLogPayload) error {
	log := j.logger.WithFields(map[string]interface{}{
		"job":    jobName,
		"run_id": uuid.NewString(),
		"path":   payload.Path,
	})

	j.metrics.StartOperation(jobName)
	defer j.metrics.EndOperation(jobName)
	start := time.Now()
	defer func() {
		j.metrics.RecordDuration(jobName, time.Since(start).Seconds())
	}()

	// The store is rebuilt per run because region and bucket come from
	// the payload, and credentials must not outlive the run.
	store, err := j.newStore(&j.cfg.Storage, payload.Region, payload.Bucket, log)
	if err != nil {
		j.metrics.RecordError(jobName, "store_setup")
		return fmt.Errorf("build object store: %w", err)
	}

	counts, err := j.loadAndCount(ctx, store, payload.Path)
	if err != nil {
		j.metrics.RecordError(jobName, "load_and_count")
		return err
	}

	if counts.IsEmpty() {
		log.Info("no downloads found in log file")
		j.metrics.RecordSuccess(jobName)
		return nil
	}

	log.Info("counted downloads",
		"total_downloads", counts.SumDownloads(),
		"packages", counts.UniquePackages(),
		"ledger_rows", counts.Len())

	if j.cfg.Worker.CountingEnabled {
		unmatched, err := j.ledger.SaveDownloads(ctx, counts)
		if err != nil {
			j.metrics.RecordError(jobName, "persistence")
			return fmt.Errorf("save downloads: %w", err)
		}
		if len(unmatched) > 0 {
			log.Warn("skipped downloads for unknown package versions",
				"unmatched", formatUnmatched(unmatched))
		}
	} else {
		j.logTopDownloads(counts, j.cfg.Worker.TopDownloads, log)
	}

	j.metrics.RecordSuccess(jobName)
	return nil
}

func (j *ProcessCDNLogJob) loadAndCount(ctx context.Context, store storage.ObjectStore, path string) (*cdnlog.DownloadsMap, error) {
	meta, err := store.Head(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("request metadata for %q: %w", path, err)
	}
	j.metrics.RecordFileSize("cdn_log", meta.Size)

	body, err := store.Open(ctx, path, meta)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer body.Close()

	reader, err := cdnlog.NewDecompressor(bufio.NewReader(body), cdnlog.Extension(path))
	if err != nil {
		return nil, fmt.Errorf("select decompressor for %q: %w", path, err)
	}
	defer reader.Close()

	return cdnlog.CountDownloads(reader)
}

func (j *ProcessCDNLogJob) logTopDownloads(counts *cdnlog.DownloadsMap, n int, log observability.Logger) {
	top := counts.Top(n)
	lines := make([]string, len(top))
	for i, e := range top {
		lines[i] = fmt.Sprintf("%s  %s@%s .. %d",
			e.Date.Format("2006-01-02"), e.Name, e.Version, e.Downloads)
	}
	log.Info("top downloads", "n", n, "downloads", lines)
}

func formatUnmatched(pairs []downloads.UnmatchedPair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.String()
	}
	return out
}
