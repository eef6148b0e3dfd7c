// Package downloads persists aggregated CDN download counts into the
// version_downloads ledger.
package downloads

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/pkgdex/registry/internal/cdnlog"
	"github.com/pkgdex/registry/internal/observability"
)

// Postgres caps bind parameters at 65535 per statement; four columns per
// row leaves plenty of headroom at this batch size.
const stagingBatchSize = 5000

// UnmatchedPair is a (name, version) seen in a log file but absent from
// the package catalog at merge time. Expected for yanked or deleted
// versions; reported, never persisted.
type UnmatchedPair struct {
	Name    string `db:"name"`
	Version string `db:"version"`
}

func (p UnmatchedPair) String() string {
	return p.Name + "@" + p.Version
}

// LedgerStore merges download aggregates into the permanent ledger.
type LedgerStore struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.Metrics
}

func NewLedgerStore(db *sqlx.DB, logger observability.Logger, metrics observability.Metrics) *LedgerStore {
	return &LedgerStore{
		db:      db,
		logger:  logger.WithFields(map[string]interface{}{"component": "ledger_store"}),
		metrics: metrics,
	}
}

// SaveDownloads writes every entry of the aggregate into the ledger in a
// single transaction: stage into a transaction-scoped temp table, then
// merge into version_downloads additively. On conflict the staged count
// is added to the existing counter, never replacing it. Rows whose
// (name, version) has no catalog match are returned instead of written.
//
// The merge is intentionally not idempotent: re-running with the same
// aggregate adds the counts again. Deduplicating processed log files is
// the caller's responsibility.
func (s *LedgerStore) SaveDownloads(ctx context.Context, counts *cdnlog.DownloadsMap) ([]UnmatchedPair, error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("save_downloads", time.Since(start).Seconds())
	}()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.metrics.RecordError("save_downloads", "begin_tx")
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	// No-op after a successful commit.
	defer tx.Rollback()

	s.logger.Debug("creating temp_downloads table")
	if err := createStagingTable(ctx, tx); err != nil {
		s.metrics.RecordError("save_downloads", "staging_create")
		return nil, fmt.Errorf("create temp_downloads table: %w", err)
	}

	s.logger.Debug("filling temp_downloads table", "rows", counts.Len())
	if err := fillStagingTable(ctx, tx, counts.Entries()); err != nil {
		s.metrics.RecordError("save_downloads", "staging_fill")
		return nil, fmt.Errorf("fill temp_downloads table: %w", err)
	}

	s.logger.Debug("merging temp_downloads into version_downloads")
	unmatched, err := mergeStagingTable(ctx, tx)
	if err != nil {
		s.metrics.RecordError("save_downloads", "merge")
		return nil, fmt.Errorf("merge temp_downloads into version_downloads: %w", err)
	}

	if err := tx.Commit(); err != nil {
		s.metrics.RecordError("save_downloads", "commit")
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.metrics.RecordSuccess("save_downloads")
	return unmatched, nil
}

// The staging table is dropped when the transaction ends. That matters
// with a connection pool: a plain temp table would outlive the job on
// the pooled connection and collide with the next run sharing it.
const createStagingTableSQL = `
	CREATE TEMPORARY TABLE temp_downloads (
		name VARCHAR NOT NULL,
		version VARCHAR NOT NULL,
		date DATE NOT NULL,
		downloads BIGINT NOT NULL
	) ON COMMIT DROP
`

func createStagingTable(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, createStagingTableSQL)
	return err
}

func fillStagingTable(ctx context.Context, tx *sqlx.Tx, entries []cdnlog.Entry) error {
	for _, batch := range chunkEntries(entries, stagingBatchSize) {
		query, args, err := stagingInsert(batch)
		if err != nil {
			return fmt.Errorf("build staging insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

func stagingInsert(entries []cdnlog.Entry) (string, []interface{}, error) {
	ins := squirrel.StatementBuilder.
		PlaceholderFormat(squirrel.Dollar).
		Insert("temp_downloads").
		Columns("name", "version", "date", "downloads")
	for _, e := range entries {
		ins = ins.Values(e.Name, e.Version, e.Date, e.Downloads)
	}
	return ins.ToSql()
}

func chunkEntries(entries []cdnlog.Entry, size int) [][]cdnlog.Entry {
	var chunks [][]cdnlog.Entry
	for len(entries) > size {
		chunks = append(chunks, entries[:size])
		entries = entries[size:]
	}
	if len(entries) > 0 {
		chunks = append(chunks, entries)
	}
	return chunks
}

// mergeSQL resolves each staged row against the catalog and upserts the
// ledger. Inserting directly into version_downloads is not possible
// because the version id requires the join through packages. The
// ON CONFLICT arm adds to the existing counter; postgres resolves the
// conflict atomically, so concurrent merges against the same
// (version_id, date) stay correct without external locking. Rows that
// fail the join come back as the query result.
const mergeSQL = `
	WITH joined AS (
		SELECT versions.id AS version_id, temp_downloads.*
		FROM temp_downloads
		LEFT JOIN packages ON packages.name = temp_downloads.name
		LEFT JOIN versions ON versions.num = temp_downloads.version
			AND versions.package_id = packages.id
	), inserted AS (
		INSERT INTO version_downloads (version_id, date, downloads)
		SELECT joined.version_id, joined.date, joined.downloads
		FROM joined
		WHERE joined.version_id IS NOT NULL
		ON CONFLICT (version_id, date)
		DO UPDATE SET downloads = version_downloads.downloads + EXCLUDED.downloads
		RETURNING version_downloads.version_id
	)
	SELECT joined.name, joined.version
	FROM joined
	WHERE joined.version_id IS NULL
`

func mergeStagingTable(ctx context.Context, tx *sqlx.Tx) ([]UnmatchedPair, error) {
	var unmatched []UnmatchedPair
	if err := tx.SelectContext(ctx, &unmatched, mergeSQL); err != nil {
		return nil, err
	}
	return unmatched, nil
}
