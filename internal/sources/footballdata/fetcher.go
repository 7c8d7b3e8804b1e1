package footballdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/uptrace/bun"

	"github.com/socascores/ingester/internal/artifact"
	"github.com/socascores/ingester/internal/catalog"
	"github.com/socascores/ingester/internal/logging"
	"github.com/socascores/ingester/internal/models"
	"github.com/socascores/ingester/internal/repositories"
)

// FetchError reports a catalog entry that could not be retrieved after retries.
type FetchError struct {
	League string
	Season string
	Cause  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s/%s: %v", e.League, e.Season, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// Result is the outcome of one catalog entry.
type Result struct {
	Entry    catalog.SourceEntry
	Artifact *models.RawArtifact
	Err      error
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Workers int
	// DB, when set, receives a lineage row per stored artifact.
	DB     bun.IDB
	Logger *logging.Logger
	Now    func() time.Time
}

// Fetcher turns catalog entries into stored raw artifacts.
type Fetcher struct {
	client  *Client
	store   *artifact.Store
	db      bun.IDB
	workers int
	logger  *logging.Logger
	now     func() time.Time
}

// NewFetcher creates a new fetcher.
func NewFetcher(client *Client, store *artifact.Store, cfg FetcherConfig) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Fetcher{
		client:  client,
		store:   store,
		db:      cfg.DB,
		workers: workers,
		logger:  logger,
		now:     now,
	}
}

// Fetch downloads one entry and writes exactly one new artifact on success.
// Nothing is written on failure.
func (f *Fetcher) Fetch(ctx context.Context, entry catalog.SourceEntry) (*models.RawArtifact, error) {
	payload, err := f.client.Download(ctx, entry.URL)
	if err != nil {
		return nil, &FetchError{League: entry.LeagueID, Season: entry.SeasonID, Cause: err}
	}

	layout, err := Inspect(payload.Body)
	if err != nil {
		return nil, &FetchError{League: entry.LeagueID, Season: entry.SeasonID, Cause: err}
	}

	meta := models.RawArtifact{
		LeagueID:    entry.LeagueID,
		SeasonID:    entry.SeasonID,
		SourceURL:   entry.URL,
		SchemaHint:  entry.SchemaHint,
		FetchedAt:   f.now(),
		RawColumns:  models.StringArray(layout.Columns),
		RowCount:    layout.RowCount,
		ContentHash: payload.Hash,
		Encoding:    payload.Encoding,
	}
	stored, err := f.store.Write(meta, payload.Body)
	if err != nil {
		return nil, &FetchError{League: entry.LeagueID, Season: entry.SeasonID, Cause: err}
	}

	if f.db != nil {
		if err := repositories.RegisterArtifact(ctx, f.db, stored); err != nil {
			// The file is the source of truth; lineage registration is best effort.
			f.logger.Warn("register artifact failed", "artifact_id", stored.ID, "error", err)
		}
	}

	f.logger.Info("artifact stored",
		"league", entry.LeagueID,
		"season", entry.SeasonID,
		"artifact_id", stored.ID,
		"rows", stored.RowCount,
		"encoding", stored.Encoding,
		"bytes", stored.SizeBytes,
	)
	return stored, nil
}

// FetchAll fetches entries on a bounded worker pool. Results come back in
// the order of entries; one failure never cancels the others.
func (f *Fetcher) FetchAll(ctx context.Context, entries []catalog.SourceEntry) ([]Result, error) {
	results := make([]Result, len(entries))
	if len(entries) == 0 {
		return results, nil
	}

	pool, err := ants.NewPool(min(f.workers, len(entries)))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	var workers sync.WaitGroup
	for i, entry := range entries {
		i, entry := i, entry
		results[i].Entry = entry
		workers.Add(1)
		if err := pool.Submit(func() {
			defer workers.Done()
			a, err := f.Fetch(ctx, entry)
			results[i].Artifact = a
			results[i].Err = err
		}); err != nil {
			workers.Done()
			results[i].Err = &FetchError{League: entry.LeagueID, Season: entry.SeasonID, Cause: fmt.Errorf("submit task to worker pool: %w", err)}
		}
	}
	workers.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			f.logger.Error("fetch failed", "league", r.Entry.LeagueID, "season", r.Entry.SeasonID, "error", r.Err)
		}
	}
	f.logger.Info("fetch finished", "entries", len(entries), "failed", failed)
	return results, nil
}
