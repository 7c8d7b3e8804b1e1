// Package pipeline wires the ingestion stages together and records what
// each invocation did.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/socascores/ingester/internal/artifact"
	"github.com/socascores/ingester/internal/catalog"
	"github.com/socascores/ingester/internal/clean"
	"github.com/socascores/ingester/internal/config"
	"github.com/socascores/ingester/internal/ingesterr"
	"github.com/socascores/ingester/internal/loader"
	"github.com/socascores/ingester/internal/logging"
	"github.com/socascores/ingester/internal/merge"
	"github.com/socascores/ingester/internal/models"
	"github.com/socascores/ingester/internal/ratelimit"
	"github.com/socascores/ingester/internal/repositories"
	"github.com/socascores/ingester/internal/schema"
	"github.com/socascores/ingester/internal/sources/footballdata"
)

// Stage names, as used by the command line and in run records.
const (
	StageFetch     = "fetch"
	StageReconcile = "reconcile"
	StageMerge     = "merge"
	StageClean     = "clean"
	StageLoad      = "load"
	StageRun       = "run"
	StageRetract   = "retract"
)

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithHTTPClient replaces the download client's transport.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) { p.httpClient = c }
}

// WithClock replaces the wall clock used for fetch times and run records.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline runs the stages against one configuration. The store is
// optional for fetch, reconcile, merge and clean.
type Pipeline struct {
	cfg        *config.Config
	db         *bun.DB
	logger     *logging.Logger
	httpClient *http.Client
	now        func() time.Time

	store      *artifact.Store
	workspace  *Workspace
	fetcher    *footballdata.Fetcher
	reconciler *schema.Reconciler
	merger     *merge.Merger
	cleaner    *clean.Cleaner
	loader     *loader.Loader
}

func New(cfg *config.Config, db *bun.DB, logger *logging.Logger, opts ...Option) (*Pipeline, error) {
	if logger == nil {
		logger = logging.Default()
	}
	p := &Pipeline{
		cfg:    cfg,
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}

	limits, err := ratelimit.LoadSourceConfigsFile(cfg.Fetch.RateLimitFile)
	if err != nil {
		return nil, err
	}

	canonical := schema.Default()
	if cfg.Reconcile.SchemaFile != "" {
		if canonical, err = schema.LoadFile(cfg.Reconcile.SchemaFile); err != nil {
			return nil, err
		}
	}

	dict := clean.DefaultDictionary(cfg.Clean.AllowUnlisted)
	if cfg.Clean.TeamsFile != "" {
		if dict, err = clean.LoadDictionaryFile(cfg.Clean.TeamsFile, cfg.Clean.AllowUnlisted); err != nil {
			return nil, err
		}
	}

	p.store = artifact.NewStore(cfg.Paths.RawDir)
	p.workspace = NewWorkspace(cfg.Paths.WorkDir)

	client := footballdata.NewClient(footballdata.ClientConfig{
		HTTPClient: p.httpClient,
		Timeout:    cfg.Fetch.Timeout,
		UserAgent:  cfg.Fetch.UserAgent,
		Limiters:   ratelimit.NewRegistry(limits),
		Logger:     logger.With("stage", StageFetch),
	})
	fetchCfg := footballdata.FetcherConfig{
		Workers: cfg.Fetch.Workers,
		Logger:  logger.With("stage", StageFetch),
		Now:     p.now,
	}
	if db != nil {
		fetchCfg.DB = db
	}
	p.fetcher = footballdata.NewFetcher(client, p.store, fetchCfg)

	p.reconciler = schema.NewReconciler(canonical,
		schema.Policy{MaxFailedRowRatio: cfg.Reconcile.MaxFailedRowRatio},
		logger.With("stage", StageReconcile))
	p.merger = merge.NewMerger(canonical, logger.With("stage", StageMerge))
	p.cleaner = clean.NewCleaner(clean.Config{
		Dictionary:  dict,
		DateLayouts: cfg.Clean.DateLayouts,
	}, logger.With("stage", StageClean))

	if db != nil {
		p.loader = loader.NewLoader(db, loader.Config{
			MaxRetries:     cfg.Load.MaxRetries,
			InitialBackoff: cfg.Load.InitialBackoff,
			MaxBackoff:     cfg.Load.MaxBackoff,
		}, logger.With("stage", StageLoad))
	}
	return p, nil
}

func (p *Pipeline) Workspace() *Workspace {
	return p.workspace
}

func (p *Pipeline) Store() *artifact.Store {
	return p.store
}

// Selection narrows a stage to part of the catalog. Empty fields match all.
type Selection struct {
	League string
	Season string
}

// Run executes every stage from the catalog to the store.
func (p *Pipeline) Run(ctx context.Context, sel Selection) (*RunSummary, error) {
	if p.loader == nil {
		return nil, errors.New("run needs a database")
	}
	return p.execute(ctx, StageRun, func(sum *RunSummary) error {
		entries, err := p.entries(sel)
		if err != nil {
			return err
		}
		metas := p.fetch(ctx, entries, sum)
		sets := p.reconcile(ctx, metas, sum)
		ds, err := p.merge(sets, sum)
		if err != nil {
			return err
		}
		res, err := p.clean(ds, sum)
		if err != nil {
			return err
		}
		p.load(ctx, res, sum)
		return nil
	})
}

// Fetch downloads the selected catalog entries into the artifact store.
func (p *Pipeline) Fetch(ctx context.Context, sel Selection) (*RunSummary, error) {
	return p.execute(ctx, StageFetch, func(sum *RunSummary) error {
		entries, err := p.entries(sel)
		if err != nil {
			return err
		}
		p.fetch(ctx, entries, sum)
		return nil
	})
}

// Reconcile maps stored artifacts onto the canonical schema. With no
// manifests it takes the latest artifact of every selected catalog entry.
func (p *Pipeline) Reconcile(ctx context.Context, sel Selection, manifests []string) (*RunSummary, error) {
	return p.execute(ctx, StageReconcile, func(sum *RunSummary) error {
		metas, err := p.artifacts(sel, manifests, sum)
		if err != nil {
			return err
		}
		for _, m := range metas {
			s := sum.Season(m.Season())
			s.Artifacts++
			s.Fetched += m.RowCount
		}
		p.reconcile(ctx, metas, sum)
		return nil
	})
}

// Merge combines reconciled sets from the work directory.
func (p *Pipeline) Merge(ctx context.Context, paths []string) (*RunSummary, error) {
	return p.execute(ctx, StageMerge, func(sum *RunSummary) error {
		sets, err := p.workspace.ReadReconciled(paths)
		if err != nil {
			return err
		}
		for _, set := range sets {
			sum.Season(set.Season()).Reconciled += len(set.Rows)
		}
		_, err = p.merge(sets, sum)
		return err
	})
}

// Clean cleans the merged dataset from the work directory.
func (p *Pipeline) Clean(ctx context.Context) (*RunSummary, error) {
	return p.execute(ctx, StageClean, func(sum *RunSummary) error {
		ds, err := p.workspace.ReadMerged()
		if err != nil {
			return err
		}
		_, err = p.clean(ds, sum)
		return err
	})
}

// Load writes the cleaned output from the work directory to the store.
func (p *Pipeline) Load(ctx context.Context) (*RunSummary, error) {
	if p.loader == nil {
		return nil, errors.New("load needs a database")
	}
	return p.execute(ctx, StageLoad, func(sum *RunSummary) error {
		res, err := p.workspace.ReadCleaned()
		if err != nil {
			return err
		}
		recordCleanCounts(res, sum)
		p.load(ctx, res, sum)
		return nil
	})
}

// Retract removes one season from the store.
func (p *Pipeline) Retract(ctx context.Context, season models.SeasonKey) (*RunSummary, error) {
	if p.loader == nil {
		return nil, errors.New("retract needs a database")
	}
	return p.execute(ctx, StageRetract, func(sum *RunSummary) error {
		s := sum.Season(season)
		if _, err := p.loader.Retract(ctx, season); err != nil {
			s.fail(StatusLoadFailed, err)
		}
		return nil
	})
}

// execute wraps a stage with its run record and summary file. Errors
// returned by fn are run-level and make the outcome failed.
func (p *Pipeline) execute(ctx context.Context, stage string, fn func(*RunSummary) error) (*RunSummary, error) {
	runID := uuid.NewString()
	sum := newRunSummary(runID, stage, p.now())
	logger := p.logger.With("run_id", runID, "stage", stage)
	logger.Info("run started")

	run := &models.IngestRun{RunID: runID, StartTime: sum.StartedAt, Outcome: models.OutcomePartial}
	if p.db != nil {
		if err := repositories.InsertRun(ctx, p.db, run); err != nil {
			logger.Warn("record run start failed", "error", err)
			run = nil
		}
	}

	if err := fn(sum); err != nil {
		sum.fail(err)
	}
	sum.finish(p.now())

	if path, err := p.workspace.WriteSummary(sum); err != nil {
		logger.Warn("write run summary failed", "error", err)
	} else {
		logger.Debug("run summary written", "path", path)
	}
	if p.db != nil && run != nil {
		// The run record outlives a canceled context.
		if err := p.finishRun(context.WithoutCancel(ctx), run, sum); err != nil {
			logger.Warn("record run end failed", "error", err)
		}
	}

	logger.Info("run finished",
		"outcome", sum.Outcome,
		"seasons", len(sum.Seasons),
		"cleaned", sum.Totals.Cleaned,
		"rejected", sum.Totals.Rejected,
		"inserted", sum.Totals.Loaded.Inserted,
		"updated", sum.Totals.Loaded.Updated,
		"errors", sum.Totals.Errors,
		"duration", sum.FinishedAt.Sub(sum.StartedAt),
	)
	return sum, nil
}

func (p *Pipeline) finishRun(ctx context.Context, run *models.IngestRun, sum *RunSummary) error {
	end := sum.FinishedAt
	run.EndTime = &end
	run.Outcome = sum.Outcome
	run.Seasons = len(sum.Seasons)
	run.RowsFetched = sum.Totals.Fetched
	run.RowsCleaned = sum.Totals.Cleaned
	run.RowsInserted = sum.Totals.Loaded.Inserted
	run.RowsUpdated = sum.Totals.Loaded.Updated
	run.RowsUnchanged = sum.Totals.Loaded.Unchanged
	run.RowsRejected = sum.Totals.Rejected + sum.Totals.Loaded.Rejected
	run.ErrorsCount = sum.Totals.Errors

	if b, err := sonic.ConfigStd.Marshal(sum); err == nil {
		s := string(b)
		run.Summary = &s
	}
	if errs := collectErrors(sum); len(errs) > 0 {
		if b, err := sonic.ConfigStd.Marshal(errs); err == nil {
			s := string(b)
			run.ErrorLog = &s
		}
	}
	return repositories.FinishRun(ctx, p.db, run)
}

func collectErrors(sum *RunSummary) []string {
	errs := append([]string(nil), sum.Errors...)
	for _, s := range sum.Seasons {
		for _, e := range s.Errors {
			errs = append(errs, s.LeagueID+"/"+s.SeasonID+": "+e)
		}
	}
	return errs
}

func (p *Pipeline) entries(sel Selection) ([]catalog.SourceEntry, error) {
	cat, err := catalog.LoadFile(p.cfg.Paths.Catalog)
	if err != nil {
		return nil, err
	}
	entries := cat.Filter(sel.League, sel.Season)
	if len(entries) == 0 {
		return nil, ingesterr.Mark(fmt.Errorf("no catalog entries match league %q season %q", sel.League, sel.Season), ingesterr.ErrInvalidInput)
	}
	return entries, nil
}

// artifacts resolves the artifacts a reconcile stage works on.
func (p *Pipeline) artifacts(sel Selection, manifests []string, sum *RunSummary) ([]*models.RawArtifact, error) {
	if len(manifests) > 0 {
		metas := make([]*models.RawArtifact, 0, len(manifests))
		for _, path := range manifests {
			meta, err := artifact.ReadManifest(path)
			if err != nil {
				return nil, err
			}
			metas = append(metas, meta)
		}
		return metas, nil
	}

	entries, err := p.entries(sel)
	if err != nil {
		return nil, err
	}
	var metas []*models.RawArtifact
	for _, e := range entries {
		meta, err := p.store.Latest(e.LeagueID, e.SeasonID)
		if err != nil {
			status := StatusStructural
			if errors.Is(err, artifact.ErrNotFound) {
				status = StatusFetchFailed
			}
			sum.Season(e.Season()).fail(status, err)
			continue
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func (p *Pipeline) fetch(ctx context.Context, entries []catalog.SourceEntry, sum *RunSummary) []*models.RawArtifact {
	results, err := p.fetcher.FetchAll(ctx, entries)
	if err != nil {
		sum.fail(err)
		return nil
	}
	var metas []*models.RawArtifact
	for _, r := range results {
		s := sum.Season(r.Entry.Season())
		if r.Err != nil {
			s.fail(StatusFetchFailed, r.Err)
			continue
		}
		s.Artifacts++
		s.Fetched += r.Artifact.RowCount
		metas = append(metas, r.Artifact)
	}
	return metas
}

func (p *Pipeline) reconcile(ctx context.Context, metas []*models.RawArtifact, sum *RunSummary) []*schema.ReconciledSet {
	var sets []*schema.ReconciledSet
	for _, o := range p.reconciler.ReconcileAll(ctx, metas, p.cfg.Reconcile.Workers) {
		s := sum.Season(o.Artifact.Season())
		if o.Err != nil {
			s.fail(StatusStructural, o.Err)
			continue
		}
		if _, err := p.workspace.WriteReconciled(o.Set); err != nil {
			s.fail(StatusStructural, err)
			continue
		}
		s.Reconciled += len(o.Set.Rows)
		sets = append(sets, o.Set)
	}
	return sets
}

func (p *Pipeline) merge(sets []*schema.ReconciledSet, sum *RunSummary) (*merge.Dataset, error) {
	ds := p.merger.Merge(sets)

	seasonOf := make(map[string]models.SeasonKey, len(sets))
	for _, set := range sets {
		seasonOf[set.ArtifactID] = set.Season()
	}
	for _, rej := range ds.Report.RejectedArtifacts {
		if rej.Reason != merge.RejectSchemaVersion {
			continue
		}
		sum.Season(seasonOf[rej.ArtifactID]).fail(StatusStructural,
			fmt.Errorf("artifact %s: %s", rej.ArtifactID, rej.Reason))
	}

	if err := p.workspace.WriteMerged(ds); err != nil {
		return nil, err
	}
	return ds, nil
}

func (p *Pipeline) clean(ds *merge.Dataset, sum *RunSummary) (*clean.Result, error) {
	res := p.cleaner.Clean(ds)
	if err := p.workspace.WriteCleaned(res); err != nil {
		return nil, err
	}
	recordCleanCounts(res, sum)
	return res, nil
}

func (p *Pipeline) load(ctx context.Context, res *clean.Result, sum *RunSummary) {
	results, _ := p.loader.Load(ctx, loader.Batches(res))
	for _, r := range results {
		s := sum.Season(r.Season)
		if r.Err != nil {
			s.fail(StatusLoadFailed, r.Err)
			continue
		}
		s.Loaded = r.Report
	}
}

func recordCleanCounts(res *clean.Result, sum *RunSummary) {
	for _, r := range res.Records {
		sum.Season(r.Season()).Cleaned++
	}
	for _, r := range res.Rejects {
		sum.Season(r.Season()).Rejected++
	}
	sum.Totals.Conflicts = len(res.Conflicts)
	sum.RejectsByReason = res.Report.SortedReasons()
}
