// Package loader writes cleaned match records to the store, one
// transaction per league season.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/uptrace/bun"

	"github.com/socascores/ingester/internal/clean"
	"github.com/socascores/ingester/internal/database"
	"github.com/socascores/ingester/internal/ingesterr"
	"github.com/socascores/ingester/internal/logging"
	"github.com/socascores/ingester/internal/models"
	"github.com/socascores/ingester/internal/ratelimit"
	"github.com/socascores/ingester/internal/repositories"
)

// Config controls retries of a season transaction.
type Config struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

func DefaultConfig() Config {
	return Config{MaxRetries: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// Batch is everything cleaned for one league season.
type Batch struct {
	Season    models.SeasonKey
	Records   []*models.MatchRecord
	Rejects   []*models.MatchReject
	Conflicts []*models.MatchConflict
}

// Report counts what a load did. Rejected counts incoming records that
// were older than the stored ones.
type Report struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Rejected  int `json:"rejected"`
}

func (r *Report) Add(other Report) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
	r.Rejected += other.Rejected
}

// SeasonResult is the outcome of one batch.
type SeasonResult struct {
	Season models.SeasonKey
	Report Report
	Err    error
}

// LoadError reports a season whose transaction did not commit.
type LoadError struct {
	League string
	Season string
	Cause  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s/%s: %v", e.League, e.Season, e.Cause)
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Loader upserts batches keyed by match_key.
type Loader struct {
	db     *bun.DB
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[models.SeasonKey]*sync.Mutex

	// beforeCommit runs last inside each season transaction; an error
	// rolls the attempt back.
	beforeCommit func(ctx context.Context, tx bun.Tx) error
}

func NewLoader(db *bun.DB, cfg Config, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	return &Loader{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[models.SeasonKey]*sync.Mutex),
	}
}

// Batches groups a cleaning result by season, ordered by league then season.
func Batches(res *clean.Result) []Batch {
	bySeason := make(map[models.SeasonKey]*Batch)
	get := func(k models.SeasonKey) *Batch {
		b, ok := bySeason[k]
		if !ok {
			b = &Batch{Season: k}
			bySeason[k] = b
		}
		return b
	}
	for _, r := range res.Records {
		b := get(r.Season())
		b.Records = append(b.Records, r)
	}
	for _, r := range res.Rejects {
		b := get(r.Season())
		b.Rejects = append(b.Rejects, r)
	}
	for _, c := range res.Conflicts {
		b := get(models.SeasonKey{LeagueID: c.LeagueID, SeasonID: c.SeasonID})
		b.Conflicts = append(b.Conflicts, c)
	}

	out := make([]Batch, 0, len(bySeason))
	for _, b := range bySeason {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Season.Less(out[j].Season) })
	return out
}

// Load applies batches in order. A failing season does not stop the
// others; cancellation stops before the next season and leaves committed
// seasons in place.
func (l *Loader) Load(ctx context.Context, batches []Batch) ([]SeasonResult, Report) {
	results := make([]SeasonResult, 0, len(batches))
	var total Report
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			results = append(results, SeasonResult{Season: b.Season, Err: l.loadError(b.Season, err)})
			continue
		}
		rep, err := l.LoadSeason(ctx, b)
		results = append(results, SeasonResult{Season: b.Season, Report: rep, Err: err})
		if err == nil {
			total.Add(rep)
		}
	}
	return results, total
}

// LoadSeason commits one batch fully or not at all, retrying the whole
// transaction on transient store errors.
func (l *Loader) LoadSeason(ctx context.Context, b Batch) (Report, error) {
	if err := checkBatch(b); err != nil {
		return Report{}, l.loadError(b.Season, ingesterr.Mark(err, ingesterr.ErrInvalidInput))
	}

	lock := l.seasonLock(b.Season)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	var rep Report
	attempt := 0
	operation := func() error {
		attempt++
		r, err := l.applyBatch(ctx, b)
		if err != nil {
			if ctx.Err() != nil || !isTransientStoreError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		rep = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("season transaction failed, retrying",
			"league", b.Season.LeagueID,
			"season", b.Season.SeasonID,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	bo := ratelimit.NewBackOff(ctx, ratelimit.Config{
		MaxRetries:     l.cfg.MaxRetries,
		InitialBackoff: l.cfg.InitialBackoff,
		MaxBackoff:     l.cfg.MaxBackoff,
	})
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		l.logger.Error("season load rolled back",
			"league", b.Season.LeagueID,
			"season", b.Season.SeasonID,
			"attempts", attempt,
			"error", err,
		)
		return Report{}, l.loadError(b.Season, err)
	}

	l.logger.Info("season loaded",
		"league", b.Season.LeagueID,
		"season", b.Season.SeasonID,
		"inserted", rep.Inserted,
		"updated", rep.Updated,
		"unchanged", rep.Unchanged,
		"rejected", rep.Rejected,
		"rejects_stored", len(b.Rejects),
		"duration", time.Since(start),
	)
	return rep, nil
}

func (l *Loader) applyBatch(ctx context.Context, b Batch) (Report, error) {
	var rep Report
	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rep = Report{}
		if err := l.lockSeasonTx(ctx, tx, b.Season); err != nil {
			return err
		}

		keys := make([]string, len(b.Records))
		for i, r := range b.Records {
			keys[i] = r.MatchKey
		}
		existing, err := repositories.GetMatchesByKeys(ctx, tx, keys)
		if err != nil {
			return fmt.Errorf("read existing records: %w", err)
		}

		now := l.now()
		var inserts []*models.MatchRecord
		conflicts := append([]*models.MatchConflict(nil), b.Conflicts...)

		for _, incoming := range b.Records {
			stored, ok := existing[incoming.MatchKey]
			switch {
			case !ok:
				rec := *incoming
				rec.CreatedAt = now
				rec.UpdatedAt = now
				inserts = append(inserts, &rec)
				rep.Inserted++
			case stored.ContentHash == incoming.ContentHash:
				rep.Unchanged++
			case incoming.FetchedAt.Before(stored.FetchedAt):
				conflicts = append(conflicts, conflictFor(models.ConflictStaleIncoming, stored, incoming, now))
				rep.Rejected++
			default:
				rec := *incoming
				rec.CreatedAt = stored.CreatedAt
				rec.UpdatedAt = now
				if err := repositories.UpdateMatch(ctx, tx, &rec); err != nil {
					return fmt.Errorf("update %s: %w", rec.MatchKey, err)
				}
				conflicts = append(conflicts, conflictFor(models.ConflictOverwritten, &rec, stored, now))
				rep.Updated++
			}
		}

		if err := repositories.InsertMatches(ctx, tx, inserts); err != nil {
			return fmt.Errorf("insert records: %w", err)
		}
		for _, c := range conflicts {
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
		}
		if err := repositories.InsertConflicts(ctx, tx, conflicts); err != nil {
			return fmt.Errorf("insert conflicts: %w", err)
		}
		if _, err := repositories.InsertRejects(ctx, tx, b.Rejects); err != nil {
			return fmt.Errorf("insert rejects: %w", err)
		}
		if l.beforeCommit != nil {
			return l.beforeCommit(ctx, tx)
		}
		return nil
	})
	return rep, err
}

// conflictFor records the values of discarded that lost against kept.
func conflictFor(reason models.ConflictReason, kept, discarded *models.MatchRecord, now time.Time) *models.MatchConflict {
	keptID := kept.SourceArtifactID
	keptAt := kept.FetchedAt
	return &models.MatchConflict{
		MatchKey:            discarded.MatchKey,
		LeagueID:            discarded.LeagueID,
		SeasonID:            discarded.SeasonID,
		Reason:              reason,
		KeptArtifactID:      &keptID,
		KeptFetchedAt:       &keptAt,
		DiscardedArtifactID: discarded.SourceArtifactID,
		DiscardedFetchedAt:  discarded.FetchedAt,
		DiscardedRow:        discarded.SourceRow,
		DiscardedValues:     clean.EncodeValues(discarded),
		CreatedAt:           now,
	}
}

// Retract deletes a season's records, archiving each into the conflict log.
func (l *Loader) Retract(ctx context.Context, season models.SeasonKey) (int, error) {
	lock := l.seasonLock(season)
	lock.Lock()
	defer lock.Unlock()

	removed := 0
	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := l.lockSeasonTx(ctx, tx, season); err != nil {
			return err
		}
		records, err := repositories.DeleteSeasonMatches(ctx, tx, season)
		if err != nil {
			return fmt.Errorf("delete season: %w", err)
		}
		now := l.now()
		archive := make([]*models.MatchConflict, 0, len(records))
		for _, r := range records {
			archive = append(archive, &models.MatchConflict{
				MatchKey:            r.MatchKey,
				LeagueID:            r.LeagueID,
				SeasonID:            r.SeasonID,
				Reason:              models.ConflictRetracted,
				DiscardedArtifactID: r.SourceArtifactID,
				DiscardedFetchedAt:  r.FetchedAt,
				DiscardedRow:        r.SourceRow,
				DiscardedValues:     clean.EncodeValues(r),
				CreatedAt:           now,
			})
		}
		if err := repositories.InsertConflicts(ctx, tx, archive); err != nil {
			return fmt.Errorf("archive retracted records: %w", err)
		}
		removed = len(records)
		return nil
	})
	if err != nil {
		return 0, l.loadError(season, err)
	}
	l.logger.Info("season retracted", "league", season.LeagueID, "season", season.SeasonID, "records", removed)
	return removed, nil
}

func (l *Loader) seasonLock(k models.SeasonKey) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[k]
	if !ok {
		m = &sync.Mutex{}
		l.locks[k] = m
	}
	return m
}

// lockSeasonTx serializes writers of one season across processes on
// PostgreSQL. SQLite allows a single writer already.
func (l *Loader) lockSeasonTx(ctx context.Context, tx bun.Tx, k models.SeasonKey) error {
	if !database.IsPostgres(tx) {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", "match_records:"+k.String()); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

func (l *Loader) loadError(k models.SeasonKey, err error) error {
	return ingesterr.Mark(&LoadError{League: k.LeagueID, Season: k.SeasonID, Cause: err}, ingesterr.ErrLoadTransaction)
}

func checkBatch(b Batch) error {
	seen := make(map[string]bool, len(b.Records))
	for _, r := range b.Records {
		if r.Season() != b.Season {
			return fmt.Errorf("record %s belongs to %s, not %s", r.MatchKey, r.Season(), b.Season)
		}
		if seen[r.MatchKey] {
			return fmt.Errorf("match key %s appears twice in batch", r.MatchKey)
		}
		seen[r.MatchKey] = true
		if err := r.Validate(); err != nil {
			return fmt.Errorf("record %s: %w", r.MatchKey, err)
		}
	}
	return nil
}

// isTransientStoreError matches lock contention and dropped connections.
func isTransientStoreError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"database is locked",
		"sqlite_busy",
		"deadlock detected",
		"could not serialize access",
		"connection reset",
		"broken pipe",
		"bad connection",
		"connection refused",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
