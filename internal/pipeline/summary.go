package pipeline

import (
	"sort"
	"time"

	"github.com/socascores/ingester/internal/loader"
	"github.com/socascores/ingester/internal/models"
)

// Season statuses, from least to most severe.
const (
	StatusOK          = "ok"
	StatusQuarantined = "quarantined"
	StatusFetchFailed = "fetch_failed"
	StatusStructural  = "structural_failure"
	StatusLoadFailed  = "load_failed"
)

var statusRank = map[string]int{
	StatusOK:          0,
	StatusQuarantined: 1,
	StatusFetchFailed: 2,
	StatusStructural:  3,
	StatusLoadFailed:  4,
}

// SeasonSummary is the per league/season line of a run summary.
type SeasonSummary struct {
	LeagueID   string        `json:"league_id"`
	SeasonID   string        `json:"season_id"`
	Artifacts  int           `json:"artifacts"`
	Fetched    int           `json:"fetched"`
	Reconciled int           `json:"reconciled"`
	Cleaned    int           `json:"cleaned"`
	Rejected   int           `json:"rejected"`
	Loaded     loader.Report `json:"loaded"`
	Status     string        `json:"status"`
	Errors     []string      `json:"errors,omitempty"`
}

func (s *SeasonSummary) raise(status string) {
	if statusRank[status] > statusRank[s.Status] {
		s.Status = status
	}
}

func (s *SeasonSummary) fail(status string, err error) {
	s.raise(status)
	s.Errors = append(s.Errors, err.Error())
}

// Totals adds up the season lines.
type Totals struct {
	Fetched    int           `json:"fetched"`
	Reconciled int           `json:"reconciled"`
	Cleaned    int           `json:"cleaned"`
	Rejected   int           `json:"rejected"`
	Conflicts  int           `json:"conflicts"`
	Loaded     loader.Report `json:"loaded"`
	Errors     int           `json:"errors"`
}

// RunSummary is the structured result of one invocation.
type RunSummary struct {
	RunID           string            `json:"run_id"`
	Stage           string            `json:"stage"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	Outcome         models.RunOutcome `json:"outcome"`
	Seasons         []*SeasonSummary  `json:"seasons"`
	Totals          Totals            `json:"totals"`
	RejectsByReason []string          `json:"rejects_by_reason,omitempty"`
	Errors          []string          `json:"errors,omitempty"`

	index map[models.SeasonKey]*SeasonSummary
}

func newRunSummary(runID, stage string, start time.Time) *RunSummary {
	return &RunSummary{
		RunID:     runID,
		Stage:     stage,
		StartedAt: start,
		Seasons:   []*SeasonSummary{},
		index:     make(map[models.SeasonKey]*SeasonSummary),
	}
}

// Season returns the line for k, creating it on first use.
func (r *RunSummary) Season(k models.SeasonKey) *SeasonSummary {
	if s, ok := r.index[k]; ok {
		return s
	}
	s := &SeasonSummary{LeagueID: k.LeagueID, SeasonID: k.SeasonID, Status: StatusOK}
	r.index[k] = s
	r.Seasons = append(r.Seasons, s)
	return s
}

// fail records a run-level error not tied to a season.
func (r *RunSummary) fail(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// finish orders seasons, sums totals and decides the outcome.
func (r *RunSummary) finish(end time.Time) {
	r.FinishedAt = end
	sort.Slice(r.Seasons, func(i, j int) bool {
		a := models.SeasonKey{LeagueID: r.Seasons[i].LeagueID, SeasonID: r.Seasons[i].SeasonID}
		b := models.SeasonKey{LeagueID: r.Seasons[j].LeagueID, SeasonID: r.Seasons[j].SeasonID}
		return a.Less(b)
	})

	conflicts := r.Totals.Conflicts
	r.Totals = Totals{Conflicts: conflicts, Errors: len(r.Errors)}
	worst := StatusOK
	for _, s := range r.Seasons {
		if s.Rejected > 0 {
			s.raise(StatusQuarantined)
		}
		r.Totals.Fetched += s.Fetched
		r.Totals.Reconciled += s.Reconciled
		r.Totals.Cleaned += s.Cleaned
		r.Totals.Rejected += s.Rejected
		r.Totals.Loaded.Add(s.Loaded)
		r.Totals.Errors += len(s.Errors)
		if statusRank[s.Status] > statusRank[worst] {
			worst = s.Status
		}
	}

	switch {
	case worst == StatusStructural || worst == StatusLoadFailed || len(r.Errors) > 0:
		r.Outcome = models.OutcomeFailed
	case worst == StatusOK:
		r.Outcome = models.OutcomeClean
	default:
		r.Outcome = models.OutcomePartial
	}
}

// Exit statuses of the command line.
const (
	ExitClean   = 0
	ExitFailed  = 1
	ExitPartial = 2
)

// ExitCode maps an outcome to the process exit status. Partial runs exit
// zero unless strict is set.
func ExitCode(outcome models.RunOutcome, strict bool) int {
	switch outcome {
	case models.OutcomeFailed:
		return ExitFailed
	case models.OutcomePartial:
		if strict {
			return ExitPartial
		}
		return ExitClean
	default:
		return ExitClean
	}
}
