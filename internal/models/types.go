package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Result is the full-time outcome from the home side's perspective.
type Result string

const (
	ResultHome Result = "H"
	ResultDraw Result = "D"
	ResultAway Result = "A"
)

// DeriveResult computes the outcome from goal counts. Source result
// columns are never trusted.
func DeriveResult(homeGoals, awayGoals int) Result {
	switch {
	case homeGoals > awayGoals:
		return ResultHome
	case homeGoals < awayGoals:
		return ResultAway
	default:
		return ResultDraw
	}
}

// ReasonCode tags why a row was routed to the rejects sink.
type ReasonCode string

const (
	ReasonMissingTeam         ReasonCode = "missing_team"
	ReasonUnknownTeam         ReasonCode = "unknown_team"
	ReasonSameTeam            ReasonCode = "same_team"
	ReasonMissingDate         ReasonCode = "missing_date"
	ReasonInvalidDate         ReasonCode = "invalid_date"
	ReasonMissingGoals        ReasonCode = "missing_goals"
	ReasonInvalidGoals        ReasonCode = "invalid_goals"
	ReasonNegativeGoals       ReasonCode = "negative_goals"
	ReasonInvalidRecord       ReasonCode = "invalid_record"
	ReasonDuplicateSuperseded ReasonCode = "duplicate_superseded"
	ReasonStaleIncoming       ReasonCode = "stale_incoming"
)

// ConflictReason tags an audit entry in the conflict log.
type ConflictReason string

const (
	// ConflictSupersededInBatch: two rows of one cleaning run shared a key.
	ConflictSupersededInBatch ConflictReason = "superseded_in_batch"
	// ConflictOverwritten: a stored record was replaced by fresher values.
	ConflictOverwritten ConflictReason = "overwritten"
	// ConflictStaleIncoming: incoming values were older than the stored ones.
	ConflictStaleIncoming ConflictReason = "stale_incoming"
	// ConflictRetracted: the season was retracted from the catalog.
	ConflictRetracted ConflictReason = "retracted"
)

// RunOutcome classifies a pipeline run for the exit status.
type RunOutcome string

const (
	OutcomeClean   RunOutcome = "clean"
	OutcomePartial RunOutcome = "partial"
	OutcomeFailed  RunOutcome = "failed"
)

// StringArray stores an ordered slice of strings as a JSON column.
type StringArray []string

func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StringArray) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*s = StringArray{}
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(s))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(s))
	default:
		return fmt.Errorf("scan StringArray: unsupported type %T", value)
	}
}

// StringMap stores side-channel columns (original name to raw text).
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *StringMap) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*m = StringMap{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan StringMap: unsupported type %T", value)
	}
	out := make(map[string]string)
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}
