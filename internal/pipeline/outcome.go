package pipeline

import (
	"sort"
	"time"
)

// Outcome tags what a stage did with one asset.
type Outcome string

// Stage outcomes.
const (
	OutcomeAdvanced Outcome = "advanced"
	OutcomeFlagged  Outcome = "flagged"
	OutcomeSkipped  Outcome = "skipped"
	OutcomePending  Outcome = "pending"
	OutcomeFailed   Outcome = "failed"
)

// StageOutcome is the result of running one stage on one asset.
type StageOutcome struct {
	Identity string  `json:"identity"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`
}

// StageReport collects the outcomes of one stage pass.
type StageReport struct {
	Stage    string         `json:"stage"`
	Outcomes []StageOutcome `json:"outcomes"`
	Duration time.Duration  `json:"duration"`
}

// Count returns how many assets ended with outcome o.
func (r *StageReport) Count(o Outcome) int {
	n := 0
	for _, so := range r.Outcomes {
		if so.Outcome == o {
			n++
		}
	}
	return n
}

// Tally counts outcomes by kind.
func (r *StageReport) Tally() map[Outcome]int {
	m := make(map[Outcome]int)
	for _, so := range r.Outcomes {
		m[so.Outcome]++
	}
	return m
}

func (r *StageReport) sort() {
	sort.Slice(r.Outcomes, func(i, j int) bool {
		return r.Outcomes[i].Identity < r.Outcomes[j].Identity
	})
}

func advanced(id, reason string) StageOutcome {
	return StageOutcome{Identity: id, Outcome: OutcomeAdvanced, Reason: reason}
}

func skipped(id, reason string) StageOutcome {
	return StageOutcome{Identity: id, Outcome: OutcomeSkipped, Reason: reason}
}

func pending(id, reason string) StageOutcome {
	return StageOutcome{Identity: id, Outcome: OutcomePending, Reason: reason}
}

func failed(id string, err error) StageOutcome {
	return StageOutcome{Identity: id, Outcome: OutcomeFailed, Reason: err.Error()}
}
