// Package progress derives a case's workflow completion from its transition
// log and the stage records that are still live. Every function here is
// pure; callers reload inputs on each request so a stage deletion or
// recreation shows up immediately.
package progress

import (
	"math"
	"time"

	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/stage"
)

// Input is everything Calculate needs.
type Input struct {
	CaseNumber string
	Current    stage.Stage
	History    []models.Transition // ordered by Seq
	LiveRefs   map[stage.Stage]string
	Definition *stage.Definition // nil selects stage.Default
}

// StageProgress is the status of one canonical stage.
type StageProgress struct {
	Stage       stage.Stage `json:"stage"`
	Completed   bool        `json:"completed"`
	Current     bool        `json:"current"`
	ReferenceID string      `json:"reference_id,omitempty"`
	EnteredAt   *time.Time  `json:"entered_at,omitempty"`
}

// Report is the computed progress of a case.
type Report struct {
	CaseNumber        string          `json:"case_number"`
	CurrentState      stage.Stage     `json:"current_state"`
	Stages            []StageProgress `json:"stages"`
	CompletedCount    int             `json:"completed_count"`
	TotalStages       int             `json:"total_stages"`
	Percentage        float64         `json:"progress_percentage"`
	DefinitionVersion string          `json:"definition_version"`
}

// Calculate computes the progress report. A stage is completed when a live
// reference exists for it or the case has advanced past it. Closed and
// rejected cases report 100%.
func Calculate(in Input) Report {
	def := in.Definition
	if def == nil {
		def = stage.Default
	}
	ordered := def.Ordered()

	reached := reachedIndex(def, in.Current, in.History)
	entered := lastEntered(in.History)

	r := Report{
		CaseNumber:        in.CaseNumber,
		CurrentState:      in.Current,
		TotalStages:       len(ordered),
		Stages:            make([]StageProgress, 0, len(ordered)),
		DefinitionVersion: def.Version(),
	}
	for i, s := range ordered {
		sp := StageProgress{
			Stage:       s,
			Current:     s == in.Current,
			ReferenceID: in.LiveRefs[s],
		}
		if at, ok := entered[s]; ok {
			sp.EnteredAt = &at
		}
		sp.Completed = sp.ReferenceID != "" || i < reached || (s == in.Current && def.IsTerminal(s))
		if sp.Completed {
			r.CompletedCount++
		}
		r.Stages = append(r.Stages, sp)
	}

	if def.IsTerminal(in.Current) {
		r.Percentage = 100
	} else if r.TotalStages > 0 {
		r.Percentage = round2(float64(r.CompletedCount) / float64(r.TotalStages) * 100)
	}
	return r
}

// reachedIndex is the pipeline index of the stage the case currently
// occupies. For a rejected case it is the stage it was rejected from.
func reachedIndex(def *stage.Definition, current stage.Stage, history []models.Transition) int {
	if current != stage.Rejected {
		return def.Index(current)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ToState == string(stage.Rejected) {
			return def.Index(stage.Stage(history[i].From()))
		}
	}
	return -1
}

func lastEntered(history []models.Transition) map[stage.Stage]time.Time {
	out := make(map[stage.Stage]time.Time, len(history))
	for _, t := range history {
		out[stage.Stage(t.ToState)] = t.TransitionDate
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
