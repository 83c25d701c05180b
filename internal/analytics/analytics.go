// Package analytics rolls transition logs of many cases up into stage,
// bottleneck and performer statistics. Compute is pure; Aggregator loads
// its inputs from the database and Refresher keeps a cached report fresh
// on a cron schedule.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/vespl/caseflow/internal/models"
	"github.com/vespl/caseflow/internal/stage"
)

// SLA returns the threshold in hours for time spent in a stage.
type SLA func(stage.Stage) float64

// StageStat holds duration statistics for the time cases spent in a stage.
type StageStat struct {
	Stage          stage.Stage `json:"stage"`
	Samples        int         `json:"samples"`
	AvgHours       float64     `json:"avg_hours"`
	MaxHours       float64     `json:"max_hours"`
	SLAHours       float64     `json:"sla_hours"`
	Delayed        int         `json:"delayed"`
	DelayFrequency float64     `json:"delay_frequency"`
	Efficiency     float64     `json:"efficiency"`
}

// Bottleneck is a stage ranked by avg_hours × delay_frequency.
type Bottleneck struct {
	Rank           int         `json:"rank"`
	Stage          stage.Stage `json:"stage"`
	Score          float64     `json:"score"`
	AvgHours       float64     `json:"avg_hours"`
	DelayFrequency float64     `json:"delay_frequency"`
}

// Performer summarizes one actor's activity.
type Performer struct {
	Actor              string  `json:"actor"`
	CasesHandled       int     `json:"cases_handled"`
	Transitions        int     `json:"transitions"`
	CompletedCases     int     `json:"completed_cases"`
	AvgCompletionHours float64 `json:"avg_completion_hours"`
}

// Summary holds case counts across the whole report.
type Summary struct {
	TotalCases     int            `json:"total_cases"`
	ByState        map[string]int `json:"by_state"`
	Open           int            `json:"open"`
	Closed         int            `json:"closed"`
	Rejected       int            `json:"rejected"`
	ConversionRate float64        `json:"conversion_rate"`
	AvgCycleHours  float64        `json:"avg_cycle_hours"`
	Transitions    int            `json:"transitions"`
}

// Report is the full analytics rollup.
type Report struct {
	GeneratedAt   time.Time    `json:"generated_at"`
	Window        Window       `json:"window"`
	Stages        []StageStat  `json:"stages"`
	Bottlenecks   []Bottleneck `json:"bottleneck_analysis"`
	TopPerformers []Performer  `json:"top_performers"`
	Summary       Summary      `json:"summary"`
}

// Window bounds the transitions a report covers. Zero values are open.
type Window struct {
	Since time.Time `json:"since,omitempty"`
	Until time.Time `json:"until,omitempty"`
}

// Input is everything Compute needs.
type Input struct {
	Cases       []models.CaseRecord
	Transitions []models.Transition
	SLA         SLA
	Definition  *stage.Definition
	Window      Window
	Now         time.Time
	TopN        int // 0 keeps every performer
}

// Compute builds the report. A transition's DurationInState is a sample
// for the stage it left, so the opening transition contributes nothing.
func Compute(in Input) Report {
	def := in.Definition
	if def == nil {
		def = stage.Default
	}
	sla := in.SLA
	if sla == nil {
		sla = func(stage.Stage) float64 { return 0 }
	}

	r := Report{
		GeneratedAt: in.Now,
		Window:      in.Window,
		Stages:      stageStats(def, in.Transitions, sla),
	}
	r.Bottlenecks = bottlenecks(def, r.Stages)
	r.TopPerformers = performers(in.Cases, in.Transitions, in.TopN)
	r.Summary = summarize(def, in.Cases, len(in.Transitions))
	return r
}

// Efficiency scores a stage from 0 to 100. Delay frequency costs up to 60
// points and the average overrunning its SLA costs up to 40.
func Efficiency(delayFrequency, avgHours, slaHours float64) float64 {
	overrun := 0.0
	if slaHours > 0 {
		overrun = math.Min(1, math.Max(0, avgHours/slaHours-1))
	}
	e := 100 - (60*delayFrequency + 40*overrun)
	return round2(math.Max(0, math.Min(100, e)))
}

func stageStats(def *stage.Definition, transitions []models.Transition, sla SLA) []StageStat {
	type acc struct {
		n       int
		total   float64
		max     float64
		delayed int
	}
	accs := make(map[stage.Stage]*acc)
	for _, t := range transitions {
		if t.FromState == nil {
			continue
		}
		s := stage.Stage(*t.FromState)
		a, ok := accs[s]
		if !ok {
			a = &acc{}
			accs[s] = a
		}
		h := t.Duration().Hours()
		a.n++
		a.total += h
		if h > a.max {
			a.max = h
		}
		if limit := sla(s); limit > 0 && h > limit {
			a.delayed++
		}
	}

	var out []StageStat
	for _, s := range def.Ordered() {
		if def.IsTerminal(s) {
			continue
		}
		st := StageStat{Stage: s, SLAHours: sla(s), Efficiency: 100}
		if a, ok := accs[s]; ok && a.n > 0 {
			avg := a.total / float64(a.n)
			freq := float64(a.delayed) / float64(a.n)
			st.Samples = a.n
			st.AvgHours = round2(avg)
			st.MaxHours = round2(a.max)
			st.Delayed = a.delayed
			st.DelayFrequency = round4(freq)
			st.Efficiency = Efficiency(freq, avg, st.SLAHours)
		}
		out = append(out, st)
	}
	return out
}

func bottlenecks(def *stage.Definition, stats []StageStat) []Bottleneck {
	var out []Bottleneck
	for _, st := range stats {
		if st.Samples == 0 {
			continue
		}
		out = append(out, Bottleneck{
			Stage:          st.Stage,
			Score:          round2(st.AvgHours * st.DelayFrequency),
			AvgHours:       st.AvgHours,
			DelayFrequency: st.DelayFrequency,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].AvgHours != out[j].AvgHours {
			return out[i].AvgHours > out[j].AvgHours
		}
		return def.Index(out[i].Stage) < def.Index(out[j].Stage)
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// performers ranks actors by cases handled desc, then average completion
// time asc (actors with no completed case last), then transition count
// desc, then name. The transition count is what "higher case volume" means
// in the final tie-break.
func performers(cases []models.CaseRecord, transitions []models.Transition, topN int) []Performer {
	cycle := make(map[uint]float64, len(cases))
	for _, c := range cases {
		if c.CurrentState == string(stage.Closed) && c.ClosedAt != nil {
			cycle[c.ID] = c.ClosedAt.Sub(c.CreatedAt).Hours()
		}
	}

	type acc struct {
		cases       map[uint]bool
		transitions int
	}
	accs := make(map[string]*acc)
	for _, t := range transitions {
		if t.TransitionedBy == "" {
			continue
		}
		a, ok := accs[t.TransitionedBy]
		if !ok {
			a = &acc{cases: make(map[uint]bool)}
			accs[t.TransitionedBy] = a
		}
		a.cases[t.CaseID] = true
		a.transitions++
	}

	out := make([]Performer, 0, len(accs))
	for actor, a := range accs {
		p := Performer{Actor: actor, CasesHandled: len(a.cases), Transitions: a.transitions}
		var total float64
		for id := range a.cases {
			if h, ok := cycle[id]; ok {
				total += h
				p.CompletedCases++
			}
		}
		if p.CompletedCases > 0 {
			p.AvgCompletionHours = round2(total / float64(p.CompletedCases))
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CasesHandled != b.CasesHandled {
			return a.CasesHandled > b.CasesHandled
		}
		if (a.CompletedCases > 0) != (b.CompletedCases > 0) {
			return a.CompletedCases > 0
		}
		if a.AvgCompletionHours != b.AvgCompletionHours {
			return a.AvgCompletionHours < b.AvgCompletionHours
		}
		if a.Transitions != b.Transitions {
			return a.Transitions > b.Transitions
		}
		return a.Actor < b.Actor
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

func summarize(def *stage.Definition, cases []models.CaseRecord, transitions int) Summary {
	s := Summary{
		TotalCases:  len(cases),
		ByState:     make(map[string]int),
		Transitions: transitions,
	}
	var cycleTotal float64
	for _, c := range cases {
		s.ByState[c.CurrentState]++
		switch {
		case c.CurrentState == string(stage.Closed):
			s.Closed++
			if c.ClosedAt != nil {
				cycleTotal += c.ClosedAt.Sub(c.CreatedAt).Hours()
			}
		case c.CurrentState == string(stage.Rejected):
			s.Rejected++
		case !def.IsTerminal(stage.Stage(c.CurrentState)):
			s.Open++
		}
	}
	if decided := s.Closed + s.Rejected; decided > 0 {
		s.ConversionRate = round2(float64(s.Closed) / float64(decided) * 100)
	}
	if s.Closed > 0 {
		s.AvgCycleHours = round2(cycleTotal / float64(s.Closed))
	}
	return s
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
