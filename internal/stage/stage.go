// Package stage holds the static case-lifecycle definition: the ordered
// pipeline of stages and the edges a case may take between them.
package stage

import (
	"fmt"
	"strings"
)

// Stage is one named state in the case lifecycle.
type Stage string

const (
	Enquiry    Stage = "enquiry"
	Estimation Stage = "estimation"
	Quotation  Stage = "quotation"
	Order      Stage = "order"
	Production Stage = "production"
	Delivery   Stage = "delivery"
	Closed     Stage = "closed"
	Rejected   Stage = "rejected"
)

// Version identifies the definition below. It is stamped on every
// transition so history written under an older pipeline stays readable.
const Version = "2025.1"

// Definition is an immutable stage graph. Use Default; the zero value is
// not usable.
type Definition struct {
	version     string
	ordered     []Stage
	index       map[Stage]int
	forward     map[Stage]Stage
	predecessor map[Stage]Stage
	terminal    map[Stage]bool
	docTypes    map[Stage]string
}

// Default is the definition loaded once at process start.
var Default = newDefinition(Version,
	[]Stage{Enquiry, Estimation, Quotation, Order, Production, Delivery, Closed},
	map[Stage]string{
		Enquiry:    "EQ",
		Estimation: "ES",
		Quotation:  "QT",
		Order:      "SO",
		Production: "PR",
		Delivery:   "DL",
	},
)

func newDefinition(version string, ordered []Stage, docTypes map[Stage]string) *Definition {
	d := &Definition{
		version:     version,
		ordered:     append([]Stage(nil), ordered...),
		index:       make(map[Stage]int, len(ordered)+1),
		forward:     make(map[Stage]Stage, len(ordered)),
		predecessor: make(map[Stage]Stage, len(ordered)),
		terminal:    map[Stage]bool{Closed: true, Rejected: true},
		docTypes:    docTypes,
	}
	for i, s := range ordered {
		d.index[s] = i
		if i > 0 {
			d.forward[ordered[i-1]] = s
			d.predecessor[s] = ordered[i-1]
		}
	}
	d.index[Rejected] = len(ordered)
	return d
}

// Version returns the definition version.
func (d *Definition) Version() string { return d.version }

// Ordered returns the canonical pipeline, enquiry through closed.
// The returned slice is a copy.
func (d *Definition) Ordered() []Stage {
	return append([]Stage(nil), d.ordered...)
}

// Known reports whether s is part of the definition.
func (d *Definition) Known(s Stage) bool {
	_, ok := d.index[s]
	return ok
}

// Index returns the pipeline position of s, or -1 if unknown.
// Rejected sorts after every canonical stage.
func (d *Definition) Index(s Stage) int {
	i, ok := d.index[s]
	if !ok {
		return -1
	}
	return i
}

// IsTerminal reports whether no further transitions may leave s.
func (d *Definition) IsTerminal(s Stage) bool {
	return d.terminal[s]
}

// ValidTransition reports whether an ordinary transition from → to is allowed.
// Only the next pipeline stage, or rejected from a non-terminal stage, is
// valid. Backward edges are reserved for stage deletion.
func (d *Definition) ValidTransition(from, to Stage) bool {
	if !d.Known(from) || !d.Known(to) || d.IsTerminal(from) {
		return false
	}
	if to == Rejected {
		return true
	}
	next, ok := d.forward[from]
	return ok && next == to
}

// Next returns the stage that follows s on the happy path.
func (d *Definition) Next(s Stage) (Stage, bool) {
	next, ok := d.forward[s]
	return next, ok
}

// PredecessorOf returns the stage a case reverts to when s is deleted.
// Enquiry and rejected have no predecessor.
func (d *Definition) PredecessorOf(s Stage) (Stage, bool) {
	p, ok := d.predecessor[s]
	return p, ok
}

// DocType returns the document-type code used when numbering records of s.
func (d *Definition) DocType(s Stage) string {
	return d.docTypes[s]
}

// Parse converts a user-supplied name into a known Stage.
func (d *Definition) Parse(name string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(name)))
	if !d.Known(s) {
		return "", fmt.Errorf("stage: unknown stage %q", name)
	}
	return s, nil
}

// ValidTargets lists the stages reachable from s by an ordinary transition.
func (d *Definition) ValidTargets(s Stage) []Stage {
	if !d.Known(s) || d.IsTerminal(s) {
		return nil
	}
	var out []Stage
	if next, ok := d.forward[s]; ok {
		out = append(out, next)
	}
	return append(out, Rejected)
}

func (s Stage) String() string { return string(s) }
