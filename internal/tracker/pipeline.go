package tracker

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the progress state of a single stage. Values are ordered so that
// a larger Status is always further along.
type Status int

// Supported stage statuses.
const (
	StatusPending Status = iota
	StatusProcessing
	StatusCompleted
)

// String renders the status the way it is serialized to callers.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StageDef declares one stage of the pipeline. Triggers lists the event kinds
// that mark this stage Processing.
type StageDef struct {
	ID       string   `mapstructure:"id"`
	Label    string   `mapstructure:"label"`
	Triggers []string `mapstructure:"triggers"`
}

// Stage is a stage together with its current status.
type Stage struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Status Status `json:"status"`
}

// StatusVector is the ordered status of every stage at one instant.
type StatusVector []Stage

// Clone returns an independent copy of the vector.
func (v StatusVector) Clone() StatusVector {
	return append(StatusVector(nil), v...)
}

// Equal reports whether both vectors carry the same statuses in the same order.
func (v StatusVector) Equal(other StatusVector) bool {
	if len(v) != len(other) {
		return false
	}
	for i := range v {
		if v[i].ID != other[i].ID || v[i].Status != other[i].Status {
			return false
		}
	}
	return true
}

// Completed counts stages in StatusCompleted.
func (v StatusVector) Completed() int {
	n := 0
	for _, st := range v {
		if st.Status == StatusCompleted {
			n++
		}
	}
	return n
}

// AllCompleted reports whether every stage is completed.
func (v StatusVector) AllCompleted() bool {
	return len(v) > 0 && v.Completed() == len(v)
}

// Percent is the share of completed stages in [0, 100].
func (v StatusVector) Percent() int {
	if len(v) == 0 {
		return 0
	}
	return v.Completed() * 100 / len(v)
}

// Processing returns the index of the stage currently processing, or -1.
func (v StatusVector) Processing() int {
	for i, st := range v {
		if st.Status == StatusProcessing {
			return i
		}
	}
	return -1
}

// TransitionType classifies what an event kind does to the vector.
type TransitionType int

// Transition types produced by Pipeline.Classify.
const (
	TransitionUnrecognized TransitionType = iota
	TransitionStage
	TransitionComplete
	TransitionError
)

// Transition is the classified effect of one event kind.
type Transition struct {
	Type TransitionType
	// Index is the stage marked Processing for TransitionStage.
	Index int
}

// PipelineOptions names the sentinel kinds.
type PipelineOptions struct {
	CompleteKind string
	ErrorKind    string
}

const (
	defaultCompleteKind = "complete"
	defaultErrorKind    = "error"
)

// Pipeline is the fixed, ordered stage definition plus its transition rules.
// It is immutable after construction and safe for concurrent use.
type Pipeline struct {
	defs     []StageDef
	triggers map[string]int
	complete string
	errKind  string
}

// NewPipeline validates the stage definitions and builds the classification table.
func NewPipeline(defs []StageDef, opts PipelineOptions) (*Pipeline, error) {
	if len(defs) == 0 {
		return nil, errors.New("pipeline requires at least one stage")
	}
	if opts.CompleteKind == "" {
		opts.CompleteKind = defaultCompleteKind
	}
	if opts.ErrorKind == "" {
		opts.ErrorKind = defaultErrorKind
	}
	if opts.CompleteKind == opts.ErrorKind {
		return nil, fmt.Errorf("complete and error kinds must differ (both %q)", opts.CompleteKind)
	}
	p := &Pipeline{
		defs:     make([]StageDef, len(defs)),
		triggers: make(map[string]int),
		complete: opts.CompleteKind,
		errKind:  opts.ErrorKind,
	}
	seen := make(map[string]struct{}, len(defs))
	for i, def := range defs {
		id := strings.TrimSpace(def.ID)
		if id == "" {
			return nil, fmt.Errorf("stage %d: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("stage %d: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		for _, kind := range def.Triggers {
			if kind == opts.CompleteKind || kind == opts.ErrorKind {
				return nil, fmt.Errorf("stage %q: trigger %q collides with a sentinel kind", id, kind)
			}
			if prev, ok := p.triggers[kind]; ok {
				return nil, fmt.Errorf("stage %q: trigger %q already bound to stage %q", id, kind, defs[prev].ID)
			}
			p.triggers[kind] = i
		}
		p.defs[i] = StageDef{ID: id, Label: def.Label, Triggers: append([]string(nil), def.Triggers...)}
	}
	return p, nil
}

// Len is the number of stages.
func (p *Pipeline) Len() int {
	return len(p.defs)
}

// CompleteKind is the completion sentinel.
func (p *Pipeline) CompleteKind() string {
	return p.complete
}

// ErrorKind is the error sentinel.
func (p *Pipeline) ErrorKind() string {
	return p.errKind
}

// Pending returns a vector with every stage pending.
func (p *Pipeline) Pending() StatusVector {
	v := make(StatusVector, len(p.defs))
	for i, def := range p.defs {
		v[i] = Stage{ID: def.ID, Label: def.Label, Status: StatusPending}
	}
	return v
}

// Initial is the optimistic starting vector: first stage processing, rest pending.
func (p *Pipeline) Initial() StatusVector {
	v := p.Pending()
	v[0].Status = StatusProcessing
	return v
}

// Classify maps an event kind to its transition.
func (p *Pipeline) Classify(kind string) Transition {
	switch kind {
	case p.complete:
		return Transition{Type: TransitionComplete}
	case p.errKind:
		return Transition{Type: TransitionError}
	}
	if idx, ok := p.triggers[kind]; ok {
		return Transition{Type: TransitionStage, Index: idx}
	}
	return Transition{Type: TransitionUnrecognized}
}

// Advance applies t to v and returns the resulting vector; v is not modified.
// A stage transition forces every earlier stage to Completed and never moves a
// stage backwards, so a late event for an earlier stage is a no-op.
func (p *Pipeline) Advance(v StatusVector, t Transition) StatusVector {
	out := v.Clone()
	switch t.Type {
	case TransitionComplete:
		for i := range out {
			out[i].Status = StatusCompleted
		}
	case TransitionStage:
		if t.Index < 0 || t.Index >= len(out) || out.AllCompleted() {
			return out
		}
		for i := range out {
			target := StatusPending
			switch {
			case i < t.Index:
				target = StatusCompleted
			case i == t.Index:
				target = StatusProcessing
			}
			if target > out[i].Status {
				out[i].Status = target
			}
		}
	}
	return out
}

// Step moves v forward by exactly one stage: the processing stage completes
// and the next one starts. The last stage is never completed by Step.
func (p *Pipeline) Step(v StatusVector) StatusVector {
	out := v.Clone()
	if out.AllCompleted() {
		return out
	}
	cur := out.Processing()
	if cur < 0 {
		for i := range out {
			if out[i].Status == StatusPending {
				out[i].Status = StatusProcessing
				return out
			}
		}
		return out
	}
	if cur >= len(out)-1 {
		return out
	}
	return p.Advance(out, Transition{Type: TransitionStage, Index: cur + 1})
}

// Monotonic reports whether next never regresses any stage of prev.
func Monotonic(prev, next StatusVector) bool {
	if len(prev) != len(next) {
		return false
	}
	for i := range prev {
		if next[i].Status < prev[i].Status {
			return false
		}
	}
	return true
}
