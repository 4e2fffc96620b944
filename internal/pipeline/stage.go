package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/endeavourhealth/transforms/internal/reader"
)

// Kind separates stages that only prepare state from stages that produce
// output entities.
type Kind int

const (
	PreTransform Kind = iota
	Transform
)

func (k Kind) String() string {
	if k == Transform {
		return "transform"
	}
	return "pre-transform"
}

// RecordMapper maps one record. It is always called from the run's own
// goroutine.
type RecordMapper func(ctx context.Context, rc *RunContext, rec reader.ParsedRecord) Result

// Stage reads every record of one content type.
type Stage struct {
	Name        string
	Kind        Kind
	ContentType string
	Policy      Policy

	// Populates and Consumes name the caches and lookup tables the stage
	// writes and reads. A stage may only consume what an earlier stage
	// populates.
	Populates []string
	Consumes  []string

	Map RecordMapper

	// After runs once every record of the stage has been read.
	After func(ctx context.Context, rc *RunContext) error
}

// Plan is the validated, ordered list of stages for one source system.
type Plan struct {
	stages []Stage
}

// NewPlan validates stage ordering and declarations.
func NewPlan(stages ...Stage) (*Plan, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("plan has no stages")
	}

	names := make(map[string]bool, len(stages))
	populated := make(map[string]string)
	seenTransform := false

	for i, st := range stages {
		switch {
		case st.Name == "":
			return nil, fmt.Errorf("stage %d has no name", i)
		case names[st.Name]:
			return nil, fmt.Errorf("stage %s declared twice", st.Name)
		case st.ContentType == "":
			return nil, fmt.Errorf("stage %s has no content type", st.Name)
		case st.Map == nil:
			return nil, fmt.Errorf("stage %s has no mapper", st.Name)
		}
		names[st.Name] = true

		if st.Kind == Transform {
			seenTransform = true
		} else if seenTransform {
			return nil, fmt.Errorf("pre-transform stage %s follows a transform stage", st.Name)
		}

		for _, c := range st.Consumes {
			if _, ok := populated[c]; !ok {
				return nil, fmt.Errorf("stage %s consumes %q before any stage populates it", st.Name, c)
			}
		}
		for _, p := range st.Populates {
			if _, ok := populated[p]; !ok {
				populated[p] = st.Name
			}
		}
	}

	return &Plan{stages: stages}, nil
}

// MustPlan is NewPlan that panics, for package-level plan declarations.
func MustPlan(stages ...Stage) *Plan {
	p, err := NewPlan(stages...)
	if err != nil {
		panic(err)
	}
	return p
}

// Stages returns the stages in execution order.
func (p *Plan) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// ContentTypes returns each content type the plan reads, in first-use order,
// with the name of the first stage that needs it.
func (p *Plan) ContentTypes() []StageInput {
	seen := make(map[string]bool)
	var out []StageInput
	for _, st := range p.stages {
		key := strings.ToLower(st.ContentType)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, StageInput{ContentType: st.ContentType, Stage: st.Name})
	}
	return out
}

// StageInput pairs a content type with the first stage that reads it.
type StageInput struct {
	ContentType string
	Stage       string
}
