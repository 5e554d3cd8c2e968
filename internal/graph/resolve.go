package graph

import (
	"fmt"
	"strings"

	"jubee/internal/domain"
)

// ValidationError reports user input the current stage rejects. The session
// must not advance; the caller re-prompts on the same stage.
type ValidationError struct {
	Stage   string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s (%s): %s", e.Stage, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Stage, e.Message)
}

// InvalidActionError reports an operation the current stage does not support.
type InvalidActionError struct {
	Stage  string
	Mode   domain.InputMode
	Action string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid action %s on stage %s (input mode %s)", e.Action, e.Stage, e.Mode)
}

type InputKind string

const (
	InputChoice InputKind = "choice"
	InputText   InputKind = "text"
	InputFiles  InputKind = "files"
)

// Input is one completed user input handed to ResolveNext.
type Input struct {
	Kind     InputKind
	OptionID string
	Text     string
	// Files is the size of the submitted batch.
	Files int
	// Collected is the number of items the stage holds before this input
	// (documents in its category or entries in its list field).
	Collected int
	Fields    domain.Fields
}

// Resolution is where an input leads. Stay means the session remains on the
// same stage (multi-value accumulation).
type Resolution struct {
	Next   string
	Stay   bool
	Option *Option
}

// ResolveNext maps a completed input on stage to the next stage. It is pure.
func (g *Graph) ResolveNext(stage string, in Input) (Resolution, error) {
	st, ok := g.stages[stage]
	if !ok {
		return Resolution{}, fmt.Errorf("unknown stage %q", stage)
	}
	if st.Name == g.def.Terminal {
		return Resolution{}, &InvalidActionError{Stage: st.Name, Mode: st.Mode, Action: string(in.Kind)}
	}
	switch in.Kind {
	case InputChoice:
		return g.resolveChoice(st, in)
	case InputText:
		return g.resolveText(st, in)
	case InputFiles:
		return g.resolveFiles(st, in)
	}
	return Resolution{}, fmt.Errorf("unknown input kind %q", in.Kind)
}

func (g *Graph) resolveChoice(st Stage, in Input) (Resolution, error) {
	if len(st.Options) == 0 {
		return Resolution{}, &InvalidActionError{Stage: st.Name, Mode: st.Mode, Action: "choice"}
	}
	if strings.TrimSpace(in.OptionID) == "" {
		return Resolution{}, &ValidationError{Stage: st.Name, Field: st.Field, Message: "a choice is required"}
	}
	opt, ok := st.Option(in.OptionID)
	if !ok {
		return Resolution{}, &ValidationError{Stage: st.Name, Field: st.Field, Message: fmt.Sprintf("unknown option %q", in.OptionID)}
	}
	if !opt.visible(in.Collected) {
		return Resolution{}, &ValidationError{Stage: st.Name, Field: st.Field, Message: fmt.Sprintf("option %q is not available now", opt.ID)}
	}
	if opt.Next != "" {
		return Resolution{Next: opt.Next, Option: &opt}, nil
	}
	// options without their own edge accumulate on multi-value stages
	if st.Mode == domain.ModeChoiceMulti || st.Mode.IsUpload() {
		return Resolution{Next: st.Name, Stay: true, Option: &opt}, nil
	}
	return Resolution{Next: g.defaultNext(st, in.Fields), Option: &opt}, nil
}

func (g *Graph) resolveText(st Stage, in Input) (Resolution, error) {
	value := strings.TrimSpace(in.Text)
	switch {
	case st.Mode.IsText():
		if value == "" && st.Required {
			return Resolution{}, &ValidationError{Stage: st.Name, Field: st.Field, Message: "a value is required"}
		}
		return Resolution{Next: g.defaultNext(st, in.Fields)}, nil
	case st.Mode == domain.ModeChoiceMulti:
		// free-form tag entry
		if value == "" {
			return Resolution{}, &ValidationError{Stage: st.Name, Field: st.Field, Message: "tag cannot be empty"}
		}
		return Resolution{Next: st.Name, Stay: true}, nil
	}
	return Resolution{}, &InvalidActionError{Stage: st.Name, Mode: st.Mode, Action: "text"}
}

func (g *Graph) resolveFiles(st Stage, in Input) (Resolution, error) {
	if !st.Mode.IsUpload() {
		return Resolution{}, &InvalidActionError{Stage: st.Name, Mode: st.Mode, Action: "files"}
	}
	if in.Files == 0 || st.Multiple || st.Confirm {
		return Resolution{Next: st.Name, Stay: true}, nil
	}
	return Resolution{Next: g.defaultNext(st, in.Fields)}, nil
}

func (g *Graph) defaultNext(st Stage, fields domain.Fields) string {
	for _, b := range st.Branches {
		if b.matches(fields) {
			return b.Next
		}
	}
	return st.Next
}
