package doctree

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Step type tags (wire-stable).
const (
	StepReplace    = "replace"
	StepAddMark    = "addMark"
	StepRemoveMark = "removeMark"
	StepAttr       = "attr"
)

// Step is one structural edit.
type Step interface {
	StepType() string
	apply(s *Schema, doc *Node) *StructuralError
}

// Slice is the replacement content of a ReplaceStep. Open slices are not supported.
type Slice struct {
	Content   []*Node `json:"content,omitempty"`
	OpenStart int     `json:"openStart,omitempty"`
	OpenEnd   int     `json:"openEnd,omitempty"`
}

// ReplaceStep deletes [From, To) and inserts Slice in its place. Both ends
// must share the same parent node.
type ReplaceStep struct {
	From  int   `json:"from"`
	To    int   `json:"to"`
	Slice Slice `json:"slice"`
}

// AddMarkStep adds Mark to every inline node in [From, To).
type AddMarkStep struct {
	From int  `json:"from"`
	To   int  `json:"to"`
	Mark Mark `json:"mark"`
}

// RemoveMarkStep removes marks of Mark.Type from every inline node in [From, To).
type RemoveMarkStep struct {
	From int  `json:"from"`
	To   int  `json:"to"`
	Mark Mark `json:"mark"`
}

// AttrStep sets one attribute on the node starting at Pos. A nil Value removes it.
type AttrStep struct {
	Pos   int    `json:"pos"`
	Attr  string `json:"attr"`
	Value any    `json:"value"`
}

func (ReplaceStep) StepType() string    { return StepReplace }
func (AddMarkStep) StepType() string    { return StepAddMark }
func (RemoveMarkStep) StepType() string { return StepRemoveMark }
func (AttrStep) StepType() string       { return StepAttr }

// Steps is an ordered batch of steps with a tagged JSON encoding.
type Steps []Step

func (st Steps) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(st))
	for _, s := range st {
		b, err := marshalStep(s)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return json.Marshal(out)
}

func (st *Steps) UnmarshalJSON(b []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(b, &raws); err != nil {
		return err
	}
	out := make(Steps, 0, len(raws))
	for i, raw := range raws {
		s, err := unmarshalStep(raw)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		out = append(out, s)
	}
	*st = out
	return nil
}

// ErrUnknownStep is returned when decoding a step with an unrecognized stepType.
var ErrUnknownStep = errors.New("doctree: unknown step type")

func marshalStep(s Step) ([]byte, error) {
	var body any
	switch t := s.(type) {
	case ReplaceStep:
		body = struct {
			StepType string `json:"stepType"`
			ReplaceStep
		}{StepReplace, t}
	case AddMarkStep:
		body = struct {
			StepType string `json:"stepType"`
			AddMarkStep
		}{StepAddMark, t}
	case RemoveMarkStep:
		body = struct {
			StepType string `json:"stepType"`
			RemoveMarkStep
		}{StepRemoveMark, t}
	case AttrStep:
		body = struct {
			StepType string `json:"stepType"`
			AttrStep
		}{StepAttr, t}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownStep, s)
	}
	return json.Marshal(body)
}

func unmarshalStep(raw json.RawMessage) (Step, error) {
	var head struct {
		StepType string `json:"stepType"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	switch head.StepType {
	case StepReplace:
		var s ReplaceStep
		err := json.Unmarshal(raw, &s)
		return s, err
	case StepAddMark:
		var s AddMarkStep
		err := json.Unmarshal(raw, &s)
		return s, err
	case StepRemoveMark:
		var s RemoveMarkStep
		err := json.Unmarshal(raw, &s)
		return s, err
	case StepAttr:
		var s AttrStep
		err := json.Unmarshal(raw, &s)
		return s, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, head.StepType)
	}
}

// DecodeSteps parses a JSON array of steps.
func DecodeSteps(b []byte) (Steps, error) {
	var st Steps
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	return st, nil
}
