package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Content is the type-specific payload of an exercise. Each exercise type has
// exactly one implementation.
type Content interface {
	ExerciseType() ExerciseType
	// IsEmpty reports whether there is nothing to submit.
	IsEmpty() bool
	// Normalize returns a copy with absent collections replaced by empty ones.
	Normalize() Content
	Clone() Content
}

// Speaker is the role saying a dialogue line.
type Speaker string

const (
	SpeakerSeller     Speaker = "seller"
	SpeakerGoalkeeper Speaker = "goalkeeper"
	SpeakerProspect   Speaker = "prospect"
)

// Valid reports whether s is one of the known speakers.
func (s Speaker) Valid() bool {
	switch s {
	case SpeakerSeller, SpeakerGoalkeeper, SpeakerProspect:
		return true
	}
	return false
}

// DialogueLine is one turn of a Goalkeeper call simulation.
type DialogueLine struct {
	Speaker  Speaker `json:"speaker"`
	Text     string  `json:"text"`
	Feedback string  `json:"feedback,omitempty"`
}

// GoalkeeperContent is a call simulation written line by line. Lines are only
// appended or removed from the end.
type GoalkeeperContent struct {
	Lines []DialogueLine `json:"lines"`
}

func (GoalkeeperContent) ExerciseType() ExerciseType { return TypeGoalkeeper }

func (c GoalkeeperContent) IsEmpty() bool {
	for _, l := range c.Lines {
		if strings.TrimSpace(l.Text) != "" {
			return false
		}
	}
	return true
}

func (c GoalkeeperContent) Normalize() Content {
	out := c.Clone().(GoalkeeperContent)
	if out.Lines == nil {
		out.Lines = []DialogueLine{}
	}
	return out
}

func (c GoalkeeperContent) Clone() Content {
	if c.Lines == nil {
		return GoalkeeperContent{}
	}
	lines := make([]DialogueLine, len(c.Lines))
	copy(lines, c.Lines)
	return GoalkeeperContent{Lines: lines}
}

// Push appends a line.
func (c GoalkeeperContent) Push(line DialogueLine) GoalkeeperContent {
	out := c.Clone().(GoalkeeperContent)
	out.Lines = append(out.Lines, line)
	return out
}

// Pop removes the last line. It is a no-op on an empty dialogue.
func (c GoalkeeperContent) Pop() GoalkeeperContent {
	out := c.Clone().(GoalkeeperContent)
	if len(out.Lines) > 0 {
		out.Lines = out.Lines[:len(out.Lines)-1]
	}
	return out
}

// UnknownSpeaker returns the index of the first line whose speaker is not
// valid, or -1.
func (c GoalkeeperContent) UnknownSpeaker() int {
	for i, l := range c.Lines {
		if !l.Speaker.Valid() {
			return i
		}
	}
	return -1
}

// Follows reports whether c can be reached from prev by popping lines off the
// end and pushing new ones, without touching the speaker of a line both keep.
// Text of kept lines may change.
func (c GoalkeeperContent) Follows(prev GoalkeeperContent) bool {
	n := min(len(c.Lines), len(prev.Lines))
	for i := 0; i < n; i++ {
		if c.Lines[i].Speaker != prev.Lines[i].Speaker {
			return false
		}
	}
	return true
}

// ApplyLineFeedback sets per-line feedback. Indexes outside the dialogue are ignored.
func (c GoalkeeperContent) ApplyLineFeedback(fb map[int]string) Content {
	out := c.Clone().(GoalkeeperContent)
	for i, text := range fb {
		if i >= 0 && i < len(out.Lines) {
			out.Lines[i].Feedback = text
		}
	}
	return out
}

// Characteristic is one row of a CDAB matrix.
type Characteristic struct {
	Characteristic string `json:"characteristic"`
	Definition     string `json:"definition"`
	Advantage      string `json:"advantage"`
	Benefit        string `json:"benefit"`
}

// CDABContent is a Characteristic/Definition/Advantage/Benefit matrix.
type CDABContent struct {
	Characteristics []Characteristic `json:"characteristics"`
}

func (CDABContent) ExerciseType() ExerciseType { return TypeCDAB }

func (c CDABContent) IsEmpty() bool { return !anyCharacteristic(c.Characteristics) }

func (c CDABContent) Normalize() Content {
	out := c.Clone().(CDABContent)
	if out.Characteristics == nil {
		out.Characteristics = []Characteristic{}
	}
	return out
}

func (c CDABContent) Clone() Content {
	return CDABContent{Characteristics: cloneRows(c.Characteristics)}
}

// PresentationContent is a free-text pitch.
type PresentationContent struct {
	Text string `json:"text"`
}

func (PresentationContent) ExerciseType() ExerciseType { return TypePresentation }

func (c PresentationContent) IsEmpty() bool { return strings.TrimSpace(c.Text) == "" }

func (c PresentationContent) Normalize() Content { return c }

func (c PresentationContent) Clone() Content { return c }

// OutilsCDABContent mirrors the learner's CDAB rows for the follow-up tools exercise.
// It is written by the propagation component, not edited directly.
type OutilsCDABContent struct {
	Rows []Characteristic `json:"rows"`
}

func (OutilsCDABContent) ExerciseType() ExerciseType { return TypeOutilsCDAB }

func (c OutilsCDABContent) IsEmpty() bool { return !anyCharacteristic(c.Rows) }

func (c OutilsCDABContent) Normalize() Content {
	out := c.Clone().(OutilsCDABContent)
	if out.Rows == nil {
		out.Rows = []Characteristic{}
	}
	return out
}

func (c OutilsCDABContent) Clone() Content {
	return OutilsCDABContent{Rows: cloneRows(c.Rows)}
}

func anyCharacteristic(rows []Characteristic) bool {
	for _, r := range rows {
		if strings.TrimSpace(r.Characteristic) != "" {
			return true
		}
	}
	return false
}

func cloneRows(rows []Characteristic) []Characteristic {
	if rows == nil {
		return nil
	}
	out := make([]Characteristic, len(rows))
	copy(out, rows)
	return out
}

// LineAnnotator is implemented by content that accepts per-line feedback.
type LineAnnotator interface {
	ApplyLineFeedback(map[int]string) Content
}

// NewContent returns the empty default content of an exercise type.
func NewContent(t ExerciseType) (Content, error) {
	switch t {
	case TypeGoalkeeper:
		return GoalkeeperContent{Lines: []DialogueLine{}}, nil
	case TypeCDAB:
		return CDABContent{Characteristics: []Characteristic{}}, nil
	case TypePresentation:
		return PresentationContent{}, nil
	case TypeOutilsCDAB:
		return OutilsCDABContent{Rows: []Characteristic{}}, nil
	}
	return nil, fmt.Errorf("unknown exercise type %q", t)
}

// DecodeContent decodes a stored payload. Absent or null payloads yield the default.
func DecodeContent(t ExerciseType, raw json.RawMessage) (Content, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return NewContent(t)
	}
	var (
		c   Content
		err error
	)
	switch t {
	case TypeGoalkeeper:
		var v GoalkeeperContent
		err = json.Unmarshal(raw, &v)
		c = v
	case TypeCDAB:
		var v CDABContent
		err = json.Unmarshal(raw, &v)
		c = v
	case TypePresentation:
		var v PresentationContent
		err = json.Unmarshal(raw, &v)
		c = v
	case TypeOutilsCDAB:
		var v OutilsCDABContent
		err = json.Unmarshal(raw, &v)
		c = v
	default:
		return nil, fmt.Errorf("unknown exercise type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s content: %w", t, err)
	}
	return c.Normalize(), nil
}
