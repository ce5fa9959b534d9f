package chart

import (
	"errors"
	"fmt"
)

// Kind is the chart type of a figure.
type Kind string

const (
	KindBar       Kind = "bar"
	KindLine      Kind = "line"
	KindScatter   Kind = "scatter"
	KindPie       Kind = "pie"
	KindHistogram Kind = "histogram"
	KindArea      Kind = "area"
	KindCustom    Kind = "custom"
)

var ErrInvalidFigure = errors.New("invalid figure")

var knownKinds = map[Kind]bool{
	KindBar: true, KindLine: true, KindScatter: true, KindPie: true,
	KindHistogram: true, KindArea: true, KindCustom: true,
}

// Trace is one data series of a figure, shaped like a plotly trace.
type Trace struct {
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	X      []any  `json:"x,omitempty"`
	Y      []any  `json:"y,omitempty"`
	Labels []any  `json:"labels,omitempty"`
	Values []any  `json:"values,omitempty"`
}

// Figure is a renderer-agnostic chart description.
type Figure struct {
	Kind   Kind           `json:"kind"`
	Title  string         `json:"title,omitempty"`
	Traces []Trace        `json:"data"`
	Layout map[string]any `json:"layout,omitempty"`
}

// Validate checks that the figure can be rendered.
func (f *Figure) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil figure", ErrInvalidFigure)
	}
	if !knownKinds[f.Kind] {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFigure, f.Kind)
	}
	if len(f.Traces) == 0 {
		return fmt.Errorf("%w: no traces", ErrInvalidFigure)
	}
	return nil
}

// Clone returns a deep copy of the figure's slices and layout.
func (f *Figure) Clone() *Figure {
	if f == nil {
		return nil
	}
	out := &Figure{Kind: f.Kind, Title: f.Title, Traces: make([]Trace, len(f.Traces))}
	for i, t := range f.Traces {
		out.Traces[i] = Trace{
			Type:   t.Type,
			Name:   t.Name,
			X:      cloneSlice(t.X),
			Y:      cloneSlice(t.Y),
			Labels: cloneSlice(t.Labels),
			Values: cloneSlice(t.Values),
		}
	}
	if f.Layout != nil {
		out.Layout = make(map[string]any, len(f.Layout))
		for k, v := range f.Layout {
			out.Layout[k] = v
		}
	}
	return out
}

// SetLayout merges keys into the layout. A "title" key also sets Title.
func (f *Figure) SetLayout(kv map[string]any) {
	if f.Layout == nil {
		f.Layout = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		f.Layout[k] = v
		if k == "title" {
			if s, ok := v.(string); ok {
				f.Title = s
			}
		}
	}
}

func cloneSlice(in []any) []any {
	if in == nil {
		return nil
	}
	out := make([]any, len(in))
	copy(out, in)
	return out
}
